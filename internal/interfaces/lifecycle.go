package interfaces

import (
	"context"
	"time"

	"github.com/KevinKickass/FieldPoller/internal/config"
	"github.com/KevinKickass/FieldPoller/internal/devices"
	"github.com/google/uuid"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State            string    `json:"state"`
	StartedAt        time.Time `json:"started_at"`
	DatabaseDriver   string    `json:"database_driver"`
	DatabaseOK       bool      `json:"database_ok"`
	ActivePollers    int       `json:"active_pollers"`
	WebSocketClients int       `json:"websocket_clients"`
	Sinks            []string  `json:"sinks"`
}

// PollerRegistry is the read side of the poll supervisor.
type PollerRegistry interface {
	ActiveLoops() int
	RunningDevices() []devices.PollerStatus
	DeviceStatus(id uuid.UUID) (devices.PollerStatus, bool)
}

type LifecycleManager interface {
	Config() *config.Config
	DeviceManager() PollerRegistry
	GetCurrentStatus(ctx context.Context) SystemStatus
	Shutdown(ctx context.Context) error
}
