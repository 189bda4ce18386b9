package devices

import (
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateIdle     State = "idle"
	StatePolling  State = "polling"
	StateSleeping State = "sleeping"
	StateStopped  State = "stopped"
)

// Cycle results, also used as metric labels.
const (
	ResultOK           = "ok"
	ResultSkipped      = "skipped"
	ResultConfigError  = "config_error"
	ResultConnectivity = "connectivity_error"
	ResultStoreError   = "store_error"
	ResultPanic        = "panic"
)

// PollerStatus is the externally visible state of one device poll loop.
type PollerStatus struct {
	DeviceID     uuid.UUID     `json:"device_id"`
	DeviceName   string        `json:"device_name,omitempty"`
	State        State         `json:"state"`
	Cycles       int64         `json:"cycles"`
	LastCycle    time.Time     `json:"last_cycle,omitempty"`
	LastResult   string        `json:"last_result,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	Windows      int           `json:"windows"`
	Samples      int           `json:"samples"`
	NextInterval time.Duration `json:"next_interval_ns"`
}
