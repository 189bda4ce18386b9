package types

import (
	"time"

	"github.com/google/uuid"
)

// TelemetrySample is one decoded measurement, produced once per register per
// successful decode and handed straight to the publish sink.
type TelemetrySample struct {
	DeviceID        uuid.UUID `json:"device_id"`
	RegisterID      uuid.UUID `json:"register_id"`
	RegisterAddress int       `json:"register_address"`
	Signal          string    `json:"signal"`
	Value           float64   `json:"value"`
	Unit            string    `json:"unit"`
	Timestamp       time.Time `json:"timestamp"`
}
