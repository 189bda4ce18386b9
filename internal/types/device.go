package types

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Device is a snapshot of one field device as stored externally.
type Device struct {
	ID              uuid.UUID      `json:"id"`
	Name            string         `json:"name"`
	IsDeleted       bool           `json:"is_deleted"`
	ConfigurationID *uuid.UUID     `json:"configuration_id,omitempty"`
	Configuration   *Configuration `json:"configuration,omitempty"`
}

// Configuration can be shared by several devices. ProtocolSettings is the raw
// settings blob (JSON object) and is parsed once per poll cycle.
type Configuration struct {
	ID               uuid.UUID `json:"id"`
	Name             string    `json:"name"`
	PollIntervalMs   int       `json:"poll_interval_ms"`
	ProtocolSettings []byte    `json:"protocol_settings"`
}

// RegisterDefinition is one holding register (or register span) of a device.
// Values are read-only snapshots for one poll cycle; IsHealthy is only ever
// changed through the store.
type RegisterDefinition struct {
	ID        uuid.UUID `json:"id"`
	DeviceID  uuid.UUID `json:"device_id"`
	Name      string    `json:"name,omitempty"`
	Address   int       `json:"address"`
	Length    int       `json:"length"`
	DataType  DataType  `json:"data_type"`
	Scale     float64   `json:"scale"`
	Unit      string    `json:"unit,omitempty"`
	ByteOrder ByteOrder `json:"byte_order,omitempty"`
	WordSwap  bool      `json:"word_swap"`
	IsHealthy bool      `json:"is_healthy"`
}

// DeviceSnapshot bundles everything a poll cycle needs from the store.
type DeviceSnapshot struct {
	Device    Device
	Registers []RegisterDefinition
}

// HealthyRegisters returns the registers that may take part in window planning.
func (s *DeviceSnapshot) HealthyRegisters() []RegisterDefinition {
	healthy := make([]RegisterDefinition, 0, len(s.Registers))
	for _, reg := range s.Registers {
		if reg.IsHealthy {
			healthy = append(healthy, reg)
		}
	}
	return healthy
}

// SignalLabel is the label published with every sample of the register.
func (r RegisterDefinition) SignalLabel() string {
	switch {
	case r.Name != "":
		return r.Name
	case r.Unit != "":
		return r.Unit
	default:
		return "Register" + strconv.Itoa(r.Address)
	}
}

// WordCount is the number of 16 bit words the register spans. The stored
// length wins when it is larger than what the data type needs.
func (r RegisterDefinition) WordCount() int {
	n := r.DataType.Words()
	if r.Length > n {
		n = r.Length
	}
	return n
}

type DataType string

const (
	DataTypeInt16   DataType = "int16"
	DataTypeUint16  DataType = "uint16"
	DataTypeInt32   DataType = "int32"
	DataTypeUint32  DataType = "uint32"
	DataTypeFloat32 DataType = "float32"
)

// Normalize lower-cases the data type; stored values come from a free-text column.
func (d DataType) Normalize() DataType {
	return DataType(strings.ToLower(strings.TrimSpace(string(d))))
}

// Words returns the minimum number of registers needed to decode the type.
func (d DataType) Words() int {
	switch d.Normalize() {
	case DataTypeInt32, DataTypeUint32, DataTypeFloat32:
		return 2
	default:
		return 1
	}
}

type ByteOrder string

const (
	ByteOrderBig    ByteOrder = "Big"
	ByteOrderLittle ByteOrder = "Little"
)

// ParseByteOrder accepts "big"/"little" in any case. Empty input yields "".
func ParseByteOrder(s string) (ByteOrder, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", true
	case "big":
		return ByteOrderBig, true
	case "little":
		return ByteOrderLittle, true
	default:
		return "", false
	}
}
