package storage

import (
	"context"
	"errors"

	"github.com/KevinKickass/FieldPoller/internal/types"
	"github.com/google/uuid"
)

// ErrDeviceNotFound is returned by LoadDevice for unknown device ids.
var ErrDeviceNotFound = errors.New("device not found")

// Store is implemented by PostgresClient and SQLiteClient.
type Store interface {
	ListActiveDeviceIDs(ctx context.Context) ([]uuid.UUID, error)
	LoadDevice(ctx context.Context, id uuid.UUID) (*types.DeviceSnapshot, error)
	SetRegisterHealth(ctx context.Context, registerID uuid.UUID, healthy bool) error
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}

// registerRow is the scan target for one row of the registers table.
type registerRow struct {
	ID        uuid.UUID
	DeviceID  uuid.UUID
	Name      string
	Address   int
	Length    int
	DataType  string
	Scale     float64
	Unit      string
	ByteOrder string
	WordSwap  bool
	IsHealthy bool
}

func (r registerRow) toDefinition() types.RegisterDefinition {
	// unbekannte Werte wie "mixed" gelten als nicht gesetzt
	order, _ := types.ParseByteOrder(r.ByteOrder)
	return types.RegisterDefinition{
		ID:        r.ID,
		DeviceID:  r.DeviceID,
		Name:      r.Name,
		Address:   r.Address,
		Length:    r.Length,
		DataType:  types.DataType(r.DataType).Normalize(),
		Scale:     r.Scale,
		Unit:      r.Unit,
		ByteOrder: order,
		WordSwap:  r.WordSwap,
		IsHealthy: r.IsHealthy,
	}
}

const selectRegistersSQL = `
	SELECT id, device_id, COALESCE(name, ''), address, length, COALESCE(data_type, ''),
		scale, COALESCE(unit, ''), COALESCE(byte_order, ''), word_swap, is_healthy
	FROM registers
	WHERE device_id = $1
	ORDER BY address`
