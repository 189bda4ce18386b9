package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/KevinKickass/FieldPoller/internal/config"
	"github.com/KevinKickass/FieldPoller/internal/types"
	"github.com/google/uuid"
)

func setupTestDB(t *testing.T) *SQLiteClient {
	t.Helper()

	ctx := context.Background()
	client, err := NewSQLiteClient(ctx, filepath.Join(t.TempDir(), "fp.db"))
	if err != nil {
		t.Fatalf("NewSQLiteClient() err=%v", err)
	}
	t.Cleanup(client.Close)

	if err := client.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() err=%v", err)
	}
	// zweimal migrieren muss gehen
	if err := client.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() err=%v", err)
	}
	return client
}

func exec(t *testing.T, c *SQLiteClient, query string, args ...any) {
	t.Helper()
	if _, err := c.DB().Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func TestSQLite_LoadDevice(t *testing.T) {
	c := setupTestDB(t)
	ctx := context.Background()

	cfgID := uuid.New()
	deviceID := uuid.New()
	r1 := uuid.New()
	r2 := uuid.New()

	exec(t, c, `INSERT INTO device_configurations (id, name, poll_interval_ms, protocol_settings) VALUES (?, ?, ?, ?)`,
		cfgID, "bench", 500, `{"host":"127.0.0.1","port":5020}`)
	exec(t, c, `INSERT INTO devices (id, name, configuration_id) VALUES (?, ?, ?)`, deviceID, "press-1", cfgID)
	exec(t, c, `INSERT INTO registers (id, device_id, name, address, length, data_type, scale, unit, byte_order, word_swap)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, r2, deviceID, "Current", 2, 2, "Float32", 1.0, "A", "little", true)
	exec(t, c, `INSERT INTO registers (id, device_id, address) VALUES (?, ?, ?)`, r1, deviceID, 0)

	snap, err := c.LoadDevice(ctx, deviceID)
	if err != nil {
		t.Fatalf("LoadDevice() err=%v", err)
	}

	if snap.Device.Name != "press-1" || snap.Device.IsDeleted {
		t.Fatalf("unexpected device: %+v", snap.Device)
	}
	cfg := snap.Device.Configuration
	if cfg == nil || cfg.ID != cfgID || cfg.PollIntervalMs != 500 || cfg.Name != "bench" {
		t.Fatalf("unexpected configuration: %+v", cfg)
	}
	if string(cfg.ProtocolSettings) != `{"host":"127.0.0.1","port":5020}` {
		t.Fatalf("settings = %s", cfg.ProtocolSettings)
	}

	if len(snap.Registers) != 2 {
		t.Fatalf("expected 2 registers, got %d", len(snap.Registers))
	}
	first, second := snap.Registers[0], snap.Registers[1]
	if first.ID != r1 || first.Address != 0 || first.Length != 1 || first.DataType != types.DataTypeUint16 ||
		first.Scale != 1 || !first.IsHealthy || first.ByteOrder != "" {
		t.Fatalf("unexpected first register: %+v", first)
	}
	if second.DataType != types.DataTypeFloat32 || second.ByteOrder != types.ByteOrderLittle ||
		!second.WordSwap || second.Unit != "A" || second.Name != "Current" {
		t.Fatalf("unexpected second register: %+v", second)
	}
}

func TestSQLite_DeviceWithoutConfiguration(t *testing.T) {
	c := setupTestDB(t)
	deviceID := uuid.New()
	exec(t, c, `INSERT INTO devices (id, name) VALUES (?, ?)`, deviceID, "orphan")

	snap, err := c.LoadDevice(context.Background(), deviceID)
	if err != nil {
		t.Fatalf("LoadDevice() err=%v", err)
	}
	if snap.Device.Configuration != nil || snap.Device.ConfigurationID != nil {
		t.Fatalf("expected no configuration, got %+v", snap.Device)
	}
	if len(snap.Registers) != 0 {
		t.Fatalf("expected no registers")
	}
}

func TestSQLite_LoadDeviceNotFound(t *testing.T) {
	c := setupTestDB(t)

	_, err := c.LoadDevice(context.Background(), uuid.New())
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("err=%v, want ErrDeviceNotFound", err)
	}
}

func TestSQLite_ListActiveDeviceIDs(t *testing.T) {
	c := setupTestDB(t)

	active := uuid.New()
	deleted := uuid.New()
	exec(t, c, `INSERT INTO devices (id, name) VALUES (?, ?)`, active, "a")
	exec(t, c, `INSERT INTO devices (id, name, is_deleted) VALUES (?, ?, 1)`, deleted, "b")

	ids, err := c.ListActiveDeviceIDs(context.Background())
	if err != nil {
		t.Fatalf("ListActiveDeviceIDs() err=%v", err)
	}
	if len(ids) != 1 || ids[0] != active {
		t.Fatalf("ids = %v, want [%s]", ids, active)
	}
}

func TestSQLite_SetRegisterHealth(t *testing.T) {
	c := setupTestDB(t)
	ctx := context.Background()

	deviceID := uuid.New()
	regID := uuid.New()
	exec(t, c, `INSERT INTO devices (id, name) VALUES (?, ?)`, deviceID, "a")
	exec(t, c, `INSERT INTO registers (id, device_id, address) VALUES (?, ?, ?)`, regID, deviceID, 7)

	if err := c.SetRegisterHealth(ctx, regID, false); err != nil {
		t.Fatalf("SetRegisterHealth() err=%v", err)
	}

	snap, err := c.LoadDevice(ctx, deviceID)
	if err != nil {
		t.Fatalf("LoadDevice() err=%v", err)
	}
	if snap.Registers[0].IsHealthy {
		t.Fatalf("register still healthy")
	}
	if len(snap.HealthyRegisters()) != 0 {
		t.Fatalf("unhealthy register returned as healthy")
	}

	if err := c.SetRegisterHealth(ctx, uuid.New(), false); err == nil {
		t.Fatalf("expected error for unknown register")
	}
}

func TestOpen_SQLite(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, config.DatabaseConfig{
		Driver: config.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "nested", "fp.db"),
	})
	if err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	defer store.Close()

	ids, err := store.ListActiveDeviceIDs(ctx)
	if err != nil || len(ids) != 0 {
		t.Fatalf("ListActiveDeviceIDs() = %v, %v", ids, err)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), config.DatabaseConfig{Driver: "mysql"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
