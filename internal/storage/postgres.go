package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/KevinKickass/FieldPoller/internal/config"
	"github.com/KevinKickass/FieldPoller/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresClient struct {
	pool *pgxpool.Pool
}

func NewPostgresClient(ctx context.Context, cfg config.DatabaseConfig) (*PostgresClient, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	// Connection testen
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{pool: pool}, nil
}

func (p *PostgresClient) Close() {
	p.pool.Close()
}

func (p *PostgresClient) Pool() *pgxpool.Pool {
	return p.pool
}

func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Migrate legt die Tabellen an, falls sie fehlen
func (p *PostgresClient) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS device_configurations (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			name TEXT NOT NULL DEFAULT '',
			poll_interval_ms INTEGER NOT NULL DEFAULT 1000,
			protocol_settings JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS devices (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			name TEXT NOT NULL,
			is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
			configuration_id UUID REFERENCES device_configurations(id) ON DELETE SET NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS registers (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			device_id UUID NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			name TEXT,
			address INTEGER NOT NULL CHECK (address BETWEEN 0 AND 65535),
			length INTEGER NOT NULL DEFAULT 1 CHECK (length BETWEEN 1 AND 10),
			data_type TEXT NOT NULL DEFAULT 'uint16',
			scale DOUBLE PRECISION NOT NULL DEFAULT 1 CHECK (scale > 0),
			unit TEXT,
			byte_order TEXT,
			word_swap BOOLEAN NOT NULL DEFAULT FALSE,
			is_healthy BOOLEAN NOT NULL DEFAULT TRUE
		);

		CREATE INDEX IF NOT EXISTS idx_registers_device_id ON registers(device_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// ListActiveDeviceIDs returns all devices that are not soft-deleted
func (p *PostgresClient) ListActiveDeviceIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id FROM devices
		WHERE is_deleted = false
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan device id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// LoadDevice loads device, configuration and registers in one snapshot
func (p *PostgresClient) LoadDevice(ctx context.Context, id uuid.UUID) (*types.DeviceSnapshot, error) {
	var (
		device   types.Device
		cfgName  *string
		interval *int
		settings []byte
	)

	err := p.pool.QueryRow(ctx, `
		SELECT d.id, d.name, d.is_deleted, d.configuration_id,
			c.name, c.poll_interval_ms, c.protocol_settings
		FROM devices d
		LEFT JOIN device_configurations c ON c.id = d.configuration_id
		WHERE d.id = $1
	`, id).Scan(&device.ID, &device.Name, &device.IsDeleted, &device.ConfigurationID,
		&cfgName, &interval, &settings)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
		}
		return nil, fmt.Errorf("failed to load device: %w", err)
	}

	if device.ConfigurationID != nil && interval != nil {
		device.Configuration = &types.Configuration{
			ID:               *device.ConfigurationID,
			PollIntervalMs:   *interval,
			ProtocolSettings: settings,
		}
		if cfgName != nil {
			device.Configuration.Name = *cfgName
		}
	}

	rows, err := p.pool.Query(ctx, selectRegistersSQL, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query registers: %w", err)
	}
	defer rows.Close()

	snapshot := &types.DeviceSnapshot{Device: device}
	for rows.Next() {
		var r registerRow
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.Name, &r.Address, &r.Length, &r.DataType,
			&r.Scale, &r.Unit, &r.ByteOrder, &r.WordSwap, &r.IsHealthy); err != nil {
			return nil, fmt.Errorf("failed to scan register: %w", err)
		}
		snapshot.Registers = append(snapshot.Registers, r.toDefinition())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read registers: %w", err)
	}

	return snapshot, nil
}

// SetRegisterHealth writes the health flag of one register
func (p *PostgresClient) SetRegisterHealth(ctx context.Context, registerID uuid.UUID, healthy bool) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE registers SET is_healthy = $2 WHERE id = $1
	`, registerID, healthy)
	if err != nil {
		return fmt.Errorf("failed to update register health: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("register not found: %s", registerID)
	}
	return nil
}
