package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/KevinKickass/FieldPoller/internal/types"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const sqliteBusyTimeoutMs = 5000

// SQLiteClient is the single-file store for bench setups and tests.
type SQLiteClient struct {
	db   *sql.DB
	path string
}

func NewSQLiteClient(ctx context.Context, path string) (*SQLiteClient, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL",
		path, sqliteBusyTimeoutMs)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// ein Writer, die Poll-Loops teilen sich die Verbindung
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLiteClient{db: db, path: path}, nil
}

func (s *SQLiteClient) Close() {
	s.db.Close()
}

func (s *SQLiteClient) DB() *sql.DB {
	return s.db
}

func (s *SQLiteClient) Path() string {
	return s.path
}

func (s *SQLiteClient) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteClient) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS device_configurations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			poll_interval_ms INTEGER NOT NULL DEFAULT 1000,
			protocol_settings TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);

		CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			is_deleted BOOLEAN NOT NULL DEFAULT 0,
			configuration_id TEXT REFERENCES device_configurations(id) ON DELETE SET NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);

		CREATE TABLE IF NOT EXISTS registers (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			name TEXT,
			address INTEGER NOT NULL CHECK (address BETWEEN 0 AND 65535),
			length INTEGER NOT NULL DEFAULT 1 CHECK (length BETWEEN 1 AND 10),
			data_type TEXT NOT NULL DEFAULT 'uint16',
			scale REAL NOT NULL DEFAULT 1 CHECK (scale > 0),
			unit TEXT,
			byte_order TEXT,
			word_swap BOOLEAN NOT NULL DEFAULT 0,
			is_healthy BOOLEAN NOT NULL DEFAULT 1
		);

		CREATE INDEX IF NOT EXISTS idx_registers_device_id ON registers(device_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteClient) ListActiveDeviceIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM devices
		WHERE is_deleted = 0
		ORDER BY created_at, id
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

func (s *SQLiteClient) LoadDevice(ctx context.Context, id uuid.UUID) (*types.DeviceSnapshot, error) {
	var (
		device   types.Device
		cfgID    uuid.NullUUID
		cfgName  sql.NullString
		interval sql.NullInt64
		settings sql.NullString
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT d.id, d.name, d.is_deleted, d.configuration_id,
			c.name, c.poll_interval_ms, c.protocol_settings
		FROM devices d
		LEFT JOIN device_configurations c ON c.id = d.configuration_id
		WHERE d.id = $1
	`, id).Scan(&device.ID, &device.Name, &device.IsDeleted, &cfgID,
		&cfgName, &interval, &settings)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
		}
		return nil, fmt.Errorf("failed to load device: %w", err)
	}

	if cfgID.Valid {
		device.ConfigurationID = &cfgID.UUID
		if interval.Valid {
			device.Configuration = &types.Configuration{
				ID:               cfgID.UUID,
				Name:             cfgName.String,
				PollIntervalMs:   int(interval.Int64),
				ProtocolSettings: []byte(settings.String),
			}
		}
	}

	rows, err := s.db.QueryContext(ctx, selectRegistersSQL, id)
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

func (s *SQLiteClient) SetRegisterHealth(ctx context.Context, registerID uuid.UUID, healthy bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE registers SET is_healthy = $1 WHERE id = $2
	`, healthy, registerID)
	if err != nil {
		return fmt.Errorf("failed to update register health: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update register health: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("register not found: %s", registerID)
	}
	return nil
}
