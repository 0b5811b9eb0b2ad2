// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresConfig holds PostgreSQL connection pool settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn" json:"dsn" env:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME"`
	// AutoMigrate applies Schema right after connecting.
	AutoMigrate bool `yaml:"auto_migrate" json:"auto_migrate" env:"AUTO_MIGRATE"`
}

// Schema creates the tables the bridge reads and writes.
const Schema = `
CREATE TABLE IF NOT EXISTS iot_devices (
	device_id     TEXT NOT NULL,
	tenant_id     TEXT NOT NULL,
	farm_id       TEXT NOT NULL,
	device_type   TEXT NOT NULL DEFAULT '',
	capabilities  JSONB,
	device_status TEXT NOT NULL DEFAULT 'offline',
	last_seen_at  TIMESTAMPTZ,
	PRIMARY KEY (device_id, tenant_id)
);
CREATE TABLE IF NOT EXISTS iot_commands (
	id            TEXT PRIMARY KEY,
	command_id    TEXT NOT NULL,
	device_id     TEXT NOT NULL,
	type          TEXT NOT NULL,
	payload       JSONB,
	status        TEXT NOT NULL DEFAULT 'pending',
	detail        TEXT,
	expires_at    TIMESTAMPTZ,
	sent_at       TIMESTAMPTZ,
	ack_payload   JSONB,
	ack_timestamp TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS iot_commands_pending_idx ON iot_commands (status, created_at);
CREATE TABLE IF NOT EXISTS iot_readings (
	device_uuid TEXT NOT NULL,
	tenant_id   TEXT NOT NULL,
	key         TEXT NOT NULL,
	value       DOUBLE PRECISION,
	value_text  TEXT,
	unit        TEXT NOT NULL DEFAULT '',
	ts          TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS farm_mqtt_configs (
	farm_id          TEXT PRIMARY KEY,
	broker_url       TEXT NOT NULL,
	port             INTEGER NOT NULL DEFAULT 1883,
	auth_mode        TEXT NOT NULL DEFAULT 'api_key',
	username         TEXT,
	secret_enc       TEXT,
	client_id_prefix TEXT NOT NULL DEFAULT 'terahub',
	ws_path          TEXT,
	qos_default      SMALLINT NOT NULL DEFAULT 1,
	is_active        BOOLEAN NOT NULL DEFAULT true
);
`

// PostgresStore implements Store on PostgreSQL through lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres opens a pooled connection and verifies it with a ping. With
// AutoMigrate set the schema is created before the store is returned.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres: empty dsn")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := NewPostgresStore(db)
	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewPostgresStore wraps an existing handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates missing tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

const fetchPendingSQL = `
SELECT c.id, c.command_id, c.device_id, d.farm_id, d.tenant_id, c.type, c.payload,
       c.status, c.expires_at, c.created_at
FROM iot_commands c
JOIN iot_devices d ON d.device_id = c.device_id
WHERE c.status = 'pending' AND (c.expires_at IS NULL OR c.expires_at > $1)
ORDER BY c.created_at
LIMIT $2`

// FetchPending implements CommandStore.
func (s *PostgresStore) FetchPending(ctx context.Context, now time.Time, limit int) ([]Command, error) {
	rows, err := s.db.QueryContext(ctx, fetchPendingSQL, now, limit)
	if err != nil {
		return nil, fmt.Errorf("command repo: fetch pending: %w", err)
	}
	defer rows.Close()

	var out []Command
	for rows.Next() {
		var (
			c         Command
			payload   []byte
			status    string
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&c.ID, &c.CommandID, &c.DeviceID, &c.FarmID, &c.TenantID, &c.Type,
			&payload, &status, &expiresAt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("command repo: scan: %w", err)
		}
		c.Status = CommandStatus(status)
		if expiresAt.Valid {
			t := expiresAt.Time
			c.ExpiresAt = &t
		}
		if c.Payload, err = decodePayload(payload); err != nil {
			return nil, fmt.Errorf("command repo: payload of %s: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func decodePayload(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// MarkSent implements CommandStore. The status guard keeps overlapping
// dispatch ticks from sending a command twice.
func (s *PostgresStore) MarkSent(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE iot_commands SET status = 'sent', sent_at = $2, updated_at = $2
		 WHERE id = $1 AND status = 'pending'`, id, at)
	if err != nil {
		return false, fmt.Errorf("command repo: mark sent: %w", err)
	}
	return affectedOne(res)
}

// MarkError implements CommandStore.
func (s *PostgresStore) MarkError(ctx context.Context, id, detail string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE iot_commands SET status = 'error', detail = $2, updated_at = $3
		 WHERE id = $1 AND status = 'pending'`, id, detail, at)
	if err != nil {
		return false, fmt.Errorf("command repo: mark error: %w", err)
	}
	return affectedOne(res)
}

// AckCommand implements CommandStore.
func (s *PostgresStore) AckCommand(ctx context.Context, ack CommandAckUpdate) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE iot_commands SET status = $3, ack_payload = $4, ack_timestamp = $5, updated_at = $5
		 WHERE device_id = $1 AND command_id = $2`,
		ack.DeviceID, ack.CommandID, ack.Status, nullJSON(ack.Payload), ack.At)
	if err != nil {
		return false, fmt.Errorf("command repo: ack: %w", err)
	}
	return affectedOne(res)
}

// UpsertDevice implements DeviceStore.
func (s *PostgresStore) UpsertDevice(ctx context.Context, d Device) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO iot_devices (device_id, tenant_id, farm_id, device_type, capabilities, last_seen_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (device_id, tenant_id) DO UPDATE
		 SET farm_id = EXCLUDED.farm_id, device_type = EXCLUDED.device_type,
		     capabilities = EXCLUDED.capabilities, last_seen_at = EXCLUDED.last_seen_at`,
		d.DeviceID, d.TenantID, d.FarmID, d.DeviceType, nullJSON(d.Capabilities), d.LastSeenAt)
	if err != nil {
		return fmt.Errorf("device repo: upsert %s: %w", d.DeviceID, err)
	}
	return nil
}

// UpdateDeviceState implements DeviceStore.
func (s *PostgresStore) UpdateDeviceState(ctx context.Context, tenantID, deviceID string, online bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE iot_devices SET device_status = $3, last_seen_at = $4
		 WHERE device_id = $1 AND tenant_id = $2`,
		deviceID, tenantID, DeviceStatus(online), at)
	if err != nil {
		return fmt.Errorf("device repo: state %s: %w", deviceID, err)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// InsertReadings implements ReadingStore with a COPY inside one transaction.
func (s *PostgresStore) InsertReadings(ctx context.Context, readings []Reading) (err error) {
	if len(readings) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reading repo: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("iot_readings",
		"device_uuid", "tenant_id", "key", "value", "value_text", "unit", "ts"))
	if err != nil {
		return fmt.Errorf("reading repo: prepare copy: %w", err)
	}
	for _, r := range readings {
		var text sql.NullString
		if r.Text != "" {
			text = sql.NullString{String: r.Text, Valid: true}
		}
		if _, err = stmt.ExecContext(ctx, r.DeviceUUID, r.TenantID, r.Key, r.Value, text, r.Unit, r.TS); err != nil {
			stmt.Close()
			return fmt.Errorf("reading repo: copy row: %w", err)
		}
	}
	if _, err = stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("reading repo: flush copy: %w", err)
	}
	if err = stmt.Close(); err != nil {
		return fmt.Errorf("reading repo: close copy: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("reading repo: commit: %w", err)
	}
	return nil
}

// ActiveLegacyConfigs implements LegacyConfigStore.
func (s *PostgresStore) ActiveLegacyConfigs(ctx context.Context) ([]LegacyFarmConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT farm_id, broker_url, port, auth_mode, COALESCE(username, ''), COALESCE(secret_enc, ''),
		        client_id_prefix, COALESCE(ws_path, ''), qos_default, is_active
		 FROM farm_mqtt_configs WHERE is_active = true ORDER BY farm_id`)
	if err != nil {
		return nil, fmt.Errorf("legacy config repo: query: %w", err)
	}
	defer rows.Close()

	var out []LegacyFarmConfig
	for rows.Next() {
		var (
			cfg LegacyFarmConfig
			qos int
		)
		if err := rows.Scan(&cfg.FarmID, &cfg.BrokerURL, &cfg.Port, &cfg.AuthMode, &cfg.Username,
			&cfg.SecretEnc, &cfg.ClientIDPrefix, &cfg.WSPath, &qos, &cfg.IsActive); err != nil {
			return nil, fmt.Errorf("legacy config repo: scan: %w", err)
		}
		cfg.QoSDefault = byte(qos)
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

