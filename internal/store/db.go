package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB wraps sql.DB for Postgres using pgx.
type DB struct {
	Client *sql.DB
}

// NewDB creates a Postgres connection with sane defaults.
func NewDB(connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &DB{Client: db}, db.PingContext(context.Background())
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}

// migrations bootstrap the schema. Every statement is idempotent so the
// API can run them on every start.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS employees (
			id UUID PRIMARY KEY,
			employee_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'employee',
			is_enrolled BOOLEAN NOT NULL DEFAULT FALSE,
			enrolled_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS face_samples (
			id UUID PRIMARY KEY,
			employee_id TEXT NOT NULL REFERENCES employees(employee_id) ON DELETE CASCADE,
			embedding JSONB NOT NULL,
			quality DOUBLE PRECISION NOT NULL DEFAULT 0,
			source TEXT NOT NULL DEFAULT '',
			captured_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_face_samples_employee ON face_samples (employee_id)`,
		`CREATE TABLE IF NOT EXISTS attendance_records (
			id UUID PRIMARY KEY,
			employee_id TEXT NOT NULL REFERENCES employees(employee_id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			day DATE NOT NULL,
			morning_in TIMESTAMPTZ,
			morning_in_image TEXT NOT NULL DEFAULT '',
			lunch_out TIMESTAMPTZ,
			lunch_out_image TEXT NOT NULL DEFAULT '',
			afternoon_in TIMESTAMPTZ,
			afternoon_in_image TEXT NOT NULL DEFAULT '',
			final_out TIMESTAMPTZ,
			final_out_image TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			note TEXT NOT NULL DEFAULT '',
			events JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (employee_id, day)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attendance_records_day ON attendance_records (day)`,
		`CREATE TABLE IF NOT EXISTS devices (
			device_id TEXT PRIMARY KEY,
			registered_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS refresh_tokens (
			id BIGSERIAL PRIMARY KEY,
			device_id TEXT NOT NULL,
			token TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	`CREATE SEQUENCE IF NOT EXISTS employee_code_seq`,
	// Sync the sequence past any codes already in the table so a
	// redeploy over existing data never re-allocates one.
	`SELECT setval('employee_code_seq',
			GREATEST(
				COALESCE((SELECT MAX(substring(employee_id from 3)::int)
					FROM employees WHERE employee_id ~ '^NV[0-9]+$'), 0),
				0
			) + 1,
			false)`,
}

// Migrate applies the bootstrap statements in order.
func (d *DB) Migrate(ctx context.Context) error {
	log.Println("Running database migrations...")

	for _, stmt := range migrations {
		if _, err := d.Client.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	log.Println("Database migrations completed successfully")
	return nil
}
