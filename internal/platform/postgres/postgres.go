// Package postgres opens the contact database and applies its schema at
// startup. The schema is idempotent so every instance can run it on boot.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"idlink/internal/platform/config"
)

const schema = `
CREATE TABLE IF NOT EXISTS contacts (
	id              BIGSERIAL PRIMARY KEY,
	email           TEXT,
	phone_number    TEXT,
	linked_id       BIGINT REFERENCES contacts (id),
	link_precedence TEXT NOT NULL CHECK (link_precedence IN ('primary', 'secondary')),
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	deleted_at      TIMESTAMPTZ,
	CHECK (email IS NOT NULL OR phone_number IS NOT NULL),
	CHECK ((link_precedence = 'secondary') = (linked_id IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS idx_contacts_email
	ON contacts (email) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_contacts_phone_number
	ON contacts (phone_number) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_contacts_linked_id
	ON contacts (linked_id) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS outbox (
	id             UUID PRIMARY KEY,
	aggregate_type TEXT NOT NULL,
	aggregate_id   TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	payload        JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	published_at   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_outbox_unpublished
	ON outbox (created_at) WHERE published_at IS NULL;
`

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, cfg config.Postgres) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("postgres URL is empty")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return db, nil
}

// Migrate applies the contact and outbox schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
