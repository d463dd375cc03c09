// Package postgres implements audit.Store using the transactional outbox
// pattern. Events are written to the outbox table inside the resolver's
// transaction and published to Kafka by the outbox worker, so an audit record
// exists iff the cluster mutation it describes committed.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"idlink/pkg/platform/audit"
	txcontext "idlink/pkg/platform/tx"
)

type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL audit store that writes to the outbox.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// outboxPayload is the JSON structure published to Kafka.
type outboxPayload struct {
	ID               string  `json:"id"`
	Category         string  `json:"category"`
	Timestamp        string  `json:"timestamp"`
	Action           string  `json:"action"`
	PrimaryContactID int64   `json:"primaryContactId"`
	ContactID        int64   `json:"contactId,omitempty"`
	MergedPrimaryIDs []int64 `json:"mergedPrimaryIds,omitempty"`
	RequestID        string  `json:"requestId,omitempty"`
}

// Append writes an audit event to the outbox table for Kafka publishing.
// When called with a transaction in context, the write joins it.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	eventID := uuid.New()

	// Category always derives from the action; the map in audit is the source of truth.
	category := audit.AuditEvent(event.Action).Category()

	payload := outboxPayload{
		ID:               eventID.String(),
		Category:         string(category),
		Timestamp:        event.Timestamp.Format(time.RFC3339Nano),
		Action:           event.Action,
		PrimaryContactID: event.PrimaryContactID,
		ContactID:        event.ContactID,
		MergedPrimaryIDs: event.MergedPrimaryIDs,
		RequestID:        event.RequestID,
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	query := `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		eventID,
		"contact",
		strconv.FormatInt(event.PrimaryContactID, 10),
		event.Action,
		payloadBytes,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

// ListUnpublished returns pending outbox entries oldest first, bounded by limit.
func (s *Store) ListUnpublished(ctx context.Context, limit int) ([]audit.OutboxEntry, error) {
	query := `
		SELECT id, aggregate_id, payload, created_at
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY created_at
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []audit.OutboxEntry
	for rows.Next() {
		var entry audit.OutboxEntry
		if err := rows.Scan(&entry.ID, &entry.Key, &entry.Payload, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return entries, nil
}

// MarkPublished stamps the given entries so they are not re-published.
func (s *Store) MarkPublished(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE outbox SET published_at = $2 WHERE id = ANY($1)`
	if _, err := s.db.ExecContext(ctx, query, pq.Array(ids), time.Now()); err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	return nil
}
