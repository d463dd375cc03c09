package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"idlink/internal/contact/models"
	"idlink/pkg/platform/sentinel"
	txcontext "idlink/pkg/platform/tx"
	"idlink/pkg/requestcontext"
)

// Postgres persists contacts in PostgreSQL. Reads and writes issued within
// RunInTx share the transaction carried by the context; outside a transaction
// they hit the pool directly.
type Postgres struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed contact store.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

type dbRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Postgres) runner(ctx context.Context) dbRunner {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const contactColumns = `id, email, phone_number, link_precedence, linked_id, created_at, updated_at, deleted_at`

func (s *Postgres) FindByEmailOrPhone(ctx context.Context, email, phone *string) ([]*models.Contact, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM contacts
		WHERE deleted_at IS NULL
		  AND (($1::text IS NOT NULL AND email = $1)
		    OR ($2::text IS NOT NULL AND phone_number = $2))
		ORDER BY created_at, id
	`, contactColumns)

	rows, err := s.runner(ctx).QueryContext(ctx, query, nullString(email), nullString(phone))
	if err != nil {
		return nil, fmt.Errorf("query contacts by email or phone: %w", mapPQError(err))
	}
	defer rows.Close()

	return scanContacts(rows)
}

func (s *Postgres) FindByIDsOrLinkedTo(ctx context.Context, ids []int64) ([]*models.Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT %s
		FROM contacts
		WHERE deleted_at IS NULL
		  AND (id = ANY($1) OR linked_id = ANY($1))
		ORDER BY created_at, id
	`, contactColumns)

	rows, err := s.runner(ctx).QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query contacts by ids: %w", mapPQError(err))
	}
	defer rows.Close()

	return scanContacts(rows)
}

func (s *Postgres) Create(ctx context.Context, contact *models.Contact) (*models.Contact, error) {
	now := requestcontext.Now(ctx)
	query := `
		INSERT INTO contacts (email, phone_number, link_precedence, linked_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING id, created_at, updated_at
	`
	created := *contact
	err := s.runner(ctx).QueryRowContext(ctx, query,
		nullString(contact.Email),
		nullString(contact.PhoneNumber),
		string(contact.LinkPrecedence),
		nullInt64(contact.LinkedID),
		now,
	).Scan(&created.ID, &created.CreatedAt, &created.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert contact: %w", mapPQError(err))
	}
	return &created, nil
}

func (s *Postgres) Update(ctx context.Context, contact *models.Contact) error {
	query := `
		UPDATE contacts
		SET email = $2, phone_number = $3, link_precedence = $4, linked_id = $5, updated_at = $6
		WHERE id = $1 AND deleted_at IS NULL
	`
	res, err := s.runner(ctx).ExecContext(ctx, query,
		contact.ID,
		nullString(contact.Email),
		nullString(contact.PhoneNumber),
		string(contact.LinkPrecedence),
		nullInt64(contact.LinkedID),
		requestcontext.Now(ctx),
	)
	if err != nil {
		return fmt.Errorf("update contact %d: %w", contact.ID, mapPQError(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update contact %d: %w", contact.ID, err)
	}
	if affected == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *Postgres) RelinkSecondaries(ctx context.Context, fromPrimaryID, toPrimaryID int64) (int64, error) {
	query := `
		UPDATE contacts
		SET linked_id = $2, updated_at = $3
		WHERE linked_id = $1 AND deleted_at IS NULL
	`
	res, err := s.runner(ctx).ExecContext(ctx, query, fromPrimaryID, toPrimaryID, requestcontext.Now(ctx))
	if err != nil {
		return 0, fmt.Errorf("relink secondaries %d -> %d: %w", fromPrimaryID, toPrimaryID, mapPQError(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("relink secondaries %d -> %d: %w", fromPrimaryID, toPrimaryID, err)
	}
	return affected, nil
}

// RunInTx executes fn inside one SERIALIZABLE transaction. Serialization
// failures, deadlocks, and unique violations surface as sentinel.ErrConflict
// so the resolver can retry the whole sequence from its first read.
func (s *Postgres) RunInTx(ctx context.Context, fn func(ctx context.Context, st Store) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", mapPQError(err))
	}

	if err := fn(txcontext.WithTx(ctx, tx), s); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		// Serialization failures can surface at commit time.
		return fmt.Errorf("commit transaction: %w", mapPQError(err))
	}
	return nil
}

func scanContacts(rows *sql.Rows) ([]*models.Contact, error) {
	var contacts []*models.Contact
	for rows.Next() {
		var (
			c         models.Contact
			email     sql.NullString
			phone     sql.NullString
			prec      string
			linkedID  sql.NullInt64
			deletedAt sql.NullTime
		)
		err := rows.Scan(&c.ID, &email, &phone, &prec, &linkedID, &c.CreatedAt, &c.UpdatedAt, &deletedAt)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		if email.Valid {
			c.Email = &email.String
		}
		if phone.Valid {
			c.PhoneNumber = &phone.String
		}
		c.LinkPrecedence = models.LinkPrecedence(prec)
		if linkedID.Valid {
			c.LinkedID = &linkedID.Int64
		}
		if deletedAt.Valid {
			c.DeletedAt = &deletedAt.Time
		}
		contacts = append(contacts, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}
	return contacts, nil
}

// mapPQError translates PostgreSQL error classes into sentinel errors.
// 40001 serialization_failure and 40P01 deadlock_detected are the expected
// outcomes of two Resolve calls racing on one cluster under SERIALIZABLE;
// 23505 unique_violation covers constraint-based duplicate detection.
func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "23505":
			return fmt.Errorf("%w: %v", sentinel.ErrConflict, err)
		}
	}
	return err
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}

func nullInt64(value *int64) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *value, Valid: true}
}
