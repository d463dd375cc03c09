package store

import (
	"context"

	"idlink/internal/contact/models"
)

// Store is the transactional view of the contacts table consumed by the
// resolver. All lookups exclude soft-deleted rows.
type Store interface {
	// FindByEmailOrPhone returns every contact whose email equals the given
	// email or whose phone number equals the given phone (set union, not an
	// exact-pair match). Nil arguments are skipped.
	FindByEmailOrPhone(ctx context.Context, email, phone *string) ([]*models.Contact, error)

	// FindByIDsOrLinkedTo returns the contacts with the given ids plus every
	// contact whose linked id is one of them. Used for cluster discovery and
	// the post-merge re-read.
	FindByIDsOrLinkedTo(ctx context.Context, ids []int64) ([]*models.Contact, error)

	// Create inserts the contact, assigning ID, CreatedAt, and UpdatedAt.
	Create(ctx context.Context, contact *models.Contact) (*models.Contact, error)

	// Update persists link precedence and linked id changes for one row.
	// Returns sentinel.ErrNotFound when no live row has the contact's id.
	Update(ctx context.Context, contact *models.Contact) error

	// RelinkSecondaries rewrites linked_id from one primary to another for
	// every live secondary in one statement, flattening merge chains.
	// Returns the number of rows rewritten.
	RelinkSecondaries(ctx context.Context, fromPrimaryID, toPrimaryID int64) (int64, error)
}

// TxRunner executes fn inside one transaction over the store. The ctx handed
// to fn carries the transaction; all store calls made with it share one
// isolated view. A non-nil error from fn rolls every mutation back.
//
// Implementations must provide isolation strong enough that two concurrent
// runs touching the same cluster cannot both demote primaries or both insert
// the same novel secondary: the Postgres runner uses SERIALIZABLE and
// surfaces sentinel.ErrConflict for the loser; the in-memory runner holds a
// coarse lock.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error
}
