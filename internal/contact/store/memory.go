package store

import (
	"context"
	"sync"

	"idlink/internal/contact/models"
	"idlink/pkg/platform/sentinel"
	"idlink/pkg/requestcontext"
)

// InMemory keeps contacts in a map guarded by a mutex. It backs unit tests
// and local development; the coarse transaction lock gives it the same
// serializability contract as the Postgres store, at the cost of throughput.
type InMemory struct {
	mu       sync.RWMutex
	txMu     sync.Mutex
	contacts map[int64]*models.Contact
	nextID   int64
}

// NewInMemory constructs an empty in-memory contact store.
func NewInMemory() *InMemory {
	return &InMemory{contacts: make(map[int64]*models.Contact), nextID: 1}
}

func (s *InMemory) FindByEmailOrPhone(_ context.Context, email, phone *string) ([]*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []*models.Contact
	for _, c := range s.contacts {
		if c.IsDeleted() {
			continue
		}
		if email != nil && c.Email != nil && *c.Email == *email {
			matches = append(matches, cloneContact(c))
			continue
		}
		if phone != nil && c.PhoneNumber != nil && *c.PhoneNumber == *phone {
			matches = append(matches, cloneContact(c))
		}
	}
	return matches, nil
}

func (s *InMemory) FindByIDsOrLinkedTo(_ context.Context, ids []int64) ([]*models.Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	wanted := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []*models.Contact
	for _, c := range s.contacts {
		if c.IsDeleted() {
			continue
		}
		if _, ok := wanted[c.ID]; ok {
			matches = append(matches, cloneContact(c))
			continue
		}
		if c.LinkedID != nil {
			if _, ok := wanted[*c.LinkedID]; ok {
				matches = append(matches, cloneContact(c))
			}
		}
	}
	return matches, nil
}

func (s *InMemory) Create(ctx context.Context, contact *models.Contact) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := requestcontext.Now(ctx)
	stored := cloneContact(contact)
	stored.ID = s.nextID
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.nextID++
	s.contacts[stored.ID] = stored
	return cloneContact(stored), nil
}

func (s *InMemory) Update(ctx context.Context, contact *models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.contacts[contact.ID]
	if !ok || existing.IsDeleted() {
		return sentinel.ErrNotFound
	}
	updated := cloneContact(contact)
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = requestcontext.Now(ctx)
	s.contacts[contact.ID] = updated
	return nil
}

func (s *InMemory) RelinkSecondaries(ctx context.Context, fromPrimaryID, toPrimaryID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := requestcontext.Now(ctx)
	var count int64
	for _, c := range s.contacts {
		if c.IsDeleted() || c.LinkedID == nil || *c.LinkedID != fromPrimaryID {
			continue
		}
		to := toPrimaryID
		c.LinkedID = &to
		c.UpdatedAt = now
		count++
	}
	return count, nil
}

// RunInTx serializes whole transactions behind one lock and restores a
// snapshot when fn fails, so a partially applied sequence is never visible.
func (s *InMemory) RunInTx(ctx context.Context, fn func(ctx context.Context, st Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := s.snapshot()
	if err := fn(ctx, s); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

func (s *InMemory) snapshot() map[int64]*models.Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(map[int64]*models.Contact, len(s.contacts))
	for id, c := range s.contacts {
		snap[id] = cloneContact(c)
	}
	return snap
}

func (s *InMemory) restore(snap map[int64]*models.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts = snap
}

// SoftDelete marks a contact deleted, hiding it from every lookup.
// Test seam for the soft-delete lifecycle; the resolver never deletes.
func (s *InMemory) SoftDelete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[id]
	if !ok || c.IsDeleted() {
		return sentinel.ErrNotFound
	}
	now := requestcontext.Now(ctx)
	c.DeletedAt = &now
	c.UpdatedAt = now
	return nil
}

func cloneContact(c *models.Contact) *models.Contact {
	clone := *c
	if c.Email != nil {
		v := *c.Email
		clone.Email = &v
	}
	if c.PhoneNumber != nil {
		v := *c.PhoneNumber
		clone.PhoneNumber = &v
	}
	if c.LinkedID != nil {
		v := *c.LinkedID
		clone.LinkedID = &v
	}
	if c.DeletedAt != nil {
		v := *c.DeletedAt
		clone.DeletedAt = &v
	}
	return &clone
}
