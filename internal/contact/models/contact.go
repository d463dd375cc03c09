package models

import (
	"time"

	dErrors "idlink/pkg/domain-errors"
)

// LinkPrecedence marks a contact's role within its identity cluster.
type LinkPrecedence string

const (
	// LinkPrimary is the canonical, oldest record of a cluster.
	LinkPrimary LinkPrecedence = "primary"
	// LinkSecondary is a record merged into a cluster, retained for its
	// distinct email/phone but not treated as canonical.
	LinkSecondary LinkPrecedence = "secondary"
)

// Contact is the sole persisted entity. A cluster is one primary plus every
// contact whose LinkedID points at it.
//
// Invariants:
//   - At least one of Email/PhoneNumber is set
//   - LinkedID is set iff LinkPrecedence is secondary
//   - LinkedID always references a primary (links are flat, never chained)
//   - LinkPrecedence transitions primary → secondary only, during a merge
//   - Soft-deleted contacts are invisible to matching, clustering, and responses
type Contact struct {
	ID             int64
	Email          *string
	PhoneNumber    *string
	LinkPrecedence LinkPrecedence
	LinkedID       *int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

// IsPrimary reports whether the contact is the canonical record of its cluster.
func (c *Contact) IsPrimary() bool {
	return c.LinkPrecedence == LinkPrimary
}

// IsDeleted reports whether the contact is soft-deleted.
func (c *Contact) IsDeleted() bool {
	return c.DeletedAt != nil
}

// PrimaryID returns the id of the cluster's primary as seen from this contact:
// its own id when primary, its LinkedID when secondary. The second return is
// false when the row is corrupt (secondary without a link).
func (c *Contact) PrimaryID() (int64, bool) {
	if c.IsPrimary() {
		return c.ID, true
	}
	if c.LinkedID == nil {
		return 0, false
	}
	return *c.LinkedID, true
}

// OlderThan reports whether c precedes other in cluster seniority:
// earlier CreatedAt wins, smaller id breaks ties.
func (c *Contact) OlderThan(other *Contact) bool {
	if c.CreatedAt.Equal(other.CreatedAt) {
		return c.ID < other.ID
	}
	return c.CreatedAt.Before(other.CreatedAt)
}

// Demote turns a primary into a secondary of the given primary id.
// Idempotent: re-demoting an already-demoted contact only rewrites the link.
func (c *Contact) Demote(primaryID int64, now time.Time) {
	c.LinkPrecedence = LinkSecondary
	c.LinkedID = &primaryID
	c.UpdatedAt = now
}

// Validate checks the per-row invariants that must hold on every non-deleted
// contact. Violations indicate corrupt store state, never bad caller input.
func (c *Contact) Validate() error {
	if c.Email == nil && c.PhoneNumber == nil {
		return dErrors.New(dErrors.CodeInvariantViolation, "contact has neither email nor phone")
	}
	switch c.LinkPrecedence {
	case LinkPrimary:
		if c.LinkedID != nil {
			return dErrors.New(dErrors.CodeInvariantViolation, "primary contact carries a linked id")
		}
	case LinkSecondary:
		if c.LinkedID == nil {
			return dErrors.New(dErrors.CodeInvariantViolation, "secondary contact has no linked id")
		}
	default:
		return dErrors.New(dErrors.CodeInvariantViolation, "unknown link precedence "+string(c.LinkPrecedence))
	}
	return nil
}
