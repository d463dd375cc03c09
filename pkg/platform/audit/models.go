package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventCategory classifies audit events by their primary purpose.
// This enables different retention policies and routing downstream.
type EventCategory string

const (
	// CategoryCompliance covers events with regulatory significance: anything
	// that changes which person a contact record is attributed to.
	CategoryCompliance EventCategory = "compliance"

	// CategoryOperations covers routine resolution activity useful for
	// debugging and volume tracking; can be sampled downstream.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from resolution logic to capture cluster mutations. It
// carries record identifiers only, never raw emails or phone numbers, so the
// audit stream stays free of contact PII.
type Event struct {
	Category         EventCategory
	Timestamp        time.Time
	Action           string
	PrimaryContactID int64
	// ContactID is the row the action applied to: the created contact for
	// creation events, zero otherwise.
	ContactID int64
	// MergedPrimaryIDs lists the primaries demoted during a merge.
	MergedPrimaryIDs []int64
	// RequestID correlates the event with the HTTP request that caused it.
	RequestID string
}

// AuditEvent names every action the resolver can record.
type AuditEvent string

const (
	// EventIdentityCreated: a fragment matched nothing and became a new primary.
	EventIdentityCreated AuditEvent = "identity_created"
	// EventSecondaryLinked: a novel fragment was attached to an existing cluster.
	EventSecondaryLinked AuditEvent = "secondary_linked"
	// EventIdentitiesMerged: two or more clusters collapsed into one.
	EventIdentitiesMerged AuditEvent = "identities_merged"
	// EventIdentityResolved: a fragment was served from existing state unchanged.
	EventIdentityResolved AuditEvent = "identity_resolved"
)

// eventCategories maps each audit event to its category. Cluster mutations
// are compliance-grade; read-only resolutions are operational.
var eventCategories = map[AuditEvent]EventCategory{
	EventIdentityCreated:  CategoryCompliance,
	EventSecondaryLinked:  CategoryCompliance,
	EventIdentitiesMerged: CategoryCompliance,
	EventIdentityResolved: CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store accepts audit events. The Postgres implementation writes to an outbox
// table inside the caller's transaction; the in-memory one just accumulates.
type Store interface {
	Append(ctx context.Context, event Event) error
}

// OutboxEntry is one pending outbox row awaiting publication to the broker.
type OutboxEntry struct {
	ID        uuid.UUID
	Key       string
	Payload   []byte
	CreatedAt time.Time
}
