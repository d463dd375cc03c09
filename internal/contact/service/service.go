// Package service implements identity resolution: deciding whether an
// incoming contact fragment describes an existing cluster, a brand-new
// identity, or a bridge between two clusters, and mutating the store to keep
// exactly one primary per cluster.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"idlink/internal/contact/metrics"
	"idlink/internal/contact/models"
	"idlink/internal/contact/store"
	dErrors "idlink/pkg/domain-errors"
	"idlink/pkg/platform/audit"
	"idlink/pkg/platform/sentinel"
	pkgstrings "idlink/pkg/platform/strings"
	"idlink/pkg/requestcontext"
)

// maxResolveAttempts bounds transparent retries after serialization conflicts.
const maxResolveAttempts = 3

// Resolution outcomes, used as metric labels.
const (
	OutcomePrimaryCreated   = "primary_created"
	OutcomeSecondaryCreated = "secondary_created"
	OutcomeMerged           = "clusters_merged"
	OutcomeUnchanged        = "unchanged"
)

// Service runs the reconciliation algorithm inside store transactions.
// It holds no mutable state of its own; everything shared lives in the store.
type Service struct {
	runner  store.TxRunner
	auditor audit.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New constructs the resolver. auditor and m may be nil.
func New(runner store.TxRunner, auditor audit.Store, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{runner: runner, auditor: auditor, metrics: m, logger: logger}
}

// Resolve consolidates the fragment into the store and returns the resulting
// cluster view. The whole sequence runs in one transaction; on a
// serialization conflict it is retried from the first read, bounded by
// maxResolveAttempts.
func (s *Service) Resolve(ctx context.Context, fragment models.Fragment) (*models.ConsolidatedView, error) {
	if err := fragment.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	for attempt := 1; ; attempt++ {
		var res resolution
		err := s.runner.RunInTx(ctx, func(ctx context.Context, st store.Store) error {
			r, err := s.resolveInTx(ctx, st, fragment)
			if err != nil {
				return err
			}
			res = *r
			return nil
		})
		if err == nil {
			s.metrics.ObserveResolve(res.outcome, time.Since(start))
			return res.view, nil
		}
		if errors.Is(err, sentinel.ErrConflict) && attempt < maxResolveAttempts {
			s.metrics.IncrementConflictRetries()
			s.logger.WarnContext(ctx, "resolve hit a serialization conflict, retrying",
				"attempt", attempt,
				"request_id", requestcontext.RequestID(ctx),
			)
			continue
		}
		return nil, translate(err)
	}
}

type resolution struct {
	view    *models.ConsolidatedView
	outcome string
}

func (s *Service) resolveInTx(ctx context.Context, st store.Store, fragment models.Fragment) (*resolution, error) {
	now := requestcontext.Now(ctx)

	// Match is a set union over email and phone, not an exact-pair lookup.
	matches, err := st.FindByEmailOrPhone(ctx, fragment.Email, fragment.PhoneNumber)
	if err != nil {
		return nil, err
	}

	// Nothing known: the fragment becomes a new identity.
	if len(matches) == 0 {
		created, err := st.Create(ctx, &models.Contact{
			Email:          fragment.Email,
			PhoneNumber:    fragment.PhoneNumber,
			LinkPrecedence: models.LinkPrimary,
		})
		if err != nil {
			return nil, err
		}
		if err := s.record(ctx, audit.EventIdentityCreated, created.ID, created.ID, nil, now); err != nil {
			return nil, err
		}
		view, err := buildView([]*models.Contact{created}, created.ID)
		if err != nil {
			return nil, err
		}
		return &resolution{view: view, outcome: OutcomePrimaryCreated}, nil
	}

	// Cluster discovery: collect the candidate primary of every match.
	seen := make(map[int64]struct{}, len(matches))
	var candidateIDs []int64
	for _, m := range matches {
		pid, ok := m.PrimaryID()
		if !ok {
			return nil, dErrors.New(dErrors.CodeInvariantViolation,
				fmt.Sprintf("contact %d is secondary without a link", m.ID))
		}
		if _, dup := seen[pid]; !dup {
			seen[pid] = struct{}{}
			candidateIDs = append(candidateIDs, pid)
		}
	}

	members, err := st.FindByIDsOrLinkedTo(ctx, candidateIDs)
	if err != nil {
		return nil, err
	}
	primaries := make([]*models.Contact, 0, len(candidateIDs))
	for _, m := range members {
		if _, candidate := seen[m.ID]; !candidate {
			continue
		}
		if !m.IsPrimary() {
			// A matched secondary pointed here, so links are chained.
			return nil, dErrors.New(dErrors.CodeInvariantViolation,
				fmt.Sprintf("candidate primary %d is itself secondary", m.ID))
		}
		primaries = append(primaries, m)
	}
	if len(primaries) != len(candidateIDs) {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "cluster has a dangling primary link")
	}

	// The oldest primary wins; id breaks ties.
	canonical := primaries[0]
	for _, p := range primaries[1:] {
		if p.OlderThan(canonical) {
			canonical = p
		}
	}

	// Merge: demote every other primary and flatten its secondaries onto the
	// canonical one. Re-running after a concurrent equivalent merge is a
	// no-op because demotion and relinking both converge on canonical.ID.
	var mergedIDs []int64
	for _, p := range primaries {
		if p.ID == canonical.ID {
			continue
		}
		p.Demote(canonical.ID, now)
		if err := st.Update(ctx, p); err != nil {
			return nil, err
		}
		if _, err := st.RelinkSecondaries(ctx, p.ID, canonical.ID); err != nil {
			return nil, err
		}
		mergedIDs = append(mergedIDs, p.ID)
		s.metrics.IncrementClustersMerged()
	}

	// Novelty check against the merged cluster's endpoint sets.
	cluster, err := st.FindByIDsOrLinkedTo(ctx, []int64{canonical.ID})
	if err != nil {
		return nil, err
	}
	knownEmails := make(map[string]struct{}, len(cluster))
	knownPhones := make(map[string]struct{}, len(cluster))
	for _, c := range cluster {
		if c.Email != nil {
			knownEmails[*c.Email] = struct{}{}
		}
		if c.PhoneNumber != nil {
			knownPhones[*c.PhoneNumber] = struct{}{}
		}
	}
	novelEmail := fragment.Email != nil && !memberOf(knownEmails, *fragment.Email)
	novelPhone := fragment.PhoneNumber != nil && !memberOf(knownPhones, *fragment.PhoneNumber)

	var createdID int64
	if novelEmail || novelPhone {
		created, err := st.Create(ctx, &models.Contact{
			Email:          fragment.Email,
			PhoneNumber:    fragment.PhoneNumber,
			LinkPrecedence: models.LinkSecondary,
			LinkedID:       &canonical.ID,
		})
		if err != nil {
			return nil, err
		}
		createdID = created.ID
		s.metrics.IncrementSecondariesLinked()

		cluster, err = st.FindByIDsOrLinkedTo(ctx, []int64{canonical.ID})
		if err != nil {
			return nil, err
		}
	}

	outcome := OutcomeUnchanged
	if len(mergedIDs) > 0 {
		outcome = OutcomeMerged
		if err := s.record(ctx, audit.EventIdentitiesMerged, canonical.ID, createdID, mergedIDs, now); err != nil {
			return nil, err
		}
	}
	if createdID != 0 {
		if outcome == OutcomeUnchanged {
			outcome = OutcomeSecondaryCreated
		}
		if err := s.record(ctx, audit.EventSecondaryLinked, canonical.ID, createdID, nil, now); err != nil {
			return nil, err
		}
	}
	if outcome == OutcomeUnchanged {
		if err := s.record(ctx, audit.EventIdentityResolved, canonical.ID, 0, nil, now); err != nil {
			return nil, err
		}
	}

	view, err := buildView(cluster, canonical.ID)
	if err != nil {
		return nil, err
	}
	return &resolution{view: view, outcome: outcome}, nil
}

// buildView projects the final cluster: primary's endpoints first, then
// secondaries in creation order, duplicates removed, secondary ids ascending.
// It also re-checks the cluster shape; a malformed cluster here means corrupt
// store state and aborts the transaction.
func buildView(cluster []*models.Contact, primaryID int64) (*models.ConsolidatedView, error) {
	var primary *models.Contact
	secondaries := make([]*models.Contact, 0, len(cluster))
	for _, c := range cluster {
		if c.ID == primaryID {
			if !c.IsPrimary() {
				return nil, dErrors.New(dErrors.CodeInvariantViolation,
					fmt.Sprintf("canonical contact %d is not primary", c.ID))
			}
			primary = c
			continue
		}
		if c.IsPrimary() {
			return nil, dErrors.New(dErrors.CodeInvariantViolation,
				fmt.Sprintf("cluster %d contains a second primary %d", primaryID, c.ID))
		}
		if c.LinkedID == nil || *c.LinkedID != primaryID {
			return nil, dErrors.New(dErrors.CodeInvariantViolation,
				fmt.Sprintf("contact %d is not linked to primary %d", c.ID, primaryID))
		}
		secondaries = append(secondaries, c)
	}
	if primary == nil {
		return nil, dErrors.New(dErrors.CodeInvariantViolation,
			fmt.Sprintf("cluster %d has no primary", primaryID))
	}

	sort.Slice(secondaries, func(i, j int) bool {
		return secondaries[i].OlderThan(secondaries[j])
	})

	emails := make([]string, 0, len(cluster))
	phones := make([]string, 0, len(cluster))
	if primary.Email != nil {
		emails = append(emails, *primary.Email)
	}
	if primary.PhoneNumber != nil {
		phones = append(phones, *primary.PhoneNumber)
	}
	secondaryIDs := make([]int64, 0, len(secondaries))
	for _, c := range secondaries {
		if c.Email != nil {
			emails = append(emails, *c.Email)
		}
		if c.PhoneNumber != nil {
			phones = append(phones, *c.PhoneNumber)
		}
		secondaryIDs = append(secondaryIDs, c.ID)
	}
	sort.Slice(secondaryIDs, func(i, j int) bool { return secondaryIDs[i] < secondaryIDs[j] })

	return &models.ConsolidatedView{
		PrimaryContactID:    primaryID,
		Emails:              pkgstrings.DedupeAndTrim(emails),
		PhoneNumbers:        pkgstrings.DedupeAndTrim(phones),
		SecondaryContactIDs: secondaryIDs,
	}, nil
}

// record appends an audit event. With the Postgres outbox store the write
// joins the surrounding transaction, so the audit trail commits atomically
// with the cluster mutation it describes.
func (s *Service) record(ctx context.Context, action audit.AuditEvent, primaryID, contactID int64, merged []int64, now time.Time) error {
	if s.auditor == nil {
		return nil
	}
	return s.auditor.Append(ctx, audit.Event{
		Category:         action.Category(),
		Timestamp:        now,
		Action:           string(action),
		PrimaryContactID: primaryID,
		ContactID:        contactID,
		MergedPrimaryIDs: merged,
		RequestID:        requestcontext.RequestID(ctx),
	})
}

// translate maps infrastructure failures onto the domain error taxonomy.
// Already-coded errors (validation, invariant violations) pass through.
func translate(err error) error {
	var coded *dErrors.Error
	if errors.As(err, &coded) {
		return err
	}
	switch {
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "concurrent resolution exhausted retries")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return dErrors.Wrap(err, dErrors.CodeTimeout, "resolve aborted")
	default:
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "contact store failure")
	}
}

func memberOf(set map[string]struct{}, value string) bool {
	_, ok := set[value]
	return ok
}
