package service

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"idlink/internal/contact/models"
	"idlink/internal/contact/store"
	dErrors "idlink/pkg/domain-errors"
	"idlink/pkg/platform/audit"
	auditmemory "idlink/pkg/platform/audit/store/memory"
	"idlink/pkg/requestcontext"
)

type ResolverSuite struct {
	suite.Suite
	store   *store.InMemory
	auditor *auditmemory.Store
	svc     *Service
	base    time.Time
}

func (s *ResolverSuite) SetupTest() {
	s.store = store.NewInMemory()
	s.auditor = auditmemory.New()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	s.svc = New(s.store, s.auditor, nil, logger)
	s.base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
}

func TestResolverSuite(t *testing.T) {
	suite.Run(t, new(ResolverSuite))
}

// ctxAt pins the request time so cluster seniority is deterministic.
func (s *ResolverSuite) ctxAt(offset time.Duration) context.Context {
	return requestcontext.WithTime(context.Background(), s.base.Add(offset))
}

func fragment(email, phone string) models.Fragment {
	var f models.Fragment
	if email != "" {
		f.Email = &email
	}
	if phone != "" {
		f.PhoneNumber = &phone
	}
	return f
}

func (s *ResolverSuite) resolveAt(offset time.Duration, email, phone string) *models.ConsolidatedView {
	view, err := s.svc.Resolve(s.ctxAt(offset), fragment(email, phone))
	s.Require().NoError(err)
	return view
}

func (s *ResolverSuite) TestEmptyStoreCreatesPrimary() {
	view := s.resolveAt(0, "a@x.com", "111")

	s.Equal([]string{"a@x.com"}, view.Emails)
	s.Equal([]string{"111"}, view.PhoneNumbers)
	s.Empty(view.SecondaryContactIDs)
	s.NotZero(view.PrimaryContactID)
}

func (s *ResolverSuite) TestNewEmailOnKnownPhoneAddsSecondary() {
	first := s.resolveAt(0, "a@x.com", "111")
	second := s.resolveAt(time.Minute, "b@x.com", "111")

	s.Equal(first.PrimaryContactID, second.PrimaryContactID)
	s.Equal([]string{"a@x.com", "b@x.com"}, second.Emails)
	s.Equal([]string{"111"}, second.PhoneNumbers)
	s.Len(second.SecondaryContactIDs, 1)
}

func (s *ResolverSuite) TestBridgingFragmentMergesClusters() {
	older := s.resolveAt(0, "george@x.com", "919191")
	newer := s.resolveAt(time.Hour, "biff@x.com", "717171")
	s.NotEqual(older.PrimaryContactID, newer.PrimaryContactID)

	merged := s.resolveAt(2*time.Hour, "george@x.com", "717171")

	s.Equal(older.PrimaryContactID, merged.PrimaryContactID)
	s.Equal([]string{"george@x.com", "biff@x.com"}, merged.Emails)
	s.Equal([]string{"919191", "717171"}, merged.PhoneNumbers)
	s.Contains(merged.SecondaryContactIDs, newer.PrimaryContactID)
}

func (s *ResolverSuite) TestMergeFlattensTransitiveLinks() {
	// Cluster B accumulates a secondary of its own before the merge.
	a := s.resolveAt(0, "a@x.com", "111")
	b := s.resolveAt(time.Minute, "b@x.com", "222")
	s.resolveAt(2*time.Minute, "b2@x.com", "222")

	// Bridge A and B: everything from B must point directly at A's primary.
	merged := s.resolveAt(3*time.Minute, "a@x.com", "222")
	s.Equal(a.PrimaryContactID, merged.PrimaryContactID)
	s.Equal([]string{"a@x.com", "b@x.com", "b2@x.com"}, merged.Emails)

	// No contact may still point at the demoted primary.
	orphans, err := s.store.FindByIDsOrLinkedTo(context.Background(), []int64{b.PrimaryContactID})
	s.Require().NoError(err)
	for _, c := range orphans {
		if c.ID == b.PrimaryContactID {
			s.Equal(models.LinkSecondary, c.LinkPrecedence)
			s.Require().NotNil(c.LinkedID)
			s.Equal(a.PrimaryContactID, *c.LinkedID)
			continue
		}
		s.Failf("dangling link", "contact %d still linked to demoted primary %d", c.ID, b.PrimaryContactID)
	}
}

func (s *ResolverSuite) TestExactRepeatIsIdempotent() {
	first := s.resolveAt(0, "a@x.com", "111")
	second := s.resolveAt(time.Minute, "a@x.com", "111")

	s.Equal(first, second)

	// Still a single-row cluster: no secondary was created.
	s.Empty(second.SecondaryContactIDs)
}

func (s *ResolverSuite) TestPartialFragmentReturnsFullClusterWithoutCreating() {
	s.resolveAt(0, "a@x.com", "111")
	s.resolveAt(time.Minute, "b@x.com", "111")

	byPhone := s.resolveAt(2*time.Minute, "", "111")
	s.Equal([]string{"a@x.com", "b@x.com"}, byPhone.Emails)
	s.Len(byPhone.SecondaryContactIDs, 1, "partial fragment must not create rows")

	byEmail := s.resolveAt(3*time.Minute, "b@x.com", "")
	s.Equal(byPhone, byEmail)
}

func (s *ResolverSuite) TestBothFieldsKnownSeparatelyCreatesNothing() {
	s.resolveAt(0, "a@x.com", "111")
	s.resolveAt(time.Minute, "b@x.com", "111")

	// a@x.com and 111 exist in the cluster but never on one row. Neither
	// field is novel, so nothing is created.
	view := s.resolveAt(2*time.Minute, "b@x.com", "111")
	s.Len(view.SecondaryContactIDs, 1)
}

func (s *ResolverSuite) TestProjectionOrdering() {
	s.resolveAt(0, "a@x.com", "111")
	s.resolveAt(time.Minute, "c@x.com", "111")
	s.resolveAt(2*time.Minute, "b@x.com", "111")

	view := s.resolveAt(3*time.Minute, "", "111")

	// Primary's email first, then secondaries in creation order.
	s.Equal([]string{"a@x.com", "c@x.com", "b@x.com"}, view.Emails)
	s.Equal([]string{"111"}, view.PhoneNumbers)

	// Secondary ids ascending.
	ids := view.SecondaryContactIDs
	s.Require().Len(ids, 2)
	s.Less(ids[0], ids[1])
}

func (s *ResolverSuite) TestRejectsEmptyFragment() {
	_, err := s.svc.Resolve(context.Background(), models.Fragment{})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
}

func (s *ResolverSuite) TestSoftDeletedRowsAreInvisible() {
	first := s.resolveAt(0, "a@x.com", "111")
	s.Require().NoError(s.store.SoftDelete(context.Background(), first.PrimaryContactID))

	// The same fragment now describes a brand-new identity.
	second := s.resolveAt(time.Minute, "a@x.com", "111")
	s.NotEqual(first.PrimaryContactID, second.PrimaryContactID)
	s.Empty(second.SecondaryContactIDs)
}

func (s *ResolverSuite) TestChainedLinkSurfacesInvariantViolation() {
	ctx := s.ctxAt(0)
	email := "a@x.com"
	primary, err := s.store.Create(ctx, &models.Contact{Email: &email, LinkPrecedence: models.LinkPrimary})
	s.Require().NoError(err)

	// Corrupt state: a secondary pointing at another secondary.
	mid := "b@x.com"
	midContact, err := s.store.Create(ctx, &models.Contact{Email: &mid, LinkPrecedence: models.LinkSecondary, LinkedID: &primary.ID})
	s.Require().NoError(err)
	leaf := "c@x.com"
	_, err = s.store.Create(ctx, &models.Contact{Email: &leaf, LinkPrecedence: models.LinkSecondary, LinkedID: &midContact.ID})
	s.Require().NoError(err)

	_, err = s.svc.Resolve(ctx, fragment("c@x.com", ""))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
}

func (s *ResolverSuite) TestConcurrentIdenticalFirstRequests() {
	const callers = 16
	var wg sync.WaitGroup
	results := make([]int64, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			view, err := s.svc.Resolve(context.Background(), fragment("race@x.com", "555"))
			if err == nil {
				results[idx] = view.PrimaryContactID
			}
		}(i)
	}
	wg.Wait()

	first := results[0]
	s.NotZero(first)
	for _, id := range results {
		s.Equal(first, id, "all callers must observe the same primary")
	}

	// Exactly one row exists system-wide.
	email := "race@x.com"
	rows, err := s.store.FindByEmailOrPhone(context.Background(), &email, nil)
	s.Require().NoError(err)
	s.Len(rows, 1)
}

func (s *ResolverSuite) TestAuditTrail() {
	a := s.resolveAt(0, "a@x.com", "111")
	s.resolveAt(time.Minute, "b@x.com", "222")
	s.resolveAt(2*time.Minute, "a@x.com", "222")
	s.resolveAt(3*time.Minute, "a@x.com", "111")

	events := s.auditor.List()
	s.Require().Len(events, 4)

	s.Equal(string(audit.EventIdentityCreated), events[0].Action)
	s.Equal(string(audit.EventIdentityCreated), events[1].Action)
	s.Equal(string(audit.EventIdentitiesMerged), events[2].Action)
	s.Equal(a.PrimaryContactID, events[2].PrimaryContactID)
	s.Len(events[2].MergedPrimaryIDs, 1)
	s.Equal(string(audit.EventIdentityResolved), events[3].Action)
	s.Equal(audit.CategoryCompliance, events[2].Category)
	s.Equal(audit.CategoryOperations, events[3].Category)
}

func (s *ResolverSuite) TestSeniorityIsStableAcrossMerges() {
	oldest := s.resolveAt(0, "first@x.com", "100")
	s.resolveAt(time.Hour, "second@x.com", "200")
	s.resolveAt(2*time.Hour, "third@x.com", "300")

	// Chain the clusters together in reverse order.
	s.resolveAt(3*time.Hour, "second@x.com", "300")
	final := s.resolveAt(4*time.Hour, "first@x.com", "200")

	s.Equal(oldest.PrimaryContactID, final.PrimaryContactID)
	s.Equal([]string{"first@x.com", "second@x.com", "third@x.com"}, final.Emails)
	s.Equal([]string{"100", "200", "300"}, final.PhoneNumbers)
	s.Len(final.SecondaryContactIDs, 2)
}
