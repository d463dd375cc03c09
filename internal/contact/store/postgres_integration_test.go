//go:build integration

package store_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"idlink/internal/contact/models"
	"idlink/internal/contact/service"
	"idlink/internal/contact/store"
	dErrors "idlink/pkg/domain-errors"
	auditpg "idlink/pkg/platform/audit/store/postgres"
	"idlink/pkg/platform/sentinel"
	"idlink/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.Postgres
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	ctx := context.Background()
	err := s.postgres.TruncateTables(ctx, "outbox", "contacts")
	s.Require().NoError(err)
}

func strPtr(v string) *string { return &v }

func (s *PostgresStoreSuite) createPrimary(email, phone *string) *models.Contact {
	created, err := s.store.Create(context.Background(), &models.Contact{
		Email:          email,
		PhoneNumber:    phone,
		LinkPrecedence: models.LinkPrimary,
	})
	s.Require().NoError(err)
	return created
}

func (s *PostgresStoreSuite) TestCreateAssignsMonotonicIDs() {
	first := s.createPrimary(strPtr("doc@hillvalley.edu"), nil)
	second := s.createPrimary(nil, strPtr("+15551234"))

	s.Greater(second.ID, first.ID)
	s.False(first.CreatedAt.IsZero())
	s.Equal(first.CreatedAt, first.UpdatedAt)
}

func (s *PostgresStoreSuite) TestFindByEmailOrPhoneMatchesEitherEndpoint() {
	byEmail := s.createPrimary(strPtr("doc@hillvalley.edu"), strPtr("+15551234"))
	byPhone := s.createPrimary(strPtr("marty@hillvalley.edu"), strPtr("+15559999"))

	ctx := context.Background()
	matches, err := s.store.FindByEmailOrPhone(ctx, strPtr("doc@hillvalley.edu"), strPtr("+15559999"))
	s.Require().NoError(err)
	s.Len(matches, 2)
	s.Equal(byEmail.ID, matches[0].ID)
	s.Equal(byPhone.ID, matches[1].ID)

	matches, err = s.store.FindByEmailOrPhone(ctx, strPtr("nobody@hillvalley.edu"), nil)
	s.Require().NoError(err)
	s.Empty(matches)
}

func (s *PostgresStoreSuite) TestFindByIDsOrLinkedToReturnsCluster() {
	ctx := context.Background()
	primary := s.createPrimary(strPtr("doc@hillvalley.edu"), nil)

	secondary, err := s.store.Create(ctx, &models.Contact{
		Email:          strPtr("emmett@hillvalley.edu"),
		LinkPrecedence: models.LinkSecondary,
		LinkedID:       &primary.ID,
	})
	s.Require().NoError(err)

	cluster, err := s.store.FindByIDsOrLinkedTo(ctx, []int64{primary.ID})
	s.Require().NoError(err)
	s.Len(cluster, 2)
	s.Equal(primary.ID, cluster[0].ID)
	s.Equal(secondary.ID, cluster[1].ID)
}

func (s *PostgresStoreSuite) TestUpdateDemotesPrimary() {
	ctx := context.Background()
	older := s.createPrimary(strPtr("doc@hillvalley.edu"), nil)
	newer := s.createPrimary(nil, strPtr("+15551234"))

	newer.Demote(older.ID, time.Now().UTC())
	s.Require().NoError(s.store.Update(ctx, newer))

	cluster, err := s.store.FindByIDsOrLinkedTo(ctx, []int64{older.ID})
	s.Require().NoError(err)
	s.Len(cluster, 2)
	s.True(cluster[1].LinkPrecedence == models.LinkSecondary)
	s.Equal(older.ID, *cluster[1].LinkedID)
}

func (s *PostgresStoreSuite) TestUpdateMissingRowReturnsNotFound() {
	err := s.store.Update(context.Background(), &models.Contact{
		ID:             9999,
		Email:          strPtr("ghost@hillvalley.edu"),
		LinkPrecedence: models.LinkPrimary,
	})
	s.Require().Error(err)
	s.True(errors.Is(err, sentinel.ErrNotFound))
}

func (s *PostgresStoreSuite) TestRelinkSecondariesFlattensChains() {
	ctx := context.Background()
	keeper := s.createPrimary(strPtr("doc@hillvalley.edu"), nil)
	loser := s.createPrimary(strPtr("marty@hillvalley.edu"), nil)

	for _, email := range []string{"a@hillvalley.edu", "b@hillvalley.edu"} {
		_, err := s.store.Create(ctx, &models.Contact{
			Email:          strPtr(email),
			LinkPrecedence: models.LinkSecondary,
			LinkedID:       &loser.ID,
		})
		s.Require().NoError(err)
	}

	moved, err := s.store.RelinkSecondaries(ctx, loser.ID, keeper.ID)
	s.Require().NoError(err)
	s.Equal(int64(2), moved)

	cluster, err := s.store.FindByIDsOrLinkedTo(ctx, []int64{keeper.ID})
	s.Require().NoError(err)
	s.Len(cluster, 3)
	for _, c := range cluster[1:] {
		s.Equal(keeper.ID, *c.LinkedID)
	}
}

func (s *PostgresStoreSuite) TestRunInTxRollsBackOnError() {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.store.RunInTx(ctx, func(ctx context.Context, st store.Store) error {
		_, err := st.Create(ctx, &models.Contact{
			Email:          strPtr("doc@hillvalley.edu"),
			LinkPrecedence: models.LinkPrimary,
		})
		s.Require().NoError(err)
		return boom
	})
	s.Require().ErrorIs(err, boom)

	matches, err := s.store.FindByEmailOrPhone(ctx, strPtr("doc@hillvalley.edu"), nil)
	s.Require().NoError(err)
	s.Empty(matches)
}

// TestConcurrentIdenticalResolves drives the full resolver against real
// SERIALIZABLE transactions: 16 goroutines race the same first-seen fragment
// and exactly one primary row may exist afterwards.
func (s *PostgresStoreSuite) TestConcurrentIdenticalResolves() {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auditor := auditpg.New(s.postgres.DB)
	resolver := service.New(s.store, auditor, nil, logger)

	const goroutines = 16
	var wg sync.WaitGroup
	var resolved atomic.Int32
	var conflicts atomic.Int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := resolver.Resolve(ctx, models.Fragment{
				Email:       strPtr("doc@hillvalley.edu"),
				PhoneNumber: strPtr("+15551234"),
			})
			switch {
			case err == nil:
				resolved.Add(1)
			case dErrors.Is(err, dErrors.CodeConflict):
				conflicts.Add(1)
			default:
				s.T().Errorf("unexpected resolve error: %v", err)
			}
		}()
	}
	wg.Wait()

	s.Positive(resolved.Load())

	cluster, err := s.store.FindByEmailOrPhone(ctx, strPtr("doc@hillvalley.edu"), strPtr("+15551234"))
	s.Require().NoError(err)
	s.Len(cluster, 1, "racing identical fragments must collapse to one row")
	s.Equal(models.LinkPrimary, cluster[0].LinkPrecedence)
}

// TestResolveMergeAcrossTransactions replays the classic two-cluster bridge
// through real transactions, outbox rows included.
func (s *PostgresStoreSuite) TestResolveMergeAcrossTransactions() {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auditor := auditpg.New(s.postgres.DB)
	resolver := service.New(s.store, auditor, nil, logger)

	first, err := resolver.Resolve(ctx, models.Fragment{Email: strPtr("george@hillvalley.edu"), PhoneNumber: strPtr("919191")})
	s.Require().NoError(err)
	second, err := resolver.Resolve(ctx, models.Fragment{Email: strPtr("biffsucks@hillvalley.edu"), PhoneNumber: strPtr("717171")})
	s.Require().NoError(err)
	s.NotEqual(first.PrimaryContactID, second.PrimaryContactID)

	merged, err := resolver.Resolve(ctx, models.Fragment{Email: strPtr("george@hillvalley.edu"), PhoneNumber: strPtr("717171")})
	s.Require().NoError(err)
	s.Equal(first.PrimaryContactID, merged.PrimaryContactID)
	s.ElementsMatch([]string{"george@hillvalley.edu", "biffsucks@hillvalley.edu"}, merged.Emails)
	s.ElementsMatch([]string{"919191", "717171"}, merged.PhoneNumbers)
	s.Equal([]int64{second.PrimaryContactID}, merged.SecondaryContactIDs)

	entries, err := auditor.ListUnpublished(ctx, 100)
	s.Require().NoError(err)
	s.NotEmpty(entries)
}
