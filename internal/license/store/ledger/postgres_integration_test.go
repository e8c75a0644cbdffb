//go:build integration

package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"keygate/internal/license/models"
	"keygate/internal/license/store/ledger"
	"keygate/pkg/platform/sentinel"
	"keygate/pkg/testutil/containers"
)

type PostgresLedgerSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *ledger.PostgresStore
}

func TestPostgresLedgerSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresLedgerSuite))
}

func (s *PostgresLedgerSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = ledger.NewPostgres(s.postgres.DB)
}

func (s *PostgresLedgerSuite) SetupTest() {
	ctx := context.Background()
	err := s.postgres.TruncateTables(ctx, "activation")
	s.Require().NoError(err)
}

func newActivation(keyHash, deviceID string) *models.Activation {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Activation{
		KeyHash:     keyHash,
		DeviceID:    deviceID,
		Token:       uuid.NewString(),
		ActivatedAt: now,
		ExpiresAt:   now.Add(30 * 24 * time.Hour),
	}
}

func (s *PostgresLedgerSuite) TestAdmitAndFind() {
	ctx := context.Background()
	act := newActivation("hash-a", "dev-1")
	act.Fingerprint = []byte(`{"os":"linux"}`)

	s.Require().NoError(s.store.Admit(ctx, act, 1))

	found, err := s.store.FindByToken(ctx, act.Token, "dev-1")
	s.Require().NoError(err)
	s.Equal("hash-a", found.KeyHash)
	s.JSONEq(`{"os":"linux"}`, string(found.Fingerprint))
	s.WithinDuration(act.ExpiresAt, found.ExpiresAt, time.Millisecond)

	_, err = s.store.FindByToken(ctx, act.Token, "other-device")
	s.ErrorIs(err, sentinel.ErrNotFound, "token is bound to its device")
}

func (s *PostgresLedgerSuite) TestAdmitEnforcesCeiling() {
	ctx := context.Background()

	s.Require().NoError(s.store.Admit(ctx, newActivation("hash-b", "dev-1"), 1))

	err := s.store.Admit(ctx, newActivation("hash-b", "dev-2"), 1)
	s.ErrorIs(err, sentinel.ErrConflict)

	count, err := s.store.CountDevices(ctx, "hash-b")
	s.Require().NoError(err)
	s.Equal(1, count)
}

func (s *PostgresLedgerSuite) TestReactivationNeverConsumesASlot() {
	ctx := context.Background()

	first := newActivation("hash-c", "dev-1")
	s.Require().NoError(s.store.Admit(ctx, first, 1))

	// re-admitting the same pair at the ceiling replaces the row
	second := newActivation("hash-c", "dev-1")
	s.Require().NoError(s.store.Admit(ctx, second, 1))

	_, err := s.store.FindByToken(ctx, first.Token, "dev-1")
	s.ErrorIs(err, sentinel.ErrNotFound, "the old token stops resolving")

	found, err := s.store.FindByToken(ctx, second.Token, "dev-1")
	s.Require().NoError(err)
	s.Equal("dev-1", found.DeviceID)

	count, err := s.store.CountDevices(ctx, "hash-c")
	s.Require().NoError(err)
	s.Equal(1, count)
}

// TestConcurrentAdmission verifies the advisory-lock admission path: with a
// ceiling of 3 and 50 distinct devices racing, exactly 3 are admitted and
// the ceiling is never overshot.
func (s *PostgresLedgerSuite) TestConcurrentAdmission() {
	ctx := context.Background()
	const goroutines = 50
	const maxDevices = 3
	keyHash := "hash-race-" + uuid.NewString()

	var wg sync.WaitGroup
	var admitted atomic.Int32
	var rejected atomic.Int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			act := newActivation(keyHash, fmt.Sprintf("dev-%d", n))
			err := s.store.Admit(ctx, act, maxDevices)
			if err == nil {
				admitted.Add(1)
			} else if errors.Is(err, sentinel.ErrConflict) {
				rejected.Add(1)
			}
		}(i)
	}

	wg.Wait()

	s.Equal(int32(maxDevices), admitted.Load(), "exactly maxDevices admissions should succeed")
	s.Equal(int32(goroutines-maxDevices), rejected.Load(), "all others should be rejected")

	count, err := s.store.CountDevices(ctx, keyHash)
	s.Require().NoError(err)
	s.Equal(maxDevices, count)
}

func (s *PostgresLedgerSuite) TestRenewExtendsWithoutRotatingToken() {
	ctx := context.Background()

	act := newActivation("hash-d", "dev-1")
	s.Require().NoError(s.store.Admit(ctx, act, 1))

	newExpiry := act.ExpiresAt.Add(15 * 24 * time.Hour)
	renewed, err := s.store.Renew(ctx, act.Token, "dev-1", newExpiry)
	s.Require().NoError(err)
	s.Equal(act.Token, renewed.Token)
	s.WithinDuration(newExpiry, renewed.ExpiresAt, time.Millisecond)

	_, err = s.store.Renew(ctx, "no-such-token", "dev-1", newExpiry)
	s.ErrorIs(err, sentinel.ErrNotFound)

	_, err = s.store.Renew(ctx, act.Token, "other-device", newExpiry)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresLedgerSuite) TestExpiredRowStaysRenewable() {
	ctx := context.Background()

	act := newActivation("hash-e", "dev-1")
	act.ActivatedAt = act.ActivatedAt.Add(-90 * 24 * time.Hour)
	act.ExpiresAt = act.ExpiresAt.Add(-90 * 24 * time.Hour)
	s.Require().NoError(s.store.Admit(ctx, act, 1))

	newExpiry := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Microsecond)
	renewed, err := s.store.Renew(ctx, act.Token, "dev-1", newExpiry)
	s.Require().NoError(err)
	s.WithinDuration(newExpiry, renewed.ExpiresAt, time.Millisecond)
}

func (s *PostgresLedgerSuite) TestListRecent() {
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		act := newActivation("hash-f", fmt.Sprintf("dev-%d", i))
		act.ActivatedAt = act.ActivatedAt.Add(time.Duration(i) * time.Minute)
		s.Require().NoError(s.store.Admit(ctx, act, 10))
	}

	acts, err := s.store.ListRecent(ctx, 3)
	s.Require().NoError(err)
	s.Require().Len(acts, 3)
	s.Equal("dev-4", acts[0].DeviceID, "most recent first")
	s.Equal("dev-3", acts[1].DeviceID)
}
