package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mockforge/engine/internal/jobs"
	"github.com/mockforge/engine/internal/ledger"
	"github.com/mockforge/engine/internal/store/memory"
)

func TestLedgerStoreAccounts(t *testing.T) {
	s := memory.NewLedgerStore()
	ctx := context.Background()

	_, err := s.GetAccount(ctx, "acct-1")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	now := time.Now().UTC()
	require.NoError(t, s.CreateAccount(ctx, &ledger.Account{ID: "acct-1", CreatedAt: now, UpdatedAt: now}))

	a, err := s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), a.Balance.CreditsRemaining)

	// Returned account is a copy; mutating it must not affect the store.
	a.Balance.CreditsRemaining = 999
	again, err := s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), again.Balance.CreditsRemaining)

	a.Balance.CreditsRemaining = 50
	require.NoError(t, s.Apply(ctx, a, &ledger.BillingEvent{
		ID:        "e1",
		AccountID: "acct-1",
		Type:      ledger.EventCredit,
		Status:    ledger.EventStatusCompleted,
		Amount:    50,
	}))
	again, err = s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), again.Balance.CreditsRemaining)

	// Apply against an unknown account writes nothing, event included.
	assert.ErrorIs(t, s.Apply(ctx, &ledger.Account{ID: "ghost"}, &ledger.BillingEvent{
		ID:        "e2",
		AccountID: "ghost",
		Type:      ledger.EventCredit,
		Status:    ledger.EventStatusCompleted,
		Amount:    10,
	}), ledger.ErrAccountNotFound)
	assert.Len(t, s.Events("ghost"), 0)
}

func TestLedgerStorePaymentUniqueness(t *testing.T) {
	s := memory.NewLedgerStore()
	ctx := context.Background()

	_, err := s.FindPaymentEvent(ctx, "pay_1")
	assert.ErrorIs(t, err, ledger.ErrEventNotFound)

	now := time.Now().UTC()
	acct := &ledger.Account{ID: "acct-1", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateAccount(ctx, acct))

	acct.Balance.CreditsRemaining = 100
	e := &ledger.BillingEvent{
		ID:                "e1",
		AccountID:         "acct-1",
		Type:              ledger.EventCreditPurchase,
		Status:            ledger.EventStatusCompleted,
		Amount:            100,
		ExternalPaymentID: "pay_1",
	}
	require.NoError(t, s.Apply(ctx, acct, e))

	found, err := s.FindPaymentEvent(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, "e1", found.ID)

	// Second purchase for the same payment id is rejected whole: no
	// event appended, no balance written.
	dup := *e
	dup.ID = "e2"
	bumped := *acct
	bumped.Balance.CreditsRemaining = 200
	assert.ErrorIs(t, s.Apply(ctx, &bumped, &dup), ledger.ErrDuplicateEvent)

	again, err := s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), again.Balance.CreditsRemaining)
	assert.Len(t, s.Events("acct-1"), 1)

	// Non-purchase events never hit the payment index.
	require.NoError(t, s.Apply(ctx, acct, &ledger.BillingEvent{
		ID:        "e3",
		AccountID: "acct-1",
		Type:      ledger.EventDebit,
		Status:    ledger.EventStatusCompleted,
		Amount:    -10,
	}))

	assert.Len(t, s.Events("acct-1"), 2)
}

func TestLedgerStoreMarkPaymentRefunded(t *testing.T) {
	s := memory.NewLedgerStore()
	ctx := context.Background()

	assert.ErrorIs(t, s.MarkPaymentRefunded(ctx, "pay_1", "rf1"), ledger.ErrEventNotFound)

	now := time.Now().UTC()
	acct := &ledger.Account{ID: "acct-1", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateAccount(ctx, acct))

	acct.Balance.CreditsRemaining = 100
	require.NoError(t, s.Apply(ctx, acct, &ledger.BillingEvent{
		ID:                "e1",
		AccountID:         "acct-1",
		Type:              ledger.EventCreditPurchase,
		Status:            ledger.EventStatusCompleted,
		Amount:            100,
		ExternalPaymentID: "pay_1",
	}))

	require.NoError(t, s.MarkPaymentRefunded(ctx, "pay_1", "rf1"))

	// Status flips, provenance lands in metadata, the amount survives.
	found, err := s.FindPaymentEvent(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, ledger.EventStatusRefunded, found.Status)
	assert.Equal(t, "rf1", found.Metadata[ledger.MetaRefundedFrom])
	assert.Equal(t, int64(100), found.Amount)

	// completed -> refunded is the only edge; marking twice fails.
	assert.ErrorIs(t, s.MarkPaymentRefunded(ctx, "pay_1", "rf2"), ledger.ErrEventNotFound)

	// The refunded purchase still deduplicates redeliveries.
	dup := &ledger.BillingEvent{
		ID:                "e2",
		AccountID:         "acct-1",
		Type:              ledger.EventCreditPurchase,
		Status:            ledger.EventStatusCompleted,
		Amount:            100,
		ExternalPaymentID: "pay_1",
	}
	assert.ErrorIs(t, s.Apply(ctx, acct, dup), ledger.ErrDuplicateEvent)
}

func TestJobStoreLifecycle(t *testing.T) {
	s := memory.NewJobStore()
	ctx := context.Background()

	_, err := s.Get(ctx, "j1")
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)

	j := &jobs.Job{ID: "j1", AccountID: "acct-1", Status: jobs.StatusQueued}
	require.NoError(t, s.Create(ctx, j))
	assert.Error(t, s.Create(ctx, j), "duplicate id rejected")

	j.Status = jobs.StatusProcessing
	require.NoError(t, s.Update(ctx, j))

	got, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusProcessing, got.Status)
}

func TestJobStoreListExpired(t *testing.T) {
	s := memory.NewJobStore()
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	require.NoError(t, s.Create(ctx, &jobs.Job{ID: "expired", AccountID: "a", Status: jobs.StatusProcessing, LeaseExpiresAt: &past}))
	require.NoError(t, s.Create(ctx, &jobs.Job{ID: "live", AccountID: "a", Status: jobs.StatusProcessing, LeaseExpiresAt: &future}))
	require.NoError(t, s.Create(ctx, &jobs.Job{ID: "queued", AccountID: "a", Status: jobs.StatusQueued}))

	expired, err := s.ListExpired(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "expired", expired[0].ID)
}

func TestJobStoreListByAccount(t *testing.T) {
	s := memory.NewJobStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &jobs.Job{ID: "j1", AccountID: "a", Status: jobs.StatusQueued}))
	require.NoError(t, s.Create(ctx, &jobs.Job{ID: "j2", AccountID: "a", Status: jobs.StatusCompleted}))
	require.NoError(t, s.Create(ctx, &jobs.Job{ID: "j3", AccountID: "b", Status: jobs.StatusQueued}))

	all, err := s.ListByAccount(ctx, "a", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, "j1", all[0].ID, "creation order preserved")

	queued, err := s.ListByAccount(ctx, "a", jobs.StatusQueued)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "j1", queued[0].ID)
}
