package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mockforge/engine/internal/ledger"
)

// stubStore is a map-backed Store for exercising the machine without a
// database. The memory and postgres stores have their own tests.
type stubStore struct {
	mu        sync.Mutex
	jobs      map[string]Job
	createErr error
}

func newStubStore() *stubStore {
	return &stubStore{jobs: make(map[string]Job)}
}

func (s *stubStore) Create(ctx context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.jobs[j.ID] = *j
	return nil
}

func (s *stubStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := j
	return &cp, nil
}

func (s *stubStore) Update(ctx context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; !ok {
		return ErrJobNotFound
	}
	s.jobs[j.ID] = *j
	return nil
}

func (s *stubStore) ListExpired(ctx context.Context, now time.Time) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, j := range s.jobs {
		if j.Status == StatusProcessing && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now) {
			cp := j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *stubStore) ListByAccount(ctx context.Context, accountID string, status Status) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, j := range s.jobs {
		if j.AccountID != accountID {
			continue
		}
		if status != "" && j.Status != status {
			continue
		}
		cp := j
		out = append(out, &cp)
	}
	return out, nil
}

// fakeLedger tracks a single balance and records every mutation reason.
type fakeLedger struct {
	mu      sync.Mutex
	balance int64
	reasons []string
}

func (f *fakeLedger) Debit(ctx context.Context, accountID string, amount int64, reason string) (ledger.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balance < amount {
		return ledger.Balance{CreditsRemaining: f.balance}, ledger.ErrInsufficientCredits
	}
	f.balance -= amount
	f.reasons = append(f.reasons, reason)
	return ledger.Balance{CreditsRemaining: f.balance}, nil
}

func (f *fakeLedger) Credit(ctx context.Context, accountID string, amount int64, reason string) (ledger.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance += amount
	f.reasons = append(f.reasons, reason)
	return ledger.Balance{CreditsRemaining: f.balance}, nil
}

func (f *fakeLedger) Balance() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance
}

func newTestMachine(balance int64) (*Machine, *stubStore, *fakeLedger, *time.Time) {
	store := newStubStore()
	credits := &fakeLedger{balance: balance}
	m := NewMachine(store, credits, Config{MaxAttempts: 3, LeaseDuration: 5 * time.Minute}, zerolog.Nop())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	m.now = func() time.Time { return *clock }
	return m, store, credits, clock
}

func TestEnqueueReservesCredits(t *testing.T) {
	m, store, credits, _ := newTestMachine(100)

	id, err := m.Enqueue(context.Background(), "acct-1", Spec{TemplateID: "tpl-1", SceneCount: 4}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	assert.Equal(t, int64(90), credits.Balance())

	job, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, int64(10), job.EstimatedCredits)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, 0, job.Attempts)
}

func TestEnqueueInsufficientCreditsCreatesNoJob(t *testing.T) {
	m, store, credits, _ := newTestMachine(5)

	_, err := m.Enqueue(context.Background(), "acct-1", Spec{TemplateID: "tpl-1"}, 10)
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredits)

	assert.Equal(t, int64(5), credits.Balance())
	jobs, err := store.ListByAccount(context.Background(), "acct-1", "")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestEnqueueRollsBackReservationOnCreateFailure(t *testing.T) {
	m, store, credits, _ := newTestMachine(100)
	store.createErr = errors.New("disk full")

	_, err := m.Enqueue(context.Background(), "acct-1", Spec{TemplateID: "tpl-1"}, 10)
	require.Error(t, err)

	assert.Equal(t, int64(100), credits.Balance())
	assert.Equal(t, []string{"reservation", "reservation_rollback"}, credits.reasons)
}

// Full happy path with a transient failure in the middle: reserve 10 from
// 100, fail once (requeued, balance still 90), then complete at an actual
// cost of 8 and settle the difference back to 92.
func TestRetryThenCompleteSettlesEstimateMinusActual(t *testing.T) {
	m, store, credits, _ := newTestMachine(100)

	id, err := m.Enqueue(context.Background(), "acct-1", Spec{TemplateID: "tpl-1"}, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(90), credits.Balance())

	require.NoError(t, m.Transition(context.Background(), id, StatusProcessing, TransitionDetails{}))
	require.NoError(t, m.Transition(context.Background(), id, StatusFailed, TransitionDetails{Error: "render node crashed"}))

	job, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, int64(90), credits.Balance(), "no refund while retries remain")

	require.NoError(t, m.Transition(context.Background(), id, StatusProcessing, TransitionDetails{}))
	actual := int64(8)
	require.NoError(t, m.Transition(context.Background(), id, StatusCompleted, TransitionDetails{
		ActualCredits: &actual,
		Result:        "s3://mockups/acct-1/render.zip",
	}))

	assert.Equal(t, int64(92), credits.Balance())

	job, err = store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
	require.NotNil(t, job.ActualCredits)
	assert.Equal(t, int64(8), *job.ActualCredits)
	assert.Equal(t, 100, job.Progress)
	assert.NotNil(t, job.CompletedAt)
	assert.Nil(t, job.LeaseExpiresAt)
	assert.True(t, job.Terminal())
}

func TestCompleteWithoutActualUsesEstimate(t *testing.T) {
	m, _, credits, _ := newTestMachine(100)

	id, err := m.Enqueue(context.Background(), "acct-1", Spec{}, 10)
	require.NoError(t, err)
	require.NoError(t, m.Transition(context.Background(), id, StatusProcessing, TransitionDetails{}))
	require.NoError(t, m.Transition(context.Background(), id, StatusCompleted, TransitionDetails{}))

	// No settlement: the estimate stood.
	assert.Equal(t, int64(90), credits.Balance())
}

func TestCompleteOverrunKeepsReservationOnly(t *testing.T) {
	m, _, credits, _ := newTestMachine(100)

	id, err := m.Enqueue(context.Background(), "acct-1", Spec{}, 10)
	require.NoError(t, err)
	require.NoError(t, m.Transition(context.Background(), id, StatusProcessing, TransitionDetails{}))

	actual := int64(14)
	require.NoError(t, m.Transition(context.Background(), id, StatusCompleted, TransitionDetails{ActualCredits: &actual}))

	// Only the reservation is charged; the overrun is logged, not billed.
	assert.Equal(t, int64(90), credits.Balance())
}

func TestCompleteNegativeActualRejected(t *testing.T) {
	m, store, credits, _ := newTestMachine(100)

	id, err := m.Enqueue(context.Background(), "acct-1", Spec{}, 10)
	require.NoError(t, err)
	require.NoError(t, m.Transition(context.Background(), id, StatusProcessing, TransitionDetails{}))

	// A negative actual would settle more than the reservation and mint
	// credits out of thin air.
	actual := int64(-5)
	err = m.Transition(context.Background(), id, StatusCompleted, TransitionDetails{ActualCredits: &actual})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	// The job stays Processing and the reservation stands.
	job := mustGet(t, store, id)
	assert.Equal(t, StatusProcessing, job.Status)
	assert.Equal(t, int64(90), credits.Balance())
	assert.LessOrEqual(t, credits.Balance(), int64(100))
}

func TestExhaustedRetriesRefundFullReservation(t *testing.T) {
	m, store, credits, _ := newTestMachine(100)

	id, err := m.Enqueue(context.Background(), "acct-1", Spec{}, 10)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Transition(context.Background(), id, StatusProcessing, TransitionDetails{}))
		require.NoError(t, m.Transition(context.Background(), id, StatusFailed, TransitionDetails{Error: "worker oom"}))
	}

	job, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, 3, job.Attempts)
	assert.True(t, job.Terminal())
	assert.NotNil(t, job.CompletedAt)

	assert.Equal(t, int64(100), credits.Balance(), "full reservation refunded")
}

func TestIllegalEdgesRejected(t *testing.T) {
	m, _, _, _ := newTestMachine(100)

	id, err := m.Enqueue(context.Background(), "acct-1", Spec{}, 10)
	require.NoError(t, err)

	cases := []struct {
		name string
		prep func(t *testing.T)
		to   Status
	}{
		{"queued to completed", func(t *testing.T) {}, StatusCompleted},
		{"queued to failed", func(t *testing.T) {}, StatusFailed},
		{"queued to queued", func(t *testing.T) {}, StatusQueued},
		{"processing to queued", func(t *testing.T) {
			require.NoError(t, m.Transition(context.Background(), id, StatusProcessing, TransitionDetails{}))
		}, StatusQueued},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.prep(t)
			err := m.Transition(context.Background(), id, tc.to, TransitionDetails{})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidTransition)

			var ite *InvalidTransitionError
			require.ErrorAs(t, err, &ite)
			assert.Equal(t, id, ite.JobID)
			assert.Equal(t, tc.to, ite.To)
		})
	}
}

func TestNoTransitionOutOfTerminalStates(t *testing.T) {
	m, _, _, _ := newTestMachine(100)

	id, err := m.Enqueue(context.Background(), "acct-1", Spec{}, 10)
	require.NoError(t, err)
	require.NoError(t, m.Transition(context.Background(), id, StatusProcessing, TransitionDetails{}))
	require.NoError(t, m.Transition(context.Background(), id, StatusCompleted, TransitionDetails{}))

	for _, to := range []Status{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed} {
		err := m.Transition(context.Background(), id, to, TransitionDetails{})
		assert.ErrorIs(t, err, ErrInvalidTransition, "edge to %s out of completed", to)
	}
}

func TestTransitionUnknownJob(t *testing.T) {
	m, _, _, _ := newTestMachine(100)
	err := m.Transition(context.Background(), "missing", StatusProcessing, TransitionDetails{})
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestHeartbeatExtendsLeaseAndProgress(t *testing.T) {
	m, store, _, clock := newTestMachine(100)

	id, err := m.Enqueue(context.Background(), "acct-1", Spec{}, 10)
	require.NoError(t, err)
	require.NoError(t, m.Transition(context.Background(), id, StatusProcessing, TransitionDetails{}))

	firstLease := mustGet(t, store, id).LeaseExpiresAt
	require.NotNil(t, firstLease)

	*clock = clock.Add(2 * time.Minute)
	require.NoError(t, m.Heartbeat(context.Background(), id, 40))

	job := mustGet(t, store, id)
	assert.True(t, job.LeaseExpiresAt.After(*firstLease))
	assert.Equal(t, 40, job.Progress)

	// Progress is monotonic.
	require.NoError(t, m.Heartbeat(context.Background(), id, 30))
	assert.Equal(t, 40, mustGet(t, store, id).Progress)

	// Heartbeats are only valid while processing.
	require.NoError(t, m.Transition(context.Background(), id, StatusCompleted, TransitionDetails{}))
	assert.ErrorIs(t, m.Heartbeat(context.Background(), id, 50), ErrInvalidTransition)
}

func TestSweepReclaimsExpiredLease(t *testing.T) {
	m, store, credits, clock := newTestMachine(100)

	id, err := m.Enqueue(context.Background(), "acct-1", Spec{}, 10)
	require.NoError(t, err)
	require.NoError(t, m.Transition(context.Background(), id, StatusProcessing, TransitionDetails{}))
	assert.Equal(t, int64(90), credits.Balance())

	// Lease is 5m; jump past it without a heartbeat.
	*clock = clock.Add(6 * time.Minute)

	reclaimed, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	job := mustGet(t, store, id)
	assert.Equal(t, StatusQueued, job.Status, "retries remain, so the job is requeued")
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "lease expired", job.Error)
	assert.Equal(t, int64(90), credits.Balance())
}

func TestSweepSkipsHeartbeatedJobs(t *testing.T) {
	m, store, _, clock := newTestMachine(100)

	id, err := m.Enqueue(context.Background(), "acct-1", Spec{}, 10)
	require.NoError(t, err)
	require.NoError(t, m.Transition(context.Background(), id, StatusProcessing, TransitionDetails{}))

	*clock = clock.Add(4 * time.Minute)
	require.NoError(t, m.Heartbeat(context.Background(), id, 60))
	*clock = clock.Add(2 * time.Minute)

	// 6 minutes since start, but the heartbeat at 4m pushed the lease out.
	reclaimed, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, reclaimed)
	assert.Equal(t, StatusProcessing, mustGet(t, store, id).Status)
}

func TestSweepExhaustsRetriesAndRefunds(t *testing.T) {
	m, store, credits, clock := newTestMachine(100)

	id, err := m.Enqueue(context.Background(), "acct-1", Spec{}, 10)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Transition(context.Background(), id, StatusProcessing, TransitionDetails{}))
		*clock = clock.Add(6 * time.Minute)
		reclaimed, err := m.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, reclaimed)
	}

	job := mustGet(t, store, id)
	assert.Equal(t, StatusFailed, job.Status)
	assert.True(t, job.Terminal())
	assert.Equal(t, int64(100), credits.Balance())
}

func TestGetStatusPollContract(t *testing.T) {
	m, _, _, _ := newTestMachine(100)

	id, err := m.Enqueue(context.Background(), "acct-1", Spec{}, 10)
	require.NoError(t, err)

	info, err := m.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, info.Status)
	assert.Equal(t, 0, info.Progress)
	assert.Equal(t, 3, info.MaxAttempts)

	require.NoError(t, m.Transition(context.Background(), id, StatusProcessing, TransitionDetails{}))
	require.NoError(t, m.Heartbeat(context.Background(), id, 70))
	require.NoError(t, m.Transition(context.Background(), id, StatusCompleted, TransitionDetails{Result: "s3://mockups/out.zip"}))

	info, err = m.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, info.Status)
	assert.Equal(t, 100, info.Progress)
	assert.Equal(t, "s3://mockups/out.zip", info.Result)

	_, err = m.GetStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func mustGet(t *testing.T, s *stubStore, id string) *Job {
	t.Helper()
	j, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}
