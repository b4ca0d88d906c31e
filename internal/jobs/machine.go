package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mockforge/engine/internal/ledger"
)

// Store is the persistence contract for jobs. The in-memory implementation
// backs tests, the postgres one production. The machine linearizes per-job
// mutations itself; implementations only need each call to be atomic.
type Store interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, j *Job) error

	// ListExpired returns jobs still Processing whose lease expired before
	// now. Used by the sweeper.
	ListExpired(ctx context.Context, now time.Time) ([]*Job, error)

	// ListByAccount returns jobs for an account, optionally filtered by
	// status (empty matches all). Advisory; dashboards and the CLI only.
	ListByAccount(ctx context.Context, accountID string, status Status) ([]*Job, error)
}

// CreditLedger is the slice of the ledger the machine needs: reserve on
// enqueue, settle or refund on terminal edges.
type CreditLedger interface {
	Debit(ctx context.Context, accountID string, amount int64, reason string) (ledger.Balance, error)
	Credit(ctx context.Context, accountID string, amount int64, reason string) (ledger.Balance, error)
}

// Config tunes the machine.
type Config struct {
	// MaxAttempts is the retry budget per job. Default 3.
	MaxAttempts int

	// LeaseDuration is how long a Processing job may go without a
	// heartbeat before the sweeper reclaims it. Default 5m.
	LeaseDuration time.Duration
}

// Machine drives job lifecycles. Safe for concurrent use; transitions for
// the same job are serialized, different jobs proceed in parallel.
type Machine struct {
	store   Store
	credits CreditLedger
	log     zerolog.Logger

	maxAttempts int
	lease       time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// now is swappable for tests
	now func() time.Time
}

// NewMachine creates a Machine over the given store and ledger.
func NewMachine(store Store, credits CreditLedger, cfg Config, logger zerolog.Logger) *Machine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 5 * time.Minute
	}
	return &Machine{
		store:       store,
		credits:     credits,
		log:         logger.With().Str("component", "job_machine").Logger(),
		maxAttempts: cfg.MaxAttempts,
		lease:       cfg.LeaseDuration,
		locks:       make(map[string]*sync.Mutex),
		now:         time.Now,
	}
}

func (m *Machine) lockJob(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Enqueue reserves estimatedCredits and creates the job, in that order.
//
// The reservation is pessimistic: if the account cannot cover the estimate
// the caller sees ErrInsufficientCredits and no job record exists. If the
// debit succeeds but creating the job row fails, the reservation is rolled
// back with a compensating credit before the error is returned.
func (m *Machine) Enqueue(ctx context.Context, accountID string, spec Spec, estimatedCredits int64) (string, error) {
	if estimatedCredits <= 0 {
		return "", ledger.ErrInvalidAmount
	}

	if _, err := m.credits.Debit(ctx, accountID, estimatedCredits, "reservation"); err != nil {
		return "", err
	}

	job := &Job{
		ID:               uuid.New().String(),
		AccountID:        accountID,
		Spec:             spec,
		Status:           StatusQueued,
		MaxAttempts:      m.maxAttempts,
		EstimatedCredits: estimatedCredits,
		CreatedAt:        m.now().UTC(),
	}

	if err := m.store.Create(ctx, job); err != nil {
		// The reservation must not outlive the failed job creation.
		if _, cerr := m.credits.Credit(ctx, accountID, estimatedCredits, "reservation_rollback"); cerr != nil {
			m.log.Error().Err(cerr).
				Str("account_id", accountID).
				Int64("estimated_credits", estimatedCredits).
				Msg("reservation rollback failed, credits stranded")
			return "", fmt.Errorf("create job failed and rollback failed: %v (rollback: %w)", err, cerr)
		}
		return "", fmt.Errorf("create job: %w", err)
	}

	transitionsTotal.WithLabelValues("", string(StatusQueued)).Inc()
	m.log.Info().
		Str("job_id", job.ID).
		Str("account_id", accountID).
		Int64("estimated_credits", estimatedCredits).
		Msg("job enqueued")

	return job.ID, nil
}

// TransitionDetails carries the optional facts accompanying a transition.
type TransitionDetails struct {
	// ActualCredits is the measured cost, meaningful on Completed. Nil
	// means the estimate stands.
	ActualCredits *int64

	// Error describes the failure, meaningful on Failed.
	Error string

	// Result is the artifact reference, meaningful on Completed.
	Result string
}

// Transition moves a job along a legal edge.
//
// Legal edges: Queued→Processing, Processing→Completed, Processing→Failed,
// Failed→Queued while attempts remain. Anything else, and any edge out of
// a terminal state, fails with InvalidTransitionError and an error-level
// log entry; illegal transitions are caller bugs, not conditions to paper
// over.
//
// A Processing→Failed edge with attempts remaining requeues the job in the
// same call (attempts+1, back to Queued). Once attempts are exhausted the
// job is terminal and the full reservation is refunded.
func (m *Machine) Transition(ctx context.Context, jobID string, to Status, d TransitionDetails) error {
	unlock := m.lockJob(jobID)
	defer unlock()

	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return err
	}

	if !m.legalEdge(job, to) {
		terr := &InvalidTransitionError{JobID: jobID, From: job.Status, To: to}
		transitionsTotal.WithLabelValues(string(job.Status), "rejected").Inc()
		m.log.Error().
			Str("job_id", jobID).
			Str("from", string(job.Status)).
			Str("to", string(to)).
			Msg("illegal transition rejected, caller bug")
		return terr
	}

	from := job.Status
	switch to {
	case StatusProcessing:
		err = m.toProcessing(ctx, job)
	case StatusCompleted:
		err = m.toCompleted(ctx, job, d)
	case StatusFailed:
		err = m.toFailed(ctx, job, d.Error)
	case StatusQueued:
		// Explicit Failed→Queued requeue.
		err = m.requeue(ctx, job)
	default:
		err = &InvalidTransitionError{JobID: jobID, From: from, To: to}
	}
	if err != nil {
		return err
	}

	transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	return nil
}

// legalEdge validates an edge against the current job state.
func (m *Machine) legalEdge(job *Job, to Status) bool {
	if job.Terminal() {
		return false
	}
	switch job.Status {
	case StatusQueued:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	case StatusFailed:
		return to == StatusQueued && job.CanRetry()
	default:
		return false
	}
}

func (m *Machine) toProcessing(ctx context.Context, job *Job) error {
	now := m.now().UTC()
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	lease := now.Add(m.lease)
	job.LeaseExpiresAt = &lease
	job.Status = StatusProcessing

	if err := m.store.Update(ctx, job); err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	m.log.Debug().
		Str("job_id", job.ID).
		Time("lease_expires_at", lease).
		Msg("job processing")
	return nil
}

func (m *Machine) toCompleted(ctx context.Context, job *Job, d TransitionDetails) error {
	now := m.now().UTC()

	actual := job.EstimatedCredits
	if d.ActualCredits != nil {
		// Workers report measured cost; a negative value would settle
		// more than the reservation and mint credits.
		if *d.ActualCredits < 0 {
			return fmt.Errorf("%w: negative actual credits", ledger.ErrInvalidAmount)
		}
		actual = *d.ActualCredits
	}

	job.Status = StatusCompleted
	job.ActualCredits = &actual
	job.Result = d.Result
	job.Progress = 100
	job.CompletedAt = &now
	job.LeaseExpiresAt = nil

	if err := m.store.Update(ctx, job); err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	// Settle the reservation against the measured cost.
	switch {
	case actual < job.EstimatedCredits:
		diff := job.EstimatedCredits - actual
		if _, err := m.credits.Credit(ctx, job.AccountID, diff, "settlement"); err != nil {
			m.log.Error().Err(err).
				Str("job_id", job.ID).
				Int64("settlement", diff).
				Msg("settlement credit failed")
			return fmt.Errorf("settlement credit: %w", err)
		}
	case actual > job.EstimatedCredits:
		// Should not happen: workers cap work at the estimate. Keep the
		// full reservation, surface the overrun, never credit a negative
		// amount.
		m.log.Error().
			Str("job_id", job.ID).
			Int64("estimated", job.EstimatedCredits).
			Int64("actual", actual).
			Msg("actual cost exceeded reservation, overrun not charged")
	}

	m.log.Info().
		Str("job_id", job.ID).
		Str("account_id", job.AccountID).
		Int64("estimated_credits", job.EstimatedCredits).
		Int64("actual_credits", actual).
		Msg("job completed")
	return nil
}

func (m *Machine) toFailed(ctx context.Context, job *Job, reason string) error {
	job.Attempts++
	job.Error = reason
	job.Status = StatusFailed
	job.LeaseExpiresAt = nil

	if job.CanRetry() {
		if err := m.store.Update(ctx, job); err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		// Transient failure: straight back into the queue.
		return m.requeue(ctx, job)
	}

	now := m.now().UTC()
	job.CompletedAt = &now
	if err := m.store.Update(ctx, job); err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	// Attempts exhausted: the reservation is released in full.
	if _, err := m.credits.Credit(ctx, job.AccountID, job.EstimatedCredits, "failure_refund"); err != nil {
		m.log.Error().Err(err).
			Str("job_id", job.ID).
			Int64("estimated_credits", job.EstimatedCredits).
			Msg("failure refund failed")
		return fmt.Errorf("failure refund: %w", err)
	}

	m.log.Warn().
		Str("job_id", job.ID).
		Str("account_id", job.AccountID).
		Int("attempts", job.Attempts).
		Str("error", reason).
		Msg("job failed terminally, reservation refunded")
	return nil
}

func (m *Machine) requeue(ctx context.Context, job *Job) error {
	job.Status = StatusQueued
	job.Progress = 0
	job.LeaseExpiresAt = nil

	if err := m.store.Update(ctx, job); err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	m.log.Info().
		Str("job_id", job.ID).
		Int("attempts", job.Attempts).
		Int("max_attempts", job.MaxAttempts).
		Msg("job requeued for retry")
	return nil
}

// Heartbeat extends a Processing job's lease and records progress. Workers
// call this while generating; a silent worker loses its lease to the
// sweeper.
func (m *Machine) Heartbeat(ctx context.Context, jobID string, progress int) error {
	unlock := m.lockJob(jobID)
	defer unlock()

	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != StatusProcessing {
		return &InvalidTransitionError{JobID: jobID, From: job.Status, To: StatusProcessing}
	}

	lease := m.now().UTC().Add(m.lease)
	job.LeaseExpiresAt = &lease
	if progress > job.Progress && progress <= 100 {
		job.Progress = progress
	}
	return m.store.Update(ctx, job)
}

// StatusInfo is the pull-based status contract. Clients poll until the
// status is terminal; the machine makes no push guarantees.
type StatusInfo struct {
	Status      Status `json:"status"`
	Progress    int    `json:"progress"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	Result      string `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
}

// GetStatus returns the current status for polling clients.
func (m *Machine) GetStatus(ctx context.Context, jobID string) (StatusInfo, error) {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return StatusInfo{}, err
	}
	return StatusInfo{
		Status:      job.Status,
		Progress:    job.Progress,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		Result:      job.Result,
		Error:       job.Error,
	}, nil
}

// Sweep reclaims Processing jobs whose lease expired: each is failed with a
// lease-expired reason, which requeues it or, with attempts exhausted,
// terminates and refunds it. Returns the number of jobs reclaimed.
func (m *Machine) Sweep(ctx context.Context) (int, error) {
	expired, err := m.store.ListExpired(ctx, m.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("list expired: %w", err)
	}

	reclaimed := 0
	for _, stale := range expired {
		unlock := m.lockJob(stale.ID)

		// Re-read under the lock: a heartbeat may have landed since the
		// listing.
		job, err := m.store.Get(ctx, stale.ID)
		if err != nil {
			unlock()
			continue
		}
		if job.Status != StatusProcessing || job.LeaseExpiresAt == nil || job.LeaseExpiresAt.After(m.now().UTC()) {
			unlock()
			continue
		}

		m.log.Warn().
			Str("job_id", job.ID).
			Time("lease_expired_at", *job.LeaseExpiresAt).
			Msg("lease expired, reclaiming job")

		if err := m.toFailed(ctx, job, "lease expired"); err != nil {
			m.log.Error().Err(err).Str("job_id", job.ID).Msg("reclaim failed")
			unlock()
			continue
		}
		sweepsTotal.Inc()
		reclaimed++
		unlock()
	}

	return reclaimed, nil
}

// ListByAccount exposes the advisory per-account listing for the REST layer
// and the CLI.
func (m *Machine) ListByAccount(ctx context.Context, accountID string, status Status) ([]*Job, error) {
	return m.store.ListByAccount(ctx, accountID, status)
}
