// Package postgres implements the ledger and job stores on PostgreSQL.
//
// PostgreSQL is the durable source of truth: the accounts table, the
// append-only billing_events log, and the generation_jobs table all live
// here. The unique partial index on billing_events
// (external_payment_id WHERE type='credit_purchase') is what makes payment
// deduplication hold across processes; the in-process locks in the ledger
// only cover a single instance.
//
// Schema lives in migrations/001_initial_schema.up.sql.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/mockforge/engine/internal/jobs"
	"github.com/mockforge/engine/internal/ledger"
)

const uniqueViolation = "23505"

// Store implements ledger.Store and jobs.Store over one connection pool.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open connects to PostgreSQL and verifies connectivity.
func Open(ctx context.Context, url string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("postgres open failed: %w", err)
	}

	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	logger.Info().Msg("postgres connection established")
	return &Store{db: db, log: logger.With().Str("component", "postgres").Logger()}, nil
}

// DB exposes the pool for the CLI's raw listings.
func (s *Store) DB() *sql.DB { return s.db }

// Close shuts the pool down.
func (s *Store) Close() error { return s.db.Close() }

// Ping is used by the readiness endpoint.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// --- ledger.Store ---

func (s *Store) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	a := &ledger.Account{ID: id}
	err := s.db.QueryRowContext(ctx, `
		SELECT credits_remaining, credits_used_this_month, lifetime_credits_used,
		       created_at, updated_at
		FROM accounts
		WHERE account_id = $1
	`, id).Scan(
		&a.Balance.CreditsRemaining,
		&a.Balance.CreditsUsedThisMonth,
		&a.Balance.LifetimeCreditsUsed,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("account query failed: %w", err)
	}
	return a, nil
}

func (s *Store) CreateAccount(ctx context.Context, a *ledger.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (
			account_id, credits_remaining, credits_used_this_month,
			lifetime_credits_used, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`, a.ID, a.Balance.CreditsRemaining, a.Balance.CreditsUsedThisMonth,
		a.Balance.LifetimeCreditsUsed, a.CreatedAt, a.UpdatedAt)

	if isUniqueViolation(err) {
		return ledger.ErrDuplicateEvent
	}
	if err != nil {
		return fmt.Errorf("insert account failed: %w", err)
	}
	return nil
}

// Apply writes the billing event and the updated account counters in one
// transaction. A unique-index hit on the payment id rolls the whole write
// back and surfaces as ErrDuplicateEvent.
func (s *Store) Apply(ctx context.Context, a *ledger.Account, e *ledger.BillingEvent) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin apply tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO billing_events (
			event_id, account_id, type, amount, currency,
			external_payment_id, status, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)
	`, e.ID, e.AccountID, string(e.Type), e.Amount, e.Currency,
		e.ExternalPaymentID, string(e.Status), meta, e.CreatedAt)

	if isUniqueViolation(err) {
		return ledger.ErrDuplicateEvent
	}
	if err != nil {
		return fmt.Errorf("insert billing event failed: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET
			credits_remaining = $1,
			credits_used_this_month = $2,
			lifetime_credits_used = $3,
			updated_at = $4
		WHERE account_id = $5
	`, a.Balance.CreditsRemaining, a.Balance.CreditsUsedThisMonth,
		a.Balance.LifetimeCreditsUsed, a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("update account failed: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ledger.ErrAccountNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit apply tx: %w", err)
	}
	return nil
}

func (s *Store) MarkPaymentRefunded(ctx context.Context, paymentID, refundEventID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE billing_events
		SET status = 'refunded',
		    metadata = metadata || jsonb_build_object('refunded_from', $2::text)
		WHERE external_payment_id = $1
		  AND type = 'credit_purchase'
		  AND status = 'completed'
	`, paymentID, refundEventID)
	if err != nil {
		return fmt.Errorf("mark payment refunded failed: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ledger.ErrEventNotFound
	}
	return nil
}

func (s *Store) FindPaymentEvent(ctx context.Context, paymentID string) (*ledger.BillingEvent, error) {
	e := &ledger.BillingEvent{}
	var meta []byte
	var currency, extPaymentID sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT event_id, account_id, type, amount, currency,
		       external_payment_id, status, metadata, created_at
		FROM billing_events
		WHERE external_payment_id = $1
		  AND type = 'credit_purchase'
	`, paymentID).Scan(
		&e.ID, &e.AccountID, &e.Type, &e.Amount, &currency,
		&extPaymentID, &e.Status, &meta, &e.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("payment event query failed: %w", err)
	}

	e.Currency = currency.String
	e.ExternalPaymentID = extPaymentID.String
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal event metadata: %w", err)
		}
	}
	return e, nil
}

func (s *Store) ListAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account_id FROM accounts ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("account listing failed: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- jobs.Store ---

func (s *Store) Create(ctx context.Context, j *jobs.Job) error {
	spec, err := json.Marshal(j.Spec)
	if err != nil {
		return fmt.Errorf("marshal job spec: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO generation_jobs (
			job_id, account_id, spec, status, attempts, max_attempts,
			estimated_credits, progress, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, j.ID, j.AccountID, spec, string(j.Status), j.Attempts, j.MaxAttempts,
		j.EstimatedCredits, j.Progress, j.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job failed: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*jobs.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, account_id, spec, status, attempts, max_attempts,
		       estimated_credits, actual_credits, progress, result, error,
		       created_at, started_at, completed_at, lease_expires_at
		FROM generation_jobs
		WHERE job_id = $1
	`, id)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobs.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("job query failed: %w", err)
	}
	return j, nil
}

func (s *Store) Update(ctx context.Context, j *jobs.Job) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE generation_jobs SET
			status = $1, attempts = $2, actual_credits = $3, progress = $4,
			result = $5, error = $6, started_at = $7, completed_at = $8,
			lease_expires_at = $9
		WHERE job_id = $10
	`, string(j.Status), j.Attempts, j.ActualCredits, j.Progress,
		j.Result, j.Error, j.StartedAt, j.CompletedAt, j.LeaseExpiresAt, j.ID)
	if err != nil {
		return fmt.Errorf("update job failed: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return jobs.ErrJobNotFound
	}
	return nil
}

func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]*jobs.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, account_id, spec, status, attempts, max_attempts,
		       estimated_credits, actual_credits, progress, result, error,
		       created_at, started_at, completed_at, lease_expires_at
		FROM generation_jobs
		WHERE status = 'processing' AND lease_expires_at < $1
		ORDER BY lease_expires_at
	`, now)
	if err != nil {
		return nil, fmt.Errorf("expired jobs query failed: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

func (s *Store) ListByAccount(ctx context.Context, accountID string, status jobs.Status) ([]*jobs.Job, error) {
	// Served by the (account_id, status) index.
	query := `
		SELECT job_id, account_id, spec, status, attempts, max_attempts,
		       estimated_credits, actual_credits, progress, result, error,
		       created_at, started_at, completed_at, lease_expires_at
		FROM generation_jobs
		WHERE account_id = $1`
	args := []interface{}{accountID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("job listing failed: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(r rowScanner) (*jobs.Job, error) {
	j := &jobs.Job{}
	var spec []byte
	var actual sql.NullInt64
	var result, jerr sql.NullString
	var started, completed, lease sql.NullTime

	if err := r.Scan(
		&j.ID, &j.AccountID, &spec, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.EstimatedCredits, &actual, &j.Progress, &result, &jerr,
		&j.CreatedAt, &started, &completed, &lease,
	); err != nil {
		return nil, err
	}

	if len(spec) > 0 {
		if err := json.Unmarshal(spec, &j.Spec); err != nil {
			return nil, fmt.Errorf("unmarshal job spec: %w", err)
		}
	}
	if actual.Valid {
		v := actual.Int64
		j.ActualCredits = &v
	}
	j.Result = result.String
	j.Error = jerr.String
	if started.Valid {
		t := started.Time
		j.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	if lease.Valid {
		t := lease.Time
		j.LeaseExpiresAt = &t
	}
	return j, nil
}

func collectJobs(rows *sql.Rows) ([]*jobs.Job, error) {
	var out []*jobs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
