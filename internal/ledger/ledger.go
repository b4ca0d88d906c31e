// Package ledger owns all credit balance mutations.
//
// This is the financial core of Mockforge. Every credit that moves through
// the system flows through this package: reservations for generation jobs,
// settlements when jobs finish, purchases arriving from payment webhooks,
// and refund deductions.
//
// Two rules keep the accounting honest:
//
// 1. Per-account linearization. Every read-modify-write for an account runs
// under that account's lock, so concurrent debits and credits can never
// lose an update or drive the balance negative past a successful check.
//
// 2. Append-only provenance. Every mutation commits a BillingEvent in the
// same store write as the balance change, so an account's creditsRemaining
// is always the net of its event log and discrepancies are auditable after
// the fact. Event amounts are never rewritten; a refunded purchase keeps
// its amount and flips only its status.
//
// Duplicate payments are not errors here. A redelivered webhook calling
// CreditFromPayment with a known payment id gets the current balance back
// with AlreadyProcessed set, and nothing is mutated. That property is what
// makes at-least-once delivery from the payment provider safe.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// BalanceHook observes committed balance changes. The redis mirror uses
// this to keep the hot read path warm. Hooks run synchronously under the
// account lock; they must be cheap and must not call back into the ledger.
type BalanceHook func(accountID string, b Balance)

// Ledger coordinates balance mutations against a Store.
//
// Thread safety: all methods are safe for concurrent use. Mutations on the
// same account are serialized; different accounts proceed in parallel.
type Ledger struct {
	store Store
	log   zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	hookMu sync.RWMutex
	hooks  []BalanceHook
}

// New creates a Ledger backed by the given store.
func New(store Store, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store: store,
		log:   logger.With().Str("component", "ledger").Logger(),
		locks: make(map[string]*sync.Mutex),
	}
}

// OnBalanceChange registers a hook called after every committed mutation.
func (l *Ledger) OnBalanceChange(h BalanceHook) {
	l.hookMu.Lock()
	defer l.hookMu.Unlock()
	l.hooks = append(l.hooks, h)
}

// lockAccount acquires the per-account mutex and returns its release func.
func (l *Ledger) lockAccount(id string) func() {
	l.mu.Lock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func (l *Ledger) notify(accountID string, b Balance) {
	l.hookMu.RLock()
	defer l.hookMu.RUnlock()
	for _, h := range l.hooks {
		h(accountID, b)
	}
}

// Debit subtracts amount from the account, incrementing the usage counters.
//
// Fails with ErrInsufficientCredits when creditsRemaining < amount; in that
// case nothing is mutated and no event is appended. The check and the
// subtraction happen under the account lock, so two concurrent debits can
// never both pass the check against the same credits.
func (l *Ledger) Debit(ctx context.Context, accountID string, amount int64, reason string) (Balance, error) {
	if amount <= 0 {
		return Balance{}, ErrInvalidAmount
	}

	unlock := l.lockAccount(accountID)
	defer unlock()

	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}

	if acct.Balance.CreditsRemaining < amount {
		opsTotal.WithLabelValues("debit", "insufficient").Inc()
		l.log.Info().
			Str("account_id", accountID).
			Int64("amount", amount).
			Int64("remaining", acct.Balance.CreditsRemaining).
			Str("reason", reason).
			Msg("debit rejected, insufficient credits")
		return acct.Balance, ErrInsufficientCredits
	}

	acct.Balance.CreditsRemaining -= amount
	acct.Balance.CreditsUsedThisMonth += amount
	acct.Balance.LifetimeCreditsUsed += amount

	if err := l.apply(ctx, acct, &BillingEvent{
		Type:     EventDebit,
		Amount:   -amount,
		Metadata: map[string]string{MetaReason: reason},
	}); err != nil {
		return Balance{}, err
	}

	opsTotal.WithLabelValues("debit", "ok").Inc()
	l.log.Debug().
		Str("account_id", accountID).
		Int64("amount", amount).
		Int64("remaining", acct.Balance.CreditsRemaining).
		Str("reason", reason).
		Msg("debit applied")

	return acct.Balance, nil
}

// Credit adds amount to the account unconditionally. Used for refunds,
// settlements, and monthly grants.
func (l *Ledger) Credit(ctx context.Context, accountID string, amount int64, reason string) (Balance, error) {
	if amount <= 0 {
		return Balance{}, ErrInvalidAmount
	}

	unlock := l.lockAccount(accountID)
	defer unlock()

	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}

	acct.Balance.CreditsRemaining += amount

	if err := l.apply(ctx, acct, &BillingEvent{
		Type:     EventCredit,
		Amount:   amount,
		Metadata: map[string]string{MetaReason: reason},
	}); err != nil {
		return Balance{}, err
	}

	opsTotal.WithLabelValues("credit", "ok").Inc()
	l.log.Debug().
		Str("account_id", accountID).
		Int64("amount", amount).
		Int64("remaining", acct.Balance.CreditsRemaining).
		Str("reason", reason).
		Msg("credit applied")

	return acct.Balance, nil
}

// PaymentResult is the outcome of CreditFromPayment.
type PaymentResult struct {
	Balance          Balance `json:"balance"`
	AlreadyProcessed bool    `json:"already_processed"`
}

// CreditFromPayment applies a purchased credit pack exactly once per
// payment id.
//
// Flow:
//  1. Look up a completed credit_purchase event for paymentID. If one
//     exists this is a redelivery: return the current balance with
//     AlreadyProcessed=true and mutate nothing.
//  2. Otherwise credit the account and append a completed purchase event
//     keyed by paymentID.
//
// The store's unique payment index is the backstop: if another process won
// the race between the lookup and the write, the atomic apply fails with
// ErrDuplicateEvent before anything is persisted, and the call still
// reports AlreadyProcessed with the committed balance.
func (l *Ledger) CreditFromPayment(ctx context.Context, accountID, paymentID string, amount int64, currency string) (PaymentResult, error) {
	if amount <= 0 {
		return PaymentResult{}, ErrInvalidAmount
	}
	if paymentID == "" {
		return PaymentResult{}, fmt.Errorf("%w: payment id required", ErrInvalidAmount)
	}

	unlock := l.lockAccount(accountID)
	defer unlock()

	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return PaymentResult{}, err
	}

	if _, err := l.store.FindPaymentEvent(ctx, paymentID); err == nil {
		opsTotal.WithLabelValues("credit_from_payment", "duplicate").Inc()
		l.log.Info().
			Str("account_id", accountID).
			Str("payment_id", paymentID).
			Msg("payment already processed, idempotent no-op")
		return PaymentResult{Balance: acct.Balance, AlreadyProcessed: true}, nil
	} else if !errors.Is(err, ErrEventNotFound) {
		return PaymentResult{}, fmt.Errorf("payment lookup failed: %w", err)
	}

	before := acct.Balance
	acct.Balance.CreditsRemaining += amount

	err = l.apply(ctx, acct, &BillingEvent{
		Type:              EventCreditPurchase,
		Amount:            amount,
		Currency:          currency,
		ExternalPaymentID: paymentID,
		Metadata:          map[string]string{MetaReason: "credit_purchase"},
	})
	if errors.Is(err, ErrDuplicateEvent) {
		// Lost the race to a concurrent delivery. The atomic apply
		// persisted nothing; report the committed state.
		opsTotal.WithLabelValues("credit_from_payment", "duplicate").Inc()
		return PaymentResult{Balance: before, AlreadyProcessed: true}, nil
	}
	if err != nil {
		return PaymentResult{}, err
	}

	opsTotal.WithLabelValues("credit_from_payment", "ok").Inc()
	l.log.Info().
		Str("account_id", accountID).
		Str("payment_id", paymentID).
		Int64("amount", amount).
		Int64("remaining", acct.Balance.CreditsRemaining).
		Msg("payment credited")

	return PaymentResult{Balance: acct.Balance}, nil
}

// RefundResult reports what DebitForRefund actually removed. ActualDeducted
// can be less than the requested amount when the balance could not cover
// it; callers record the discrepancy.
type RefundResult struct {
	Balance        Balance `json:"balance"`
	ActualDeducted int64   `json:"actual_deducted"`
}

// DebitForRefund removes min(amount, creditsRemaining) from the account.
// The balance never goes negative; the clamped amount is returned so the
// caller can reconcile requested vs actual, and the refund_deduction event
// records both. A fully clamped refund still appends a zero-amount event
// as its reconciliation trail.
//
// When paymentID identifies the refunded purchase, its credit_purchase
// event is flipped to refunded with the deduction event id as provenance.
// Pass "" when the provider did not carry the payment id through.
func (l *Ledger) DebitForRefund(ctx context.Context, accountID string, amount int64, paymentID string) (RefundResult, error) {
	if amount <= 0 {
		return RefundResult{}, ErrInvalidAmount
	}

	unlock := l.lockAccount(accountID)
	defer unlock()

	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return RefundResult{}, err
	}

	deducted := amount
	if acct.Balance.CreditsRemaining < deducted {
		deducted = acct.Balance.CreditsRemaining
	}

	if deducted < amount {
		// Clamp-and-record per current product behavior. Whether this
		// should raise an accounting hold is an open product question;
		// the warn log plus event metadata is the reconciliation trail.
		l.log.Warn().
			Str("account_id", accountID).
			Int64("requested", amount).
			Int64("actual", deducted).
			Msg("refund deduction clamped to available balance")
	}

	acct.Balance.CreditsRemaining -= deducted

	e := &BillingEvent{
		Type:   EventRefundDeduction,
		Amount: -deducted,
		Metadata: map[string]string{
			MetaReason:          "refund",
			MetaRequestedAmount: fmt.Sprintf("%d", amount),
			MetaActualDeducted:  fmt.Sprintf("%d", deducted),
		},
	}
	if err := l.apply(ctx, acct, e); err != nil {
		return RefundResult{}, err
	}

	if paymentID != "" {
		// The deduction is already committed, so a marking failure must
		// not fail the refund: the provider would redeliver and deduct
		// twice. Log and leave the purchase completed.
		if merr := l.store.MarkPaymentRefunded(ctx, paymentID, e.ID); merr != nil && !errors.Is(merr, ErrEventNotFound) {
			l.log.Error().Err(merr).
				Str("account_id", accountID).
				Str("payment_id", paymentID).
				Msg("marking purchase refunded failed")
		}
	}

	outcome := "ok"
	if deducted == 0 {
		outcome = "clamped_zero"
	}
	opsTotal.WithLabelValues("debit_for_refund", outcome).Inc()
	return RefundResult{Balance: acct.Balance, ActualDeducted: deducted}, nil
}

// GetBalance returns the current balance without side effects.
func (l *Ledger) GetBalance(ctx context.Context, accountID string) (Balance, error) {
	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	return acct.Balance, nil
}

// EnsureAccount creates the account with zero balances if it does not
// exist. Called on first identity sync. Returns the balance and whether a
// new account was created.
func (l *Ledger) EnsureAccount(ctx context.Context, accountID string) (Balance, bool, error) {
	unlock := l.lockAccount(accountID)
	defer unlock()

	acct, err := l.store.GetAccount(ctx, accountID)
	if err == nil {
		return acct.Balance, false, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return Balance{}, false, err
	}

	now := time.Now().UTC()
	acct = &Account{ID: accountID, CreatedAt: now, UpdatedAt: now}
	if err := l.store.CreateAccount(ctx, acct); err != nil {
		return Balance{}, false, fmt.Errorf("create account: %w", err)
	}

	l.log.Info().Str("account_id", accountID).Msg("account created on first sync")
	return acct.Balance, true, nil
}

// apply persists the mutated account and its provenance event in a single
// atomic store write, then fires balance hooks. Callers hold the account
// lock and have already adjusted acct.Balance; on error the store is
// untouched and the in-memory copy is simply discarded.
func (l *Ledger) apply(ctx context.Context, acct *Account, e *BillingEvent) error {
	e.ID = uuid.New().String()
	e.AccountID = acct.ID
	e.Status = EventStatusCompleted
	e.CreatedAt = time.Now().UTC()
	acct.UpdatedAt = e.CreatedAt

	if err := l.store.Apply(ctx, acct, e); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			return err
		}
		return fmt.Errorf("apply ledger mutation: %w", err)
	}

	l.notify(acct.ID, acct.Balance)
	return nil
}
