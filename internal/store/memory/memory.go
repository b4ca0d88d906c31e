// Package memory holds in-memory implementations of the ledger and job
// stores. They back unit tests and local development; production uses the
// postgres package.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/mockforge/engine/internal/ledger"
)

// LedgerStore is an in-memory ledger.Store. Safe for concurrent use.
type LedgerStore struct {
	mu       sync.RWMutex
	accounts map[string]ledger.Account
	events   []ledger.BillingEvent
	payments map[string]int // paymentID -> index into events
}

// NewLedgerStore creates an empty store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		accounts: make(map[string]ledger.Account),
		payments: make(map[string]int),
	}
}

func (s *LedgerStore) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	cp := a
	return &cp, nil
}

func (s *LedgerStore) CreateAccount(ctx context.Context, a *ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; ok {
		return ledger.ErrDuplicateEvent
	}
	s.accounts[a.ID] = *a
	return nil
}

// Apply commits the account update and the billing event under one lock.
// All checks run before either write, so a rejected apply mutates nothing.
func (s *LedgerStore) Apply(ctx context.Context, a *ledger.Account, e *ledger.BillingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; !ok {
		return ledger.ErrAccountNotFound
	}
	if e.Type == ledger.EventCreditPurchase {
		if _, ok := s.payments[e.ExternalPaymentID]; ok {
			return ledger.ErrDuplicateEvent
		}
		s.payments[e.ExternalPaymentID] = len(s.events)
	}

	s.events = append(s.events, *e)
	s.accounts[a.ID] = *a
	return nil
}

func (s *LedgerStore) FindPaymentEvent(ctx context.Context, paymentID string) (*ledger.BillingEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.payments[paymentID]
	if !ok {
		return nil, ledger.ErrEventNotFound
	}
	cp := s.events[idx]
	return &cp, nil
}

func (s *LedgerStore) MarkPaymentRefunded(ctx context.Context, paymentID, refundEventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.payments[paymentID]
	if !ok || s.events[idx].Status != ledger.EventStatusCompleted {
		return ledger.ErrEventNotFound
	}

	e := &s.events[idx]
	e.Status = ledger.EventStatusRefunded
	meta := make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		meta[k] = v
	}
	meta[ledger.MetaRefundedFrom] = refundEventID
	e.Metadata = meta
	return nil
}

func (s *LedgerStore) ListAccountIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Events returns a copy of the event log for an account, in append order.
// Test helper; also used by the CLI against a dev store.
func (s *LedgerStore) Events(accountID string) []ledger.BillingEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ledger.BillingEvent
	for _, e := range s.events {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out
}
