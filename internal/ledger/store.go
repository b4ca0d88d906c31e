package ledger

import "context"

// Store is the durable storage contract the ledger runs on. Implementations
// live in internal/store; the in-memory one backs unit tests, the postgres
// one backs production.
//
// The ledger linearizes all read-modify-write sequences per account before
// touching the store, so implementations only need each individual call to
// be atomic. Two hard requirements beyond that: Apply commits the account
// update and its provenance event together or not at all, and the unique
// index behind it must reject a second credit_purchase event for the same
// ExternalPaymentID with ErrDuplicateEvent.
type Store interface {
	// GetAccount returns the account or ErrAccountNotFound.
	GetAccount(ctx context.Context, id string) (*Account, error)

	// CreateAccount inserts a new account. Returns ErrDuplicateEvent-free
	// semantics: creating an existing account is an error.
	CreateAccount(ctx context.Context, a *Account) error

	// Apply atomically persists the mutated account counters together
	// with the billing event that explains them. On any failure neither
	// write survives; the event log and the balance never diverge.
	Apply(ctx context.Context, a *Account, e *BillingEvent) error

	// FindPaymentEvent looks up the credit_purchase event for a payment
	// id regardless of its status, or ErrEventNotFound. A refunded
	// purchase still counts as processed for deduplication.
	FindPaymentEvent(ctx context.Context, paymentID string) (*BillingEvent, error)

	// MarkPaymentRefunded flips the completed credit_purchase event for
	// paymentID to refunded and records the refund deduction event id in
	// its metadata. The event's amount is never rewritten. Returns
	// ErrEventNotFound when no completed purchase exists for the id.
	MarkPaymentRefunded(ctx context.Context, paymentID, refundEventID string) error

	// ListAccountIDs returns every known account id. Used by the balance
	// mirror for periodic resync; advisory, never gates correctness.
	ListAccountIDs(ctx context.Context) ([]string, error)
}
