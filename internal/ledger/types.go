package ledger

import "time"

// Balance is the triplet of credit counters kept per account. All amounts
// are whole credits; one credit buys one generation request.
type Balance struct {
	CreditsRemaining     int64 `json:"credits_remaining"`
	CreditsUsedThisMonth int64 `json:"credits_used_this_month"`
	LifetimeCreditsUsed  int64 `json:"lifetime_credits_used"`
}

// Account is a billable entity. Created on first identity sync, mutated
// exclusively through Ledger operations, never deleted here.
type Account struct {
	ID        string    `json:"id"`
	Balance   Balance   `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventType tags a billing event with the operation that produced it.
type EventType string

const (
	EventDebit           EventType = "debit"
	EventCredit          EventType = "credit"
	EventCreditPurchase  EventType = "credit_purchase"
	EventRefundDeduction EventType = "refund_deduction"
)

// EventStatus is the bounded status of a billing event. Events are append-
// only: the only permitted mutation is completed→refunded, and that appends
// provenance to Metadata rather than rewriting Amount.
type EventStatus string

const (
	EventStatusCompleted EventStatus = "completed"
	EventStatusRefunded  EventStatus = "refunded"
)

// Metadata keys allowed on billing events. Payloads are a fixed-key map per
// event type rather than free-form JSON so records cannot silently drift.
const (
	MetaReason          = "reason"
	MetaRequestedAmount = "requested_amount"
	MetaActualDeducted  = "actual_deducted"
	MetaRefundedFrom    = "refunded_from"
)

// BillingEvent is one append-only ledger record. Amount is signed: credits
// are positive, debits negative. ExternalPaymentID is set only on
// credit_purchase events and is unique per purchase; it is the
// sole deduplication key for payment webhooks.
type BillingEvent struct {
	ID                string            `json:"id"`
	AccountID         string            `json:"account_id"`
	Type              EventType         `json:"type"`
	Amount            int64             `json:"amount"`
	Currency          string            `json:"currency,omitempty"`
	ExternalPaymentID string            `json:"external_payment_id,omitempty"`
	Status            EventStatus       `json:"status"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}
