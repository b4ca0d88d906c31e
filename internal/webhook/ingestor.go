// Package webhook consumes payment-provider events and drives the ledger.
//
// The payment provider delivers events at-least-once: retries, redeliveries
// and concurrent deliveries of the same event are all normal operation. The
// ingestor therefore leans entirely on the ledger's payment idempotency:
// a redelivered purchase credits nothing and still returns success, which
// is exactly what tells the provider to stop retrying.
//
// Signature verification belongs to the edge that terminates TLS for the
// provider; when a signing secret is configured the ingestor verifies as a
// second line, otherwise it trusts the upstream and parses the payload
// directly.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/mockforge/engine/internal/ledger"
)

// Event types the ingestor acts on. Everything else is acknowledged and
// dropped so the provider does not retry events we will never handle.
const (
	eventPaymentSucceeded = "invoice.payment_succeeded"
	eventChargeRefunded   = "charge.refunded"
)

// ErrMalformedEvent means the payload was missing the metadata the billing
// flow attaches at checkout (account id, credit amount, payment id).
var ErrMalformedEvent = errors.New("malformed webhook event")

// CreditLedger is the slice of the ledger the ingestor drives.
type CreditLedger interface {
	CreditFromPayment(ctx context.Context, accountID, paymentID string, amount int64, currency string) (ledger.PaymentResult, error)
	DebitForRefund(ctx context.Context, accountID string, amount int64, paymentID string) (ledger.RefundResult, error)
}

// Outcome reports what Ingest did, for the HTTP response and logs.
type Outcome struct {
	Handled          bool           `json:"handled"`
	AlreadyProcessed bool           `json:"already_processed"`
	Balance          ledger.Balance `json:"balance"`

	// RequestedAmount/ActualDeducted are set on refunds; they differ when
	// the deduction was clamped to the available balance.
	RequestedAmount int64 `json:"requested_amount,omitempty"`
	ActualDeducted  int64 `json:"actual_deducted,omitempty"`
}

// Ingestor applies payment events to the ledger.
type Ingestor struct {
	credits       CreditLedger
	signingSecret string
	log           zerolog.Logger
}

// NewIngestor creates an Ingestor. signingSecret may be empty when the
// upstream edge already verified the provider signature.
func NewIngestor(credits CreditLedger, signingSecret string, logger zerolog.Logger) *Ingestor {
	return &Ingestor{
		credits:       credits,
		signingSecret: signingSecret,
		log:           logger.With().Str("component", "webhook_ingestor").Logger(),
	}
}

// ParseEvent turns a raw request body into a provider event, verifying the
// signature when a secret is configured.
func (i *Ingestor) ParseEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	if i.signingSecret != "" {
		event, err := stripewebhook.ConstructEvent(payload, sigHeader, i.signingSecret)
		if err != nil {
			return stripe.Event{}, fmt.Errorf("signature verification failed: %w", err)
		}
		return event, nil
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return event, nil
}

// Ingest applies one event. Safe to invoke concurrently and repeatedly for
// the same payment id; the outcome is identical on every delivery.
func (i *Ingestor) Ingest(ctx context.Context, event stripe.Event) (Outcome, error) {
	switch string(event.Type) {
	case eventPaymentSucceeded:
		return i.ingestPurchase(ctx, event)
	case eventChargeRefunded:
		return i.ingestRefund(ctx, event)
	default:
		i.log.Debug().
			Str("event_type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("ignoring unhandled event type")
		return Outcome{}, nil
	}
}

func (i *Ingestor) ingestPurchase(ctx context.Context, event stripe.Event) (Outcome, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return Outcome{}, fmt.Errorf("%w: invoice payload: %v", ErrMalformedEvent, err)
	}

	accountID, creditAmount, err := billingMetadata(inv.Metadata)
	if err != nil {
		return Outcome{}, err
	}

	// The payment id from checkout metadata is the dedup key; the invoice
	// id is the fallback so a provider misconfiguration cannot produce
	// unkeyed credits.
	paymentID := inv.Metadata["payment_id"]
	if paymentID == "" {
		paymentID = inv.ID
	}
	if paymentID == "" {
		return Outcome{}, fmt.Errorf("%w: no payment id", ErrMalformedEvent)
	}

	res, err := i.credits.CreditFromPayment(ctx, accountID, paymentID, creditAmount, string(inv.Currency))
	if err != nil {
		return Outcome{}, fmt.Errorf("credit from payment: %w", err)
	}

	if res.AlreadyProcessed {
		i.log.Info().
			Str("event_id", event.ID).
			Str("payment_id", paymentID).
			Msg("duplicate purchase delivery acknowledged")
	} else {
		i.log.Info().
			Str("event_id", event.ID).
			Str("account_id", accountID).
			Str("payment_id", paymentID).
			Int64("credits", creditAmount).
			Int64("amount_paid", inv.AmountPaid).
			Str("currency", string(inv.Currency)).
			Msg("purchase credited")
	}

	return Outcome{
		Handled:          true,
		AlreadyProcessed: res.AlreadyProcessed,
		Balance:          res.Balance,
	}, nil
}

func (i *Ingestor) ingestRefund(ctx context.Context, event stripe.Event) (Outcome, error) {
	var ch stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
		return Outcome{}, fmt.Errorf("%w: charge payload: %v", ErrMalformedEvent, err)
	}

	accountID, creditAmount, err := billingMetadata(ch.Metadata)
	if err != nil {
		return Outcome{}, err
	}

	// Checkout propagates payment_id onto the charge; when present the
	// ledger marks the original purchase event refunded. Optional, since
	// older charges predate the metadata.
	paymentID := ch.Metadata["payment_id"]

	res, err := i.credits.DebitForRefund(ctx, accountID, creditAmount, paymentID)
	if err != nil {
		return Outcome{}, fmt.Errorf("debit for refund: %w", err)
	}

	logEvt := i.log.Info()
	if res.ActualDeducted < creditAmount {
		logEvt = i.log.Warn()
	}
	logEvt.
		Str("event_id", event.ID).
		Str("account_id", accountID).
		Int64("requested", creditAmount).
		Int64("actual_deducted", res.ActualDeducted).
		Msg("refund deduction applied")

	return Outcome{
		Handled:         true,
		Balance:         res.Balance,
		RequestedAmount: creditAmount,
		ActualDeducted:  res.ActualDeducted,
	}, nil
}

// billingMetadata extracts the account id and credit amount attached by
// the checkout flow.
func billingMetadata(meta map[string]string) (string, int64, error) {
	accountID := meta["account_id"]
	if accountID == "" {
		return "", 0, fmt.Errorf("%w: no account_id in metadata", ErrMalformedEvent)
	}

	raw := meta["credit_amount"]
	if raw == "" {
		return "", 0, fmt.Errorf("%w: no credit_amount in metadata", ErrMalformedEvent)
	}
	amount, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || amount <= 0 {
		return "", 0, fmt.Errorf("%w: bad credit_amount %q", ErrMalformedEvent, raw)
	}

	return accountID, amount, nil
}
