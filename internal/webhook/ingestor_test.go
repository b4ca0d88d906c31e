package webhook_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mockforge/engine/internal/ledger"
	"github.com/mockforge/engine/internal/store/memory"
	"github.com/mockforge/engine/internal/webhook"
)

func newTestIngestor(t *testing.T) (*webhook.Ingestor, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(memory.NewLedgerStore(), zerolog.Nop())
	return webhook.NewIngestor(l, "", zerolog.Nop()), l
}

func paymentEvent(t *testing.T, invoiceID string, meta map[string]string) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{
		"id":          "evt_1",
		"type":        "invoice.payment_succeeded",
		"api_version": "2025-03-31",
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":          invoiceID,
				"amount_paid": 2900,
				"currency":    "usd",
				"metadata":    meta,
			},
		},
	})
	require.NoError(t, err)
	return data
}

func refundEvent(t *testing.T, meta map[string]string) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{
		"id":   "evt_2",
		"type": "charge.refunded",
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":       "ch_1",
				"refunded": true,
				"metadata": meta,
			},
		},
	})
	require.NoError(t, err)
	return data
}

func TestPurchaseCreditedOnce(t *testing.T) {
	ing, l := newTestIngestor(t)
	_, _, err := l.EnsureAccount(context.Background(), "acct-1")
	require.NoError(t, err)

	payload := paymentEvent(t, "in_1", map[string]string{
		"account_id":    "acct-1",
		"credit_amount": "100",
		"payment_id":    "pay_123",
	})

	event, err := ing.ParseEvent(payload, "")
	require.NoError(t, err)

	out, err := ing.Ingest(context.Background(), event)
	require.NoError(t, err)
	assert.True(t, out.Handled)
	assert.False(t, out.AlreadyProcessed)
	assert.Equal(t, int64(100), out.Balance.CreditsRemaining)

	// Provider retries the delivery: acknowledged, nothing credited twice.
	out, err = ing.Ingest(context.Background(), event)
	require.NoError(t, err)
	assert.True(t, out.Handled)
	assert.True(t, out.AlreadyProcessed)
	assert.Equal(t, int64(100), out.Balance.CreditsRemaining)

	b, err := l.GetBalance(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.CreditsRemaining)
}

func TestPurchaseFallsBackToInvoiceID(t *testing.T) {
	ing, l := newTestIngestor(t)
	_, _, err := l.EnsureAccount(context.Background(), "acct-1")
	require.NoError(t, err)

	// No payment_id in metadata; the invoice id keys the dedup instead.
	payload := paymentEvent(t, "in_77", map[string]string{
		"account_id":    "acct-1",
		"credit_amount": "50",
	})
	event, err := ing.ParseEvent(payload, "")
	require.NoError(t, err)

	out, err := ing.Ingest(context.Background(), event)
	require.NoError(t, err)
	assert.False(t, out.AlreadyProcessed)

	out, err = ing.Ingest(context.Background(), event)
	require.NoError(t, err)
	assert.True(t, out.AlreadyProcessed)
	assert.Equal(t, int64(50), out.Balance.CreditsRemaining)
}

func TestRefundClampedToBalance(t *testing.T) {
	ing, l := newTestIngestor(t)
	_, _, err := l.EnsureAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	_, err = l.Credit(context.Background(), "acct-1", 30, "seed")
	require.NoError(t, err)

	payload := refundEvent(t, map[string]string{
		"account_id":    "acct-1",
		"credit_amount": "50",
	})
	event, err := ing.ParseEvent(payload, "")
	require.NoError(t, err)

	out, err := ing.Ingest(context.Background(), event)
	require.NoError(t, err)
	assert.True(t, out.Handled)
	assert.Equal(t, int64(50), out.RequestedAmount)
	assert.Equal(t, int64(30), out.ActualDeducted)
	assert.Equal(t, int64(0), out.Balance.CreditsRemaining)
}

func TestRefundMarksPurchaseRefunded(t *testing.T) {
	store := memory.NewLedgerStore()
	l := ledger.New(store, zerolog.Nop())
	ing := webhook.NewIngestor(l, "", zerolog.Nop())

	_, _, err := l.EnsureAccount(context.Background(), "acct-1")
	require.NoError(t, err)

	payload := paymentEvent(t, "in_1", map[string]string{
		"account_id":    "acct-1",
		"credit_amount": "80",
		"payment_id":    "pay_55",
	})
	purchase, err := ing.ParseEvent(payload, "")
	require.NoError(t, err)
	_, err = ing.Ingest(context.Background(), purchase)
	require.NoError(t, err)

	refund := refundEvent(t, map[string]string{
		"account_id":    "acct-1",
		"credit_amount": "80",
		"payment_id":    "pay_55",
	})
	event, err := ing.ParseEvent(refund, "")
	require.NoError(t, err)

	out, err := ing.Ingest(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, int64(80), out.ActualDeducted)
	assert.Equal(t, int64(0), out.Balance.CreditsRemaining)

	// The purchase event carries the refund provenance now.
	pe, err := store.FindPaymentEvent(context.Background(), "pay_55")
	require.NoError(t, err)
	assert.Equal(t, ledger.EventStatusRefunded, pe.Status)
	assert.NotEmpty(t, pe.Metadata[ledger.MetaRefundedFrom])

	// A late redelivery of the original purchase stays a no-op.
	out, err = ing.Ingest(context.Background(), purchase)
	require.NoError(t, err)
	assert.True(t, out.AlreadyProcessed)
	assert.Equal(t, int64(0), out.Balance.CreditsRemaining)
}

func TestMalformedMetadataRejected(t *testing.T) {
	ing, _ := newTestIngestor(t)

	cases := []struct {
		name string
		meta map[string]string
	}{
		{"missing account_id", map[string]string{"credit_amount": "100"}},
		{"missing credit_amount", map[string]string{"account_id": "acct-1"}},
		{"non-numeric credit_amount", map[string]string{"account_id": "acct-1", "credit_amount": "lots"}},
		{"zero credit_amount", map[string]string{"account_id": "acct-1", "credit_amount": "0"}},
		{"negative credit_amount", map[string]string{"account_id": "acct-1", "credit_amount": "-5"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			event, err := ing.ParseEvent(paymentEvent(t, "in_1", tc.meta), "")
			require.NoError(t, err)

			_, err = ing.Ingest(context.Background(), event)
			assert.ErrorIs(t, err, webhook.ErrMalformedEvent)
		})
	}
}

func TestUnhandledEventTypesIgnored(t *testing.T) {
	ing, _ := newTestIngestor(t)

	payload := []byte(`{"id":"evt_9","type":"customer.subscription.updated","data":{"object":{}}}`)
	event, err := ing.ParseEvent(payload, "")
	require.NoError(t, err)

	out, err := ing.Ingest(context.Background(), event)
	require.NoError(t, err)
	assert.False(t, out.Handled)
}

func TestParseEventRejectsGarbage(t *testing.T) {
	ing, _ := newTestIngestor(t)
	_, err := ing.ParseEvent([]byte("not json"), "")
	assert.ErrorIs(t, err, webhook.ErrMalformedEvent)
}

func TestParseEventVerifiesSignatureWhenConfigured(t *testing.T) {
	l := ledger.New(memory.NewLedgerStore(), zerolog.Nop())
	ing := webhook.NewIngestor(l, "whsec_test", zerolog.Nop())

	payload := paymentEvent(t, "in_1", map[string]string{
		"account_id":    "acct-1",
		"credit_amount": "100",
	})

	_, err := ing.ParseEvent(payload, "t=1,v1=deadbeef")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature verification failed")
}

func TestIngestPropagatesLedgerErrors(t *testing.T) {
	ing, _ := newTestIngestor(t)

	// Account never created.
	payload := paymentEvent(t, "in_1", map[string]string{
		"account_id":    "ghost",
		"credit_amount": "100",
		"payment_id":    "pay_9",
	})
	event, err := ing.ParseEvent(payload, "")
	require.NoError(t, err)

	_, err = ing.Ingest(context.Background(), event)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func ExampleIngestor_Ingest() {
	l := ledger.New(memory.NewLedgerStore(), zerolog.Nop())
	l.EnsureAccount(context.Background(), "acct-1")
	ing := webhook.NewIngestor(l, "", zerolog.Nop())

	payload := []byte(`{
		"id": "evt_1",
		"type": "invoice.payment_succeeded",
		"data": {"object": {
			"id": "in_1",
			"currency": "usd",
			"metadata": {"account_id": "acct-1", "credit_amount": "100", "payment_id": "pay_123"}
		}}
	}`)

	event, _ := ing.ParseEvent(payload, "")
	out, _ := ing.Ingest(context.Background(), event)
	fmt.Println(out.Balance.CreditsRemaining, out.AlreadyProcessed)
	// Output: 100 false
}
