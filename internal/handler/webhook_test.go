package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewbaird/rentledger/internal/ledger"
	"github.com/matthewbaird/rentledger/internal/ledger/ledgertest"
	"github.com/matthewbaird/rentledger/internal/metrics"
	"github.com/matthewbaird/rentledger/internal/reconcile"
	"github.com/matthewbaird/rentledger/internal/webhook"
)

type memGuard struct {
	mu       sync.Mutex
	keys     map[string]webhook.Delivery
	released []string
}

func (g *memGuard) Acquire(_ context.Context, id string) (webhook.Delivery, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d, ok := g.keys[id]; ok {
		return d, nil
	}
	g.keys[id] = webhook.DeliveryInFlight
	return webhook.DeliveryAcquired, nil
}

func (g *memGuard) Complete(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.keys[id] = webhook.DeliveryDone
	return nil
}

func (g *memGuard) Release(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, id)
	g.released = append(g.released, id)
	return nil
}

func postWebhook(h *WebhookHandler, body []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/payments", bytes.NewReader(body))
	req.Header.Set(webhook.SignatureHeader, sig)
	rec := httptest.NewRecorder()
	h.HandlePaymentEvent(rec, req)
	return rec
}

func TestWebhookHandler_Guard(t *testing.T) {
	store := ledgertest.New(t)
	fx := ledgertest.Seed(t, store, 100000)
	l := fx.Lease(t, store, fx.Property, fx.Tenant, ledger.LeaseActive, ledgertest.Date(2024, time.January, 1), ledgertest.Date(2024, time.December, 31))

	logger, _ := test.NewNullLogger()
	m := metrics.New(nil)
	guard := &memGuard{keys: map[string]webhook.Delivery{}}
	h := NewWebhookHandler(webhook.NewVerifier("s3cret", time.Minute), guard, reconcile.NewProcessor(store, nil, logger, m), logger, m)

	sign := func(b []byte) string { return webhook.Sign("s3cret", time.Now(), b) }

	t.Run("failed processing releases the key", func(t *testing.T) {
		body := []byte(`{"id":"evt_unknown","type":"payment.succeeded","data":{"transaction_id":"txn_x","amount":"10.00","metadata":{"payment_id":"00000000-0000-0000-0000-000000000000"}}}`)
		rec := postWebhook(h, body, sign(body))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), ledger.CodeUnknownPayment)
		assert.Equal(t, []string{"evt_unknown"}, guard.released)
	})

	paymentEvent := func(t *testing.T, eventID, txnID string) []byte {
		t.Helper()
		payment, err := reconcile.NewProcessor(store, nil, logger, m).CreatePending(context.Background(), reconcile.PendingPayment{
			OrgID: fx.Org.ID, LeaseID: l.ID, AmountCents: 100000, Actor: fx.Landlord.ID,
		})
		require.NoError(t, err)
		body, err := json.Marshal(map[string]any{
			"id":   eventID,
			"type": webhook.EventPaymentSucceeded,
			"data": map[string]any{
				"transaction_id": txnID,
				"amount":         1000,
				"metadata":       map[string]string{"payment_id": payment.ID},
			},
		})
		require.NoError(t, err)
		return body
	}

	t.Run("redelivery of an applied event is a duplicate", func(t *testing.T) {
		body := paymentEvent(t, "evt_ok", "txn_ok")

		rec := postWebhook(h, body, sign(body))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp webhookResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Duplicate)
		require.NotNil(t, resp.Result)
		assert.Equal(t, webhook.DeliveryDone, guard.keys["evt_ok"])

		rec = postWebhook(h, body, sign(body))
		require.Equal(t, http.StatusOK, rec.Code)
		resp = webhookResponse{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Duplicate)
		assert.Nil(t, resp.Result, "store was not consulted")
	})

	t.Run("redelivery while the first is still running is retried", func(t *testing.T) {
		body := paymentEvent(t, "evt_busy", "txn_busy")
		guard.keys["evt_busy"] = webhook.DeliveryInFlight

		rec := postWebhook(h, body, sign(body))
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "5", rec.Header().Get("Retry-After"))
		assert.Contains(t, rec.Body.String(), CodeDeliveryInProgress)
		_, err := store.FindPaymentByTransaction(context.Background(), "txn_busy")
		assert.ErrorIs(t, err, ledger.ErrNotFound, "payment must still be pending")

		// The first attempt fails and frees the key; the gateway's retry applies it.
		require.NoError(t, guard.Release(context.Background(), "evt_busy"))
		rec = postWebhook(h, body, sign(body))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp webhookResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Duplicate)
		require.NotNil(t, resp.Result)
	})

	t.Run("malformed body", func(t *testing.T) {
		body := []byte(`{"id":"evt_bad"`)
		rec := postWebhook(h, body, sign(body))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.WebhooksRejected.WithLabelValues("malformed")))
	})

	t.Run("missing signature", func(t *testing.T) {
		body := []byte(`{}`)
		rec := postWebhook(h, body, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), ledger.CodeInvalidSignature)
	})
}
