package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/matthewbaird/rentledger/internal/ledger"
	"github.com/matthewbaird/rentledger/internal/metrics"
	"github.com/matthewbaird/rentledger/internal/reconcile"
	"github.com/matthewbaird/rentledger/internal/webhook"
)

// WebhookHandler receives payment gateway events. It is not org-scoped: the
// organization comes from the payment the event refers to.
type WebhookHandler struct {
	verifier  *webhook.Verifier
	guard     webhook.Guard
	processor *reconcile.Processor
	log       logrus.FieldLogger
	metrics   *metrics.Metrics
}

// NewWebhookHandler creates a new WebhookHandler. A nil guard disables
// delivery deduplication.
func NewWebhookHandler(v *webhook.Verifier, g webhook.Guard, p *reconcile.Processor, log logrus.FieldLogger, m *metrics.Metrics) *WebhookHandler {
	if g == nil {
		g = webhook.NopGuard{}
	}
	return &WebhookHandler{
		verifier:  v,
		guard:     g,
		processor: p,
		log:       log.WithField("handler", "webhook"),
		metrics:   m,
	}
}

// CodeDeliveryInProgress answers a redelivery that overlaps a running one.
const CodeDeliveryInProgress = "DELIVERY_IN_PROGRESS"

const retryAfterSeconds = "5"

type webhookResponse struct {
	Received  bool              `json:"received"`
	Duplicate bool              `json:"duplicate"`
	Result    *reconcile.Result `json:"result,omitempty"`
}

// HandlePaymentEvent verifies, parses and reconciles one delivery.
// POST /v1/webhooks/payments
func (h *WebhookHandler) HandlePaymentEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.reject(w, "body", ledger.Invalidf("reading body: %v", err))
		return
	}
	if err := h.verifier.Verify(r.Header.Get(webhook.SignatureHeader), body); err != nil {
		h.reject(w, "signature", err)
		return
	}
	evt, err := webhook.Parse(body)
	if err != nil {
		h.reject(w, "malformed", err)
		return
	}

	ctx := r.Context()
	log := h.log.WithFields(logrus.Fields{"event_id": evt.ID, "event_type": evt.Type})

	delivery, err := h.guard.Acquire(ctx, evt.ID)
	if err != nil {
		log.WithError(err).Warn("delivery guard unavailable, processing without it")
		delivery = webhook.DeliveryAcquired
	}
	switch delivery {
	case webhook.DeliveryDone:
		log.Info("delivery already applied")
		writeJSON(w, http.StatusOK, webhookResponse{Received: true, Duplicate: true})
		return
	case webhook.DeliveryInFlight:
		log.Info("delivery in progress, asking the gateway to retry")
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeError(w, http.StatusConflict, CodeDeliveryInProgress, "event is being processed; retry later")
		return
	}

	res, err := h.processor.Reconcile(ctx, evt)
	if err != nil {
		if rerr := h.guard.Release(ctx, evt.ID); rerr != nil {
			log.WithError(rerr).Warn("failed to release delivery guard")
		}
		writeStoreError(w, log, err)
		return
	}
	if cerr := h.guard.Complete(ctx, evt.ID); cerr != nil {
		log.WithError(cerr).Warn("failed to mark delivery done")
	}
	writeJSON(w, http.StatusOK, webhookResponse{Received: true, Duplicate: res.Duplicate, Result: res})
}

func (h *WebhookHandler) reject(w http.ResponseWriter, reason string, err error) {
	h.metrics.WebhooksRejected.WithLabelValues(reason).Inc()
	log := h.log.WithField("reason", reason)
	if errors.Is(err, ledger.ErrVerification) {
		log.WithError(err).Warn("webhook signature rejected")
	} else {
		log.WithError(err).Info("webhook rejected")
	}
	writeStoreError(w, log, err)
}
