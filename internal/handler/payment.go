package handler

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/matthewbaird/rentledger/internal/ledger"
	"github.com/matthewbaird/rentledger/internal/reconcile"
)

// PaymentHandler implements HTTP handlers for landlord-side payments.
type PaymentHandler struct {
	processor *reconcile.Processor
	log       logrus.FieldLogger
}

// NewPaymentHandler creates a new PaymentHandler.
func NewPaymentHandler(p *reconcile.Processor, log logrus.FieldLogger) *PaymentHandler {
	return &PaymentHandler{processor: p, log: log.WithField("handler", "payment")}
}

type recordPaymentRequest struct {
	LeaseID     string          `json:"lease_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency,omitempty"`
	PaymentDate *Date           `json:"payment_date,omitempty"`
	Method      string          `json:"method,omitempty"`
}

// RecordManualPayment logs an offline payment.
// POST /v1/payments
func (h *PaymentHandler) RecordManualPayment(w http.ResponseWriter, r *http.Request) {
	audit, ok := parseAuditContext(w, r)
	if !ok {
		return
	}
	var req recordPaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	log := requestLog(h.log, r, audit)
	amount, err := cents("amount", req.Amount)
	if err != nil {
		writeStoreError(w, log, err)
		return
	}
	var date time.Time
	if req.PaymentDate != nil {
		date = req.PaymentDate.Time
	}
	p, err := h.processor.RecordManual(r.Context(), reconcile.ManualPayment{
		OrgID:       audit.OrgID,
		LeaseID:     req.LeaseID,
		AmountCents: amount,
		Currency:    req.Currency,
		PaymentDate: date,
		Method:      ledger.PaymentMethod(req.Method),
		Actor:       audit.Actor,
	})
	if err != nil {
		writeStoreError(w, log, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

type paymentIntentRequest struct {
	LeaseID  string          `json:"lease_id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency,omitempty"`
}

// CreatePaymentIntent pre-creates a pending online payment. The returned id
// goes into the gateway metadata as payment_id.
// POST /v1/payments/intents
func (h *PaymentHandler) CreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	audit, ok := parseAuditContext(w, r)
	if !ok {
		return
	}
	var req paymentIntentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	log := requestLog(h.log, r, audit)
	amount, err := cents("amount", req.Amount)
	if err != nil {
		writeStoreError(w, log, err)
		return
	}
	p, err := h.processor.CreatePending(r.Context(), reconcile.PendingPayment{
		OrgID:       audit.OrgID,
		LeaseID:     req.LeaseID,
		AmountCents: amount,
		Currency:    req.Currency,
		Actor:       audit.Actor,
	})
	if err != nil {
		writeStoreError(w, log, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}
