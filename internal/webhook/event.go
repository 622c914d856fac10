package webhook

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/matthewbaird/rentledger/internal/ledger"
	"github.com/matthewbaird/rentledger/internal/types"
)

// EventPaymentSucceeded is the only event type that changes state. Others
// are acknowledged and ignored.
const EventPaymentSucceeded = "payment.succeeded"

// PaymentEvent is a gateway callback.
type PaymentEvent struct {
	ID   string      `json:"id"`
	Type string      `json:"type"`
	Data PaymentData `json:"data"`
}

// PaymentData is the charge the event describes.
type PaymentData struct {
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Metadata      Metadata        `json:"metadata"`
}

// Metadata is what we attached when creating the payment intent. PaymentID is
// the correlation id; the other three identify payments started outside
// this system.
type Metadata struct {
	PaymentID      string `json:"payment_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	LeaseID        string `json:"lease_id,omitempty"`
	TenantID       string `json:"tenant_id,omitempty"`
}

// Correlated reports whether the event names a pre-created payment.
func (m Metadata) Correlated() bool { return m.PaymentID != "" }

// Parse decodes and validates a callback body.
func Parse(body []byte) (*PaymentEvent, error) {
	var evt PaymentEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, ledger.Invalidf("malformed webhook body: %v", err)
	}
	if evt.ID == "" || evt.Type == "" {
		return nil, ledger.Invalidf("webhook event id and type are required")
	}
	if evt.Type != EventPaymentSucceeded {
		return &evt, nil
	}
	if evt.Data.TransactionID == "" {
		return nil, ledger.Invalidf("transaction_id is required")
	}
	m := evt.Data.Metadata
	if !m.Correlated() && (m.OrganizationID == "" || m.LeaseID == "" || m.TenantID == "") {
		return nil, ledger.Invalidf("metadata must carry payment_id, or organization_id, lease_id and tenant_id")
	}
	if _, err := evt.AmountCents(); err != nil {
		return nil, err
	}
	return &evt, nil
}

// Handled reports whether the event type changes state.
func (e *PaymentEvent) Handled() bool { return e.Type == EventPaymentSucceeded }

// AmountCents converts the gateway amount to cents.
func (e *PaymentEvent) AmountCents() (int64, error) {
	cents, err := types.CentsFromDecimal(e.Data.Amount)
	if err != nil {
		return 0, ledger.Invalidf("amount: %v", err)
	}
	if cents <= 0 {
		return 0, ledger.Invalidf("amount must be positive")
	}
	return cents, nil
}

// CurrencyOrDefault returns the event currency, defaulting to USD.
func (e *PaymentEvent) CurrencyOrDefault() string {
	if e.Data.Currency == "" {
		return types.DefaultCurrency
	}
	return e.Data.Currency
}
