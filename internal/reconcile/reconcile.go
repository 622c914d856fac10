// Package reconcile applies settled gateway payments to the ledger. Every
// operation is safe to repeat: a payment completes at most once and a gateway
// transaction id is applied to at most one payment.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matthewbaird/rentledger/internal/event"
	"github.com/matthewbaird/rentledger/internal/ledger"
	"github.com/matthewbaird/rentledger/internal/metrics"
	"github.com/matthewbaird/rentledger/internal/types"
	"github.com/matthewbaird/rentledger/internal/webhook"
)

// Result describes what a reconciliation did.
type Result struct {
	Payment *ledger.Payment `json:"payment,omitempty"`
	// Duplicate is set when the event had already been applied.
	Duplicate bool `json:"duplicate"`
	// Constructed is set when the payment was created from the event.
	Constructed bool `json:"constructed"`
	// Ignored is set for event types that carry no state change.
	Ignored bool `json:"ignored"`
	// AmountMismatch is set when the gateway amount differs from the
	// recorded one. The recorded amount is what is applied.
	AmountMismatch bool `json:"amount_mismatch"`
}

// ManualPayment is an offline payment logged by a landlord.
type ManualPayment struct {
	OrgID       string
	LeaseID     string
	AmountCents int64
	Currency    string
	PaymentDate time.Time // zero means now
	Method      ledger.PaymentMethod
	Actor       string
}

// PendingPayment is an online payment about to be handed to the gateway.
type PendingPayment struct {
	OrgID       string
	LeaseID     string
	AmountCents int64
	Currency    string
	Actor       string
}

// Processor reconciles payments.
type Processor struct {
	store   ledger.Store
	rec     event.Recorder
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewProcessor creates a Processor.
func NewProcessor(store ledger.Store, rec event.Recorder, log logrus.FieldLogger, m *metrics.Metrics) *Processor {
	return &Processor{
		store:   store,
		rec:     rec,
		log:     log.WithField("component", "reconcile"),
		metrics: m,
		now:     time.Now,
	}
}

// Reconcile applies a verified gateway event.
func (p *Processor) Reconcile(ctx context.Context, evt *webhook.PaymentEvent) (*Result, error) {
	log := p.log.WithFields(logrus.Fields{
		"webhook_event_id": evt.ID,
		"transaction_id":   evt.Data.TransactionID,
	})
	if !evt.Handled() {
		p.count("ignored")
		log.WithField("type", evt.Type).Debug("ignoring webhook event type")
		return &Result{Ignored: true}, nil
	}
	amount, err := evt.AmountCents()
	if err != nil {
		return nil, err
	}

	var res *Result
	if evt.Data.Metadata.Correlated() {
		res, err = p.reconcileCorrelated(ctx, log, evt, amount)
	} else {
		res, err = p.reconcileConstructed(ctx, log, evt, amount)
	}
	if err != nil {
		return nil, err
	}
	if res.Duplicate {
		p.count("duplicate")
		log.Info("webhook already applied")
		return res, nil
	}
	p.count("applied")
	log.WithField("payment_id", res.Payment.ID).Info("payment reconciled")
	event.Emit(ctx, p.rec, log, event.NewPaymentReconciled(event.PaymentReconciledPayload{
		OrganizationID: res.Payment.OrganizationID,
		PaymentID:      res.Payment.ID,
		LeaseID:        res.Payment.LeaseID,
		PropertyID:     res.Payment.PropertyID,
		TenantID:       res.Payment.TenantID,
		TransactionID:  evt.Data.TransactionID,
		Amount:         types.Money{AmountCents: res.Payment.AmountCents, Currency: res.Payment.Currency},
		GatewayAmount:  types.Money{AmountCents: amount, Currency: evt.CurrencyOrDefault()},
		AmountMismatch: res.AmountMismatch,
		Constructed:    res.Constructed,
	}))
	return res, nil
}

func (p *Processor) reconcileCorrelated(ctx context.Context, log logrus.FieldLogger, evt *webhook.PaymentEvent, amount int64) (*Result, error) {
	paymentID := evt.Data.Metadata.PaymentID
	log = log.WithField("payment_id", paymentID)

	payment, err := p.store.FindPaymentForEvent(ctx, paymentID)
	if errors.Is(err, ledger.ErrNotFound) {
		p.count("inconsistent")
		log.Error("webhook references unknown payment")
		return nil, ledger.Inconsistentf(ledger.CodeUnknownPayment, "webhook %s references unknown payment %s", evt.ID, paymentID)
	}
	if err != nil {
		return nil, err
	}
	if field, ok := checkMetadata(evt.Data.Metadata, payment); !ok {
		p.count("inconsistent")
		log.WithField("field", field).Error("webhook metadata disagrees with the payment it references")
		return nil, ledger.Inconsistentf(ledger.CodeMetadataMismatch,
			"webhook %s: %s does not match payment %s", evt.ID, field, payment.ID)
	}
	if payment.Status == ledger.PaymentCompleted {
		return &Result{Payment: payment, Duplicate: true}, nil
	}

	now := p.now().UTC()
	applied := false
	err = p.store.InTx(ctx, func(tx ledger.Repo) error {
		var err error
		applied, err = tx.CompletePayment(ctx, payment.OrganizationID, payment.ID, evt.Data.TransactionID, now)
		if err != nil || !applied {
			return err
		}
		return tx.AdjustLeaseBalance(ctx, payment.OrganizationID, payment.LeaseID, -payment.AmountCents, now)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			p.conflict(ctx, log, payment.OrganizationID, payment.ID, payment.LeaseID, evt.Data.TransactionID)
		}
		return nil, fmt.Errorf("reconcile payment %s: %w", payment.ID, err)
	}
	if !applied {
		// A concurrent delivery completed it between the read and the write.
		return &Result{Payment: payment, Duplicate: true}, nil
	}

	txn := evt.Data.TransactionID
	payment.Status = ledger.PaymentCompleted
	payment.TransactionID = &txn
	payment.UpdatedAt = now
	mismatch := amount != payment.AmountCents
	if mismatch {
		log.WithFields(logrus.Fields{
			"recorded_cents": payment.AmountCents,
			"gateway_cents":  amount,
		}).Warn("gateway amount differs from recorded amount")
	}
	return &Result{Payment: payment, AmountMismatch: mismatch}, nil
}

// checkMetadata checks the optional ids an event carries next to the
// payment id. It returns the first field that disagrees.
func checkMetadata(meta webhook.Metadata, payment *ledger.Payment) (string, bool) {
	switch {
	case meta.OrganizationID != "" && meta.OrganizationID != payment.OrganizationID:
		return "organization_id", false
	case meta.LeaseID != "" && meta.LeaseID != payment.LeaseID:
		return "lease_id", false
	case meta.TenantID != "" && meta.TenantID != payment.TenantID:
		return "tenant_id", false
	}
	return "", true
}

// reconcileConstructed handles payments started outside this system. The
// gateway transaction id is the idempotency key.
func (p *Processor) reconcileConstructed(ctx context.Context, log logrus.FieldLogger, evt *webhook.PaymentEvent, amount int64) (*Result, error) {
	meta := evt.Data.Metadata
	txn := evt.Data.TransactionID

	existing, err := p.store.FindPaymentByTransaction(ctx, txn)
	if err == nil {
		return &Result{Payment: existing, Duplicate: true, Constructed: true}, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}

	now := p.now().UTC()
	payment := &ledger.Payment{
		OrganizationID: meta.OrganizationID,
		LeaseID:        meta.LeaseID,
		TenantID:       meta.TenantID,
		AmountCents:    amount,
		Currency:       evt.CurrencyOrDefault(),
		PaymentDate:    now,
		Method:         ledger.MethodOnline,
		Status:         ledger.PaymentCompleted,
		TransactionID:  &txn,
	}
	err = p.store.InTx(ctx, func(tx ledger.Repo) error {
		lease, err := tx.GetLease(ctx, meta.OrganizationID, meta.LeaseID)
		if err != nil {
			return err
		}
		if lease.TenantID != meta.TenantID {
			return ledger.Invalidf("tenant %s does not hold lease %s", meta.TenantID, meta.LeaseID)
		}
		payment.PropertyID = lease.PropertyID
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return err
		}
		return tx.AdjustLeaseBalance(ctx, lease.OrganizationID, lease.ID, -amount, now)
	})
	if errors.Is(err, ledger.ErrConflict) {
		// Lost the race to a concurrent delivery of the same transaction.
		existing, ferr := p.store.FindPaymentByTransaction(ctx, txn)
		if ferr != nil {
			return nil, fmt.Errorf("reconcile transaction %s: %w", txn, err)
		}
		return &Result{Payment: existing, Duplicate: true, Constructed: true}, nil
	}
	if errors.Is(err, ledger.ErrNotFound) {
		p.count("inconsistent")
		log.WithField("lease_id", meta.LeaseID).Error("webhook references unknown lease")
		return nil, ledger.Inconsistentf(ledger.CodeUnknownPayment, "webhook %s references unknown lease %s", evt.ID, meta.LeaseID)
	}
	if err != nil {
		return nil, fmt.Errorf("reconcile transaction %s: %w", txn, err)
	}
	return &Result{Payment: payment, Constructed: true}, nil
}

// RecordManual logs an offline payment as completed and applies it to the
// lease balance.
func (p *Processor) RecordManual(ctx context.Context, in ManualPayment) (*ledger.Payment, error) {
	if in.Method == "" {
		in.Method = ledger.MethodCash
	}
	if !in.Method.Valid() {
		return nil, ledger.Invalidf("unknown payment method %q", in.Method)
	}
	if err := validateAmount(in.OrgID, in.LeaseID, in.Actor, in.AmountCents); err != nil {
		return nil, err
	}
	now := p.now().UTC()
	date := in.PaymentDate
	if date.IsZero() {
		date = now
	}
	payment := &ledger.Payment{
		OrganizationID: in.OrgID,
		LeaseID:        in.LeaseID,
		AmountCents:    in.AmountCents,
		Currency:       currencyOrDefault(in.Currency),
		PaymentDate:    date.UTC(),
		Method:         in.Method,
		Status:         ledger.PaymentCompleted,
	}
	err := p.store.InTx(ctx, func(tx ledger.Repo) error {
		lease, err := tx.GetLease(ctx, in.OrgID, in.LeaseID)
		if err != nil {
			return err
		}
		payment.PropertyID = lease.PropertyID
		payment.TenantID = lease.TenantID
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return err
		}
		return tx.AdjustLeaseBalance(ctx, in.OrgID, in.LeaseID, -in.AmountCents, now)
	})
	if err != nil {
		return nil, fmt.Errorf("record payment: %w", err)
	}
	p.recorded(ctx, payment, in.Actor)
	return payment, nil
}

// CreatePending pre-creates an online payment. Its id is the correlation id
// handed to the gateway.
func (p *Processor) CreatePending(ctx context.Context, in PendingPayment) (*ledger.Payment, error) {
	if err := validateAmount(in.OrgID, in.LeaseID, in.Actor, in.AmountCents); err != nil {
		return nil, err
	}
	lease, err := p.store.GetLease(ctx, in.OrgID, in.LeaseID)
	if err != nil {
		return nil, err
	}
	payment := &ledger.Payment{
		OrganizationID: in.OrgID,
		PropertyID:     lease.PropertyID,
		LeaseID:        lease.ID,
		TenantID:       lease.TenantID,
		AmountCents:    in.AmountCents,
		Currency:       currencyOrDefault(in.Currency),
		PaymentDate:    p.now().UTC(),
		Method:         ledger.MethodOnline,
		Status:         ledger.PaymentPending,
	}
	if err := p.store.InsertPayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	p.recorded(ctx, payment, in.Actor)
	return payment, nil
}

func (p *Processor) recorded(ctx context.Context, payment *ledger.Payment, actor string) {
	log := p.log.WithFields(logrus.Fields{
		"organization_id": payment.OrganizationID,
		"payment_id":      payment.ID,
		"lease_id":        payment.LeaseID,
		"status":          payment.Status,
	})
	log.Info("payment recorded")
	event.Emit(ctx, p.rec, log, event.NewPaymentRecorded(event.PaymentRecordedPayload{
		OrganizationID: payment.OrganizationID,
		PaymentID:      payment.ID,
		LeaseID:        payment.LeaseID,
		PropertyID:     payment.PropertyID,
		TenantID:       payment.TenantID,
		Amount:         types.Money{AmountCents: payment.AmountCents, Currency: payment.Currency},
		Method:         string(payment.Method),
		Status:         string(payment.Status),
		Actor:          actor,
	}))
}

func (p *Processor) conflict(ctx context.Context, log logrus.FieldLogger, orgID, paymentID, leaseID, txn string) {
	p.count("conflict")
	log.Error("gateway transaction already applied to another payment")
	event.Emit(ctx, p.rec, log, event.NewPaymentConflict(event.PaymentConflictPayload{
		OrganizationID: orgID,
		PaymentID:      paymentID,
		LeaseID:        leaseID,
		TransactionID:  txn,
	}))
}

func (p *Processor) count(result string) {
	p.metrics.Reconciliations.WithLabelValues(result).Inc()
}

func validateAmount(orgID, leaseID, actor string, cents int64) error {
	if orgID == "" || leaseID == "" || actor == "" {
		return ledger.Invalidf("organization_id, lease_id and actor are required")
	}
	if cents <= 0 {
		return ledger.Invalidf("amount must be positive")
	}
	return nil
}

func currencyOrDefault(c string) string {
	if c == "" {
		return types.DefaultCurrency
	}
	return c
}
