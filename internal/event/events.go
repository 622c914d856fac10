package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/matthewbaird/rentledger/internal/types"
)

// DomainEvent carries the canonical shape of every domain event.
type DomainEvent struct {
	ID               string            `json:"id"`
	EventType        string            `json:"event_type"`
	OccurredAt       time.Time         `json:"occurred_at"`
	OrganizationID   string            `json:"organization_id"`
	Actor            string            `json:"actor"`
	AffectedEntities []types.SourceRef `json:"affected_entities"`
	Summary          string            `json:"summary"`
	Category         string            `json:"category"` // "lease", "application", "payment"
	Weight           string            `json:"weight"`   // "critical", "major", "minor", "info"
	Polarity         string            `json:"polarity"` // "positive", "negative", "neutral"
	Payload          json.RawMessage   `json:"payload"`
}

// Event types.
const (
	LeaseAssigned        = "lease_assigned"
	LeaseActivated       = "lease_activated"
	LeaseExpired         = "lease_expired"
	ApplicationSubmitted = "application_submitted"
	ApplicationApproved  = "application_approved"
	ApplicationRejected  = "application_rejected"
	PaymentRecorded      = "payment_recorded"
	PaymentReconciled    = "payment_reconciled"
	PaymentConflict      = "payment_conflict"
)

// SystemActor is the actor recorded for changes not made by a user.
const SystemActor = "system"

func newID() string { return uuid.New().String() }

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ── Lease events ─────────────────────────────────────────────────────────────

// LeaseAssignedPayload carries event-specific data for LeaseAssigned.
type LeaseAssignedPayload struct {
	OrganizationID  string      `json:"organization_id"`
	LeaseID         string      `json:"lease_id"`
	PropertyID      string      `json:"property_id"`
	TenantID        string      `json:"tenant_id"`
	ApplicationID   string      `json:"application_id,omitempty"`
	Status          string      `json:"status"`
	StartDate       time.Time   `json:"start_date"`
	EndDate         time.Time   `json:"end_date"`
	Rent            types.Money `json:"rent"`
	SecurityDeposit types.Money `json:"security_deposit"`
	Actor           string      `json:"actor"`
}

func NewLeaseAssigned(p LeaseAssignedPayload) DomainEvent {
	refs := []types.SourceRef{
		{EntityType: "lease", EntityID: p.LeaseID, Role: "subject"},
		{EntityType: "property", EntityID: p.PropertyID, Role: "context"},
		{EntityType: "tenant", EntityID: p.TenantID, Role: "related"},
	}
	if p.ApplicationID != "" {
		refs = append(refs, types.SourceRef{EntityType: "application", EntityID: p.ApplicationID, Role: "related"})
	}
	return DomainEvent{
		ID:               newID(),
		EventType:        LeaseAssigned,
		OccurredAt:       time.Now(),
		OrganizationID:   p.OrganizationID,
		Actor:            p.Actor,
		AffectedEntities: refs,
		Summary:          fmt.Sprintf("Lease %s assigned (%s) at %s", short(p.LeaseID), p.Status, p.Rent),
		Category:         "lease",
		Weight:           "major",
		Polarity:         "positive",
		Payload:          mustJSON(p),
	}
}

// LeaseStatusChangedPayload carries data for sweeper-driven lease transitions.
type LeaseStatusChangedPayload struct {
	OrganizationID string `json:"organization_id"`
	LeaseID        string `json:"lease_id"`
	PropertyID     string `json:"property_id"`
	TenantID       string `json:"tenant_id"`
	From           string `json:"from"`
	To             string `json:"to"`
}

func (p LeaseStatusChangedPayload) refs() []types.SourceRef {
	return []types.SourceRef{
		{EntityType: "lease", EntityID: p.LeaseID, Role: "subject"},
		{EntityType: "property", EntityID: p.PropertyID, Role: "context"},
		{EntityType: "tenant", EntityID: p.TenantID, Role: "related"},
	}
}

func NewLeaseActivated(p LeaseStatusChangedPayload) DomainEvent {
	return DomainEvent{
		ID:               newID(),
		EventType:        LeaseActivated,
		OccurredAt:       time.Now(),
		OrganizationID:   p.OrganizationID,
		Actor:            SystemActor,
		AffectedEntities: p.refs(),
		Summary:          fmt.Sprintf("Lease %s became active", short(p.LeaseID)),
		Category:         "lease",
		Weight:           "minor",
		Polarity:         "positive",
		Payload:          mustJSON(p),
	}
}

func NewLeaseExpired(p LeaseStatusChangedPayload) DomainEvent {
	return DomainEvent{
		ID:               newID(),
		EventType:        LeaseExpired,
		OccurredAt:       time.Now(),
		OrganizationID:   p.OrganizationID,
		Actor:            SystemActor,
		AffectedEntities: p.refs(),
		Summary:          fmt.Sprintf("Lease %s expired", short(p.LeaseID)),
		Category:         "lease",
		Weight:           "minor",
		Polarity:         "neutral",
		Payload:          mustJSON(p),
	}
}

// ── Application events ───────────────────────────────────────────────────────

// ApplicationSubmittedPayload carries event-specific data for ApplicationSubmitted.
type ApplicationSubmittedPayload struct {
	OrganizationID string `json:"organization_id"`
	ApplicationID  string `json:"application_id"`
	PropertyID     string `json:"property_id"`
	TenantID       string `json:"tenant_id"`
	LandlordID     string `json:"landlord_id"`
	Actor          string `json:"actor"`
}

func NewApplicationSubmitted(p ApplicationSubmittedPayload) DomainEvent {
	return DomainEvent{
		ID:             newID(),
		EventType:      ApplicationSubmitted,
		OccurredAt:     time.Now(),
		OrganizationID: p.OrganizationID,
		Actor:          p.Actor,
		AffectedEntities: []types.SourceRef{
			{EntityType: "application", EntityID: p.ApplicationID, Role: "subject"},
			{EntityType: "property", EntityID: p.PropertyID, Role: "context"},
			{EntityType: "tenant", EntityID: p.TenantID, Role: "related"},
		},
		Summary:  fmt.Sprintf("Application %s submitted", short(p.ApplicationID)),
		Category: "application",
		Weight:   "info",
		Polarity: "neutral",
		Payload:  mustJSON(p),
	}
}

// ApplicationDecidedPayload is shared by ApplicationApproved and ApplicationRejected.
// Tenant and property come from the application as it was before the decision.
type ApplicationDecidedPayload struct {
	OrganizationID string `json:"organization_id"`
	ApplicationID  string `json:"application_id"`
	PropertyID     string `json:"property_id"`
	TenantID       string `json:"tenant_id"`
	Decision       string `json:"decision"`
	LeaseID        string `json:"lease_id,omitempty"`
	Actor          string `json:"actor"`
}

func (p ApplicationDecidedPayload) refs() []types.SourceRef {
	refs := []types.SourceRef{
		{EntityType: "application", EntityID: p.ApplicationID, Role: "subject"},
		{EntityType: "property", EntityID: p.PropertyID, Role: "context"},
		{EntityType: "tenant", EntityID: p.TenantID, Role: "related"},
	}
	if p.LeaseID != "" {
		refs = append(refs, types.SourceRef{EntityType: "lease", EntityID: p.LeaseID, Role: "target"})
	}
	return refs
}

func NewApplicationApproved(p ApplicationDecidedPayload) DomainEvent {
	return DomainEvent{
		ID:               newID(),
		EventType:        ApplicationApproved,
		OccurredAt:       time.Now(),
		OrganizationID:   p.OrganizationID,
		Actor:            p.Actor,
		AffectedEntities: p.refs(),
		Summary:          fmt.Sprintf("Application %s approved", short(p.ApplicationID)),
		Category:         "application",
		Weight:           "major",
		Polarity:         "positive",
		Payload:          mustJSON(p),
	}
}

func NewApplicationRejected(p ApplicationDecidedPayload) DomainEvent {
	return DomainEvent{
		ID:               newID(),
		EventType:        ApplicationRejected,
		OccurredAt:       time.Now(),
		OrganizationID:   p.OrganizationID,
		Actor:            p.Actor,
		AffectedEntities: p.refs(),
		Summary:          fmt.Sprintf("Application %s rejected", short(p.ApplicationID)),
		Category:         "application",
		Weight:           "minor",
		Polarity:         "negative",
		Payload:          mustJSON(p),
	}
}

// ── Payment events ───────────────────────────────────────────────────────────

// PaymentRecordedPayload carries event-specific data for PaymentRecorded.
type PaymentRecordedPayload struct {
	OrganizationID string      `json:"organization_id"`
	PaymentID      string      `json:"payment_id"`
	LeaseID        string      `json:"lease_id"`
	PropertyID     string      `json:"property_id"`
	TenantID       string      `json:"tenant_id"`
	Amount         types.Money `json:"amount"`
	Method         string      `json:"method"`
	Status         string      `json:"status"`
	Actor          string      `json:"actor"`
}

func NewPaymentRecorded(p PaymentRecordedPayload) DomainEvent {
	return DomainEvent{
		ID:             newID(),
		EventType:      PaymentRecorded,
		OccurredAt:     time.Now(),
		OrganizationID: p.OrganizationID,
		Actor:          p.Actor,
		AffectedEntities: []types.SourceRef{
			{EntityType: "payment", EntityID: p.PaymentID, Role: "subject"},
			{EntityType: "lease", EntityID: p.LeaseID, Role: "target"},
			{EntityType: "tenant", EntityID: p.TenantID, Role: "related"},
		},
		Summary:  fmt.Sprintf("Payment of %s recorded (%s, %s)", p.Amount, p.Method, p.Status),
		Category: "payment",
		Weight:   "minor",
		Polarity: "positive",
		Payload:  mustJSON(p),
	}
}

// PaymentReconciledPayload carries event-specific data for PaymentReconciled.
type PaymentReconciledPayload struct {
	OrganizationID string      `json:"organization_id"`
	PaymentID      string      `json:"payment_id"`
	LeaseID        string      `json:"lease_id"`
	PropertyID     string      `json:"property_id"`
	TenantID       string      `json:"tenant_id"`
	TransactionID  string      `json:"transaction_id"`
	Amount         types.Money `json:"amount"`
	GatewayAmount  types.Money `json:"gateway_amount"`
	AmountMismatch bool        `json:"amount_mismatch"`
	Constructed    bool        `json:"constructed"`
}

func NewPaymentReconciled(p PaymentReconciledPayload) DomainEvent {
	return DomainEvent{
		ID:             newID(),
		EventType:      PaymentReconciled,
		OccurredAt:     time.Now(),
		OrganizationID: p.OrganizationID,
		Actor:          SystemActor,
		AffectedEntities: []types.SourceRef{
			{EntityType: "payment", EntityID: p.PaymentID, Role: "subject"},
			{EntityType: "lease", EntityID: p.LeaseID, Role: "target"},
			{EntityType: "tenant", EntityID: p.TenantID, Role: "related"},
		},
		Summary:  fmt.Sprintf("Payment %s settled by gateway transaction %s", short(p.PaymentID), p.TransactionID),
		Category: "payment",
		Weight:   "minor",
		Polarity: "positive",
		Payload:  mustJSON(p),
	}
}

// PaymentConflictPayload is recorded when a gateway transaction id is
// presented for a second payment.
type PaymentConflictPayload struct {
	OrganizationID string `json:"organization_id"`
	PaymentID      string `json:"payment_id"`
	LeaseID        string `json:"lease_id"`
	TransactionID  string `json:"transaction_id"`
}

func NewPaymentConflict(p PaymentConflictPayload) DomainEvent {
	return DomainEvent{
		ID:             newID(),
		EventType:      PaymentConflict,
		OccurredAt:     time.Now(),
		OrganizationID: p.OrganizationID,
		Actor:          SystemActor,
		AffectedEntities: []types.SourceRef{
			{EntityType: "payment", EntityID: p.PaymentID, Role: "subject"},
			{EntityType: "lease", EntityID: p.LeaseID, Role: "context"},
		},
		Summary:  fmt.Sprintf("Gateway transaction %s already applied to another payment", p.TransactionID),
		Category: "payment",
		Weight:   "critical",
		Polarity: "negative",
		Payload:  mustJSON(p),
	}
}
