// Package ledger is the persistence layer for organizations, properties,
// leases, applications and payments. Every org-scoped read and write takes
// the organization id as a mandatory parameter.
package ledger

import "time"

// Role is a user's role within the system.
type Role string

const (
	RoleLandlord Role = "landlord"
	RoleTenant   Role = "tenant"
)

// LeaseStatus is the lifecycle state of a lease.
type LeaseStatus string

const (
	LeaseUpcoming LeaseStatus = "upcoming"
	LeaseActive   LeaseStatus = "active"
	LeaseEnded    LeaseStatus = "ended"
	LeaseExpired  LeaseStatus = "expired"
)

// ApplicationStatus is the lifecycle state of a tenant application.
type ApplicationStatus string

const (
	ApplicationPending   ApplicationStatus = "pending"
	ApplicationApproved  ApplicationStatus = "approved"
	ApplicationRejected  ApplicationStatus = "rejected"
	ApplicationCompleted ApplicationStatus = "completed"
)

// PaymentStatus is the settlement state of a payment.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
)

// PaymentMethod records how a payment was made.
type PaymentMethod string

const (
	MethodOnline       PaymentMethod = "online"
	MethodCash         PaymentMethod = "cash"
	MethodCheck        PaymentMethod = "check"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodOther        PaymentMethod = "other"
)

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodOnline, MethodCash, MethodCheck, MethodBankTransfer, MethodOther:
		return true
	}
	return false
}

// Organization is a landlord's tenancy boundary.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// User is a landlord or tenant. Tenants are bound to an organization on
// their first approved lease.
type User struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Email          string    `json:"email"`
	Role           Role      `json:"role"`
	OrganizationID *string   `json:"organization_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Property is a rentable unit. Occupancy is never stored; see Occupancy.
type Property struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Address        string    `json:"address"`
	RentCents      int64     `json:"rent_cents"`
	Listed         bool      `json:"listed"`
	CreatedAt      time.Time `json:"created_at"`
}

// Lease binds a tenant to a property for a term.
type Lease struct {
	ID                   string      `json:"id"`
	OrganizationID       string      `json:"organization_id"`
	PropertyID           string      `json:"property_id"`
	TenantID             string      `json:"tenant_id"`
	ApplicationID        *string     `json:"application_id,omitempty"`
	StartDate            time.Time   `json:"start_date"`
	EndDate              time.Time   `json:"end_date"`
	RentCents            int64       `json:"rent_cents"`
	SecurityDepositCents int64       `json:"security_deposit_cents"`
	BalanceCents         int64       `json:"balance_cents"`
	Status               LeaseStatus `json:"status"`
	CreatedBy            string      `json:"created_by"`
	CreatedAt            time.Time   `json:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at"`
}

// Application is a tenant's request to lease a property.
type Application struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organization_id"`
	PropertyID     string            `json:"property_id"`
	TenantID       string            `json:"tenant_id"`
	LandlordID     string            `json:"landlord_id"`
	Status         ApplicationStatus `json:"status"`
	RequestedStart *time.Time        `json:"requested_start,omitempty"`
	RequestedEnd   *time.Time        `json:"requested_end,omitempty"`
	DecidedBy      *string           `json:"decided_by,omitempty"`
	DecidedAt      *time.Time        `json:"decided_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Payment is a rent payment against a lease. TransactionID is the gateway's
// id and is globally unique when set.
type Payment struct {
	ID             string        `json:"id"`
	OrganizationID string        `json:"organization_id"`
	PropertyID     string        `json:"property_id"`
	LeaseID        string        `json:"lease_id"`
	TenantID       string        `json:"tenant_id"`
	AmountCents    int64         `json:"amount_cents"`
	Currency       string        `json:"currency"`
	PaymentDate    time.Time     `json:"payment_date"`
	Method         PaymentMethod `json:"method"`
	Status         PaymentStatus `json:"status"`
	TransactionID  *string       `json:"transaction_id,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Occupancy is a property with its derived occupancy state.
type Occupancy struct {
	Property
	Occupied      bool    `json:"occupied"`
	ActiveLeaseID *string `json:"active_lease_id,omitempty"`
	TenantID      *string `json:"tenant_id,omitempty"`
}
