package handler

import (
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/matthewbaird/rentledger/internal/leasing"
	"github.com/matthewbaird/rentledger/internal/ledger"
)

// LeaseHandler implements HTTP handlers for leases.
type LeaseHandler struct {
	leasing *leasing.Service
	store   ledger.Repo
	log     logrus.FieldLogger
}

// NewLeaseHandler creates a new LeaseHandler.
func NewLeaseHandler(svc *leasing.Service, store ledger.Repo, log logrus.FieldLogger) *LeaseHandler {
	return &LeaseHandler{leasing: svc, store: store, log: log.WithField("handler", "lease")}
}

type assignLeaseRequest struct {
	PropertyID      string          `json:"property_id"`
	TenantID        string          `json:"tenant_id"`
	StartDate       Date            `json:"start_date"`
	EndDate         Date            `json:"end_date"`
	Rent            decimal.Decimal `json:"rent"`
	SecurityDeposit decimal.Decimal `json:"security_deposit"`
	ApplicationID   string          `json:"application_id,omitempty"`
}

// AssignLease places a tenant in a property.
// POST /v1/leases
func (h *LeaseHandler) AssignLease(w http.ResponseWriter, r *http.Request) {
	audit, ok := parseAuditContext(w, r)
	if !ok {
		return
	}
	var req assignLeaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	log := requestLog(h.log, r, audit)

	rent, err := cents("rent", req.Rent)
	if err != nil {
		writeStoreError(w, log, err)
		return
	}
	deposit, err := cents("security_deposit", req.SecurityDeposit)
	if err != nil {
		writeStoreError(w, log, err)
		return
	}

	l, err := h.leasing.Assign(r.Context(), leasing.AssignRequest{
		OrgID:         audit.OrgID,
		PropertyID:    req.PropertyID,
		TenantID:      req.TenantID,
		ApplicationID: req.ApplicationID,
		Actor:         audit.Actor,
		Terms: leasing.Terms{
			StartDate:            req.StartDate.Time,
			EndDate:              req.EndDate.Time,
			RentCents:            rent,
			SecurityDepositCents: deposit,
		},
	})
	if err != nil {
		writeStoreError(w, log, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

// GetLease returns one lease of the caller's organization.
// GET /v1/leases/{id}
func (h *LeaseHandler) GetLease(w http.ResponseWriter, r *http.Request) {
	org, ok := parseOrg(w, r)
	if !ok {
		return
	}
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	l, err := h.store.GetLease(r.Context(), org, id)
	if err != nil {
		writeStoreError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// ListLeases lists the organization's leases, optionally filtered by a
// comma-separated status list.
// GET /v1/leases?status=active,upcoming
func (h *LeaseHandler) ListLeases(w http.ResponseWriter, r *http.Request) {
	org, ok := parseOrg(w, r)
	if !ok {
		return
	}
	var statuses []ledger.LeaseStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := ledger.LeaseStatus(strings.TrimSpace(s))
			switch st {
			case ledger.LeaseUpcoming, ledger.LeaseActive, ledger.LeaseEnded, ledger.LeaseExpired:
				statuses = append(statuses, st)
			default:
				writeError(w, http.StatusBadRequest, ledger.CodeValidation, "unknown lease status: "+string(st))
				return
			}
		}
	}
	leases, err := h.store.ListLeases(r.Context(), org, statuses...)
	if err != nil {
		writeStoreError(w, h.log, err)
		return
	}
	if leases == nil {
		leases = []ledger.Lease{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"leases": leases})
}
