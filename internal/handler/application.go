package handler

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/matthewbaird/rentledger/internal/approval"
	"github.com/matthewbaird/rentledger/internal/ledger"
)

// ApplicationHandler implements HTTP handlers for tenant applications.
type ApplicationHandler struct {
	approval *approval.Service
	store    ledger.Repo
	log      logrus.FieldLogger
}

// NewApplicationHandler creates a new ApplicationHandler.
func NewApplicationHandler(svc *approval.Service, store ledger.Repo, log logrus.FieldLogger) *ApplicationHandler {
	return &ApplicationHandler{approval: svc, store: store, log: log.WithField("handler", "application")}
}

type submitApplicationRequest struct {
	PropertyID     string `json:"property_id"`
	TenantID       string `json:"tenant_id"`
	RequestedStart *Date  `json:"requested_start,omitempty"`
	RequestedEnd   *Date  `json:"requested_end,omitempty"`
}

// SubmitApplication creates a pending application.
// POST /v1/applications
func (h *ApplicationHandler) SubmitApplication(w http.ResponseWriter, r *http.Request) {
	audit, ok := parseAuditContext(w, r)
	if !ok {
		return
	}
	var req submitApplicationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	app, err := h.approval.Submit(r.Context(), approval.SubmitRequest{
		OrgID:          audit.OrgID,
		PropertyID:     req.PropertyID,
		TenantID:       req.TenantID,
		RequestedStart: timePtr(req.RequestedStart),
		RequestedEnd:   timePtr(req.RequestedEnd),
		Actor:          audit.Actor,
	})
	if err != nil {
		writeStoreError(w, requestLog(h.log, r, audit), err)
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

// GetApplication returns one application of the caller's organization.
// GET /v1/applications/{id}
func (h *ApplicationHandler) GetApplication(w http.ResponseWriter, r *http.Request) {
	org, ok := parseOrg(w, r)
	if !ok {
		return
	}
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	app, err := h.store.GetApplication(r.Context(), org, id)
	if err != nil {
		writeStoreError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

type decideApplicationRequest struct {
	Decision string `json:"decision"`
}

// DecideApplication approves or rejects a pending application. Approval
// creates the lease.
// POST /v1/applications/{id}/decision
func (h *ApplicationHandler) DecideApplication(w http.ResponseWriter, r *http.Request) {
	audit, ok := parseAuditContext(w, r)
	if !ok {
		return
	}
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req decideApplicationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	out, err := h.approval.Decide(r.Context(), approval.DecideRequest{
		ApplicationID: id,
		OrgID:         audit.OrgID,
		Decision:      ledger.ApplicationStatus(req.Decision),
		Actor:         audit.Actor,
	})
	if err != nil {
		writeStoreError(w, requestLog(h.log, r, audit), err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
