package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matthewbaird/rentledger/internal/reporting"
)

// ReportHandler implements the rent roll report endpoints.
type ReportHandler struct {
	reports *reporting.Service
	log     logrus.FieldLogger
	now     func() time.Time
}

// NewReportHandler creates a new ReportHandler. A nil now uses the wall clock.
func NewReportHandler(svc *reporting.Service, log logrus.FieldLogger, now func() time.Time) *ReportHandler {
	if now == nil {
		now = time.Now
	}
	return &ReportHandler{reports: svc, log: log.WithField("handler", "report"), now: now}
}

// GetOverdueTenants lists leases with rent outstanding.
// GET /v1/reports/overdue
func (h *ReportHandler) GetOverdueTenants(w http.ResponseWriter, r *http.Request) {
	org, ok := parseOrg(w, r)
	if !ok {
		return
	}
	rows, err := h.reports.OverdueTenants(r.Context(), org, h.now())
	if err != nil {
		writeStoreError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"overdue": rows})
}

// GetUpcomingPayments lists next due dates, optionally within window_days.
// GET /v1/reports/upcoming?window_days=30
func (h *ReportHandler) GetUpcomingPayments(w http.ResponseWriter, r *http.Request) {
	org, ok := parseOrg(w, r)
	if !ok {
		return
	}
	window := 0
	if v := r.URL.Query().Get("window_days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_WINDOW", "window_days must be a non-negative integer")
			return
		}
		window = n
	}
	rows, err := h.reports.UpcomingPayments(r.Context(), org, h.now(), window)
	if err != nil {
		writeStoreError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"upcoming": rows})
}

// GetOccupancy lists every property with its derived occupancy.
// GET /v1/reports/occupancy
func (h *ReportHandler) GetOccupancy(w http.ResponseWriter, r *http.Request) {
	org, ok := parseOrg(w, r)
	if !ok {
		return
	}
	rows, err := h.reports.Occupancy(r.Context(), org)
	if err != nil {
		writeStoreError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"properties": rows})
}
