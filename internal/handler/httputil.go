package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/matthewbaird/rentledger/internal/ledger"
	"github.com/matthewbaird/rentledger/internal/types"
)

// Identity headers. The gateway in front of this service authenticates the
// caller and sets them.
const (
	HeaderActor         = "X-Actor"
	HeaderOrganization  = "X-Organization-ID"
	HeaderCorrelationID = "X-Correlation-ID"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// AuditInfo holds audit metadata extracted from request headers.
type AuditInfo struct {
	Actor         string
	OrgID         string
	CorrelationID string
}

// writeJSON marshals v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("writeJSON encode error")
	}
}

// writeError writes a structured JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}

// writeStoreError maps a core error to its HTTP status. Internal errors are
// logged; their messages are only exposed for inconsistencies, which carry a
// code the client can act on.
func writeStoreError(w http.ResponseWriter, log logrus.FieldLogger, err error) {
	code := ledger.CodeOf(err)
	switch {
	case errors.Is(err, ledger.ErrValidation):
		writeError(w, http.StatusBadRequest, orDefault(code, ledger.CodeValidation), err.Error())
	case errors.Is(err, types.ErrSubCentPrecision):
		writeError(w, http.StatusBadRequest, ledger.CodeValidation, err.Error())
	case errors.Is(err, ledger.ErrVerification):
		writeError(w, http.StatusBadRequest, orDefault(code, ledger.CodeInvalidSignature), err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, orDefault(code, ledger.CodeNotFound), err.Error())
	case errors.Is(err, ledger.ErrConflict):
		writeError(w, http.StatusConflict, orDefault(code, "CONFLICT"), err.Error())
	case errors.Is(err, ledger.ErrInternalInconsistency):
		log.WithError(err).WithField("code", code).Error("internal inconsistency")
		writeError(w, http.StatusInternalServerError, orDefault(code, "INTERNAL_INCONSISTENCY"), err.Error())
	default:
		log.WithError(err).Error("internal error")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

func orDefault(code, def string) string {
	if code == "" {
		return def
	}
	return code
}

// decodeJSON decodes the request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// decodeBody decodes the body and writes a 400 when it is malformed.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := decodeJSON(w, r, v); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return false
	}
	return true
}

// parseUUID extracts and validates a UUID path parameter.
func parseUUID(w http.ResponseWriter, r *http.Request, paramName string) (string, bool) {
	raw := chi.URLParam(r, paramName)
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "invalid UUID: "+raw)
		return "", false
	}
	return id.String(), true
}

// parseOrg extracts the organization a read is scoped to.
func parseOrg(w http.ResponseWriter, r *http.Request) (string, bool) {
	org := strings.TrimSpace(r.Header.Get(HeaderOrganization))
	if org == "" {
		writeError(w, http.StatusBadRequest, "MISSING_ORGANIZATION", HeaderOrganization+" header is required")
		return "", false
	}
	return org, true
}

// parseAuditContext extracts the actor and organization of a command.
func parseAuditContext(w http.ResponseWriter, r *http.Request) (AuditInfo, bool) {
	actor := strings.TrimSpace(r.Header.Get(HeaderActor))
	if actor == "" {
		writeError(w, http.StatusBadRequest, "MISSING_ACTOR", HeaderActor+" header is required")
		return AuditInfo{}, false
	}
	org, ok := parseOrg(w, r)
	if !ok {
		return AuditInfo{}, false
	}
	return AuditInfo{
		Actor:         actor,
		OrgID:         org,
		CorrelationID: r.Header.Get(HeaderCorrelationID),
	}, true
}

// requestLog annotates log with the request's audit fields.
func requestLog(log logrus.FieldLogger, r *http.Request, audit AuditInfo) logrus.FieldLogger {
	fields := logrus.Fields{
		"organization_id": audit.OrgID,
		"actor":           audit.Actor,
		"path":            r.URL.Path,
	}
	if audit.CorrelationID != "" {
		fields["correlation_id"] = audit.CorrelationID
	}
	return log.WithFields(fields)
}

// Date is a calendar date in a request body: "2024-01-31" or RFC 3339.
type Date struct{ time.Time }

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		d.Time = t
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("invalid date %q: want YYYY-MM-DD or RFC 3339", s)
	}
	d.Time = t.UTC()
	return nil
}

// timePtr returns nil for an absent date.
func timePtr(d *Date) *time.Time {
	if d == nil {
		return nil
	}
	t := d.Time
	return &t
}

// cents converts a request amount to cents, rejecting sub-cent precision.
func cents(field string, d decimal.Decimal) (int64, error) {
	c, err := types.CentsFromDecimal(d)
	if err != nil {
		return 0, ledger.Invalidf("%s: %v", field, err)
	}
	return c, nil
}
