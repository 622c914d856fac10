package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/matthewbaird/rentledger/internal/activity"
	"github.com/matthewbaird/rentledger/internal/types"
)

// ActivityHandler serves the audit log. It reads the activity store, not
// the ledger.
type ActivityHandler struct {
	store activity.Store
	log   logrus.FieldLogger
}

// NewActivityHandler creates a new ActivityHandler.
func NewActivityHandler(store activity.Store, log logrus.FieldLogger) *ActivityHandler {
	return &ActivityHandler{store: store, log: log.WithField("handler", "activity")}
}

// GetEntityActivity returns the organization's activity feed for an entity,
// newest first.
// GET /v1/activity/{entity_type}/{entity_id}
func (h *ActivityHandler) GetEntityActivity(w http.ResponseWriter, r *http.Request) {
	org, ok := parseOrg(w, r)
	if !ok {
		return
	}
	entityType := chi.URLParam(r, "entity_type")
	entityID := chi.URLParam(r, "entity_id")
	if entityType == "" || entityID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_PARAMS", "entity_type and entity_id are required")
		return
	}

	q := r.URL.Query()
	opts := activity.DefaultQueryOptions()
	for name, dst := range map[string]**time.Time{"since": &opts.Since, "until": &opts.Until} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_TIME", name+" must be RFC 3339")
				return
			}
			*dst = &t
		}
	}
	if cats := q.Get("categories"); cats != "" {
		opts.Categories = strings.Split(cats, ",")
	}
	if mw := q.Get("min_weight"); mw != "" {
		opts.MinWeight = mw
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			opts.Limit = min(n, 500)
		}
	}
	opts.Cursor = q.Get("cursor")

	entries, nextCursor, total, err := h.store.QueryByEntity(r.Context(), org, entityType, entityID, opts)
	if err != nil {
		writeStoreError(w, h.log, err)
		return
	}
	if entries == nil {
		entries = []types.ActivityEntry{}
	}
	writeJSON(w, http.StatusOK, struct {
		Activities []types.ActivityEntry `json:"activities"`
		NextCursor string                `json:"next_cursor,omitempty"`
		TotalCount int                   `json:"total_count"`
	}{entries, nextCursor, total})
}
