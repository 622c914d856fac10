// Package activity provides the activity store: a per-entity index over the
// ledger's domain events, used as the audit log.
package activity

import "time"

// QueryOptions controls filtering and pagination for entity activity queries.
type QueryOptions struct {
	Since      *time.Time
	Until      *time.Time
	Categories []string // "lease", "application", "payment"
	MinWeight  string   // minimum weight threshold (default: "info")
	Limit      int      // max results (default: 100, max: 500)
	Cursor     string   // occurred_at of the last entry on the previous page
}

// SearchOptions controls filtering for activity summary search.
type SearchOptions struct {
	EntityType string
	Since      *time.Time
	Categories []string
	Limit      int // max results (default: 20)
}

// DefaultQueryOptions returns QueryOptions covering the last six months.
func DefaultQueryOptions() QueryOptions {
	sixMonthsAgo := time.Now().AddDate(0, -6, 0)
	return QueryOptions{
		Since:     &sixMonthsAgo,
		MinWeight: "info",
		Limit:     100,
	}
}

func (o QueryOptions) limit() int {
	if o.Limit <= 0 || o.Limit > 500 {
		return 100
	}
	return o.Limit
}

func (o SearchOptions) limit() int {
	if o.Limit <= 0 {
		return 20
	}
	return o.Limit
}

func (o QueryOptions) cursorTime() (time.Time, bool) {
	if o.Cursor == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, o.Cursor)
	return t, err == nil
}

func cursorOf(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }
