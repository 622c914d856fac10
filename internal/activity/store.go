package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"

	"github.com/matthewbaird/rentledger/internal/signals"
	"github.com/matthewbaird/rentledger/internal/types"
)

// Store is the interface for reading and writing activity entries. Reads are
// always scoped to an organization.
type Store interface {
	// WriteEntries writes one or more activity entries (one event → many entries).
	WriteEntries(ctx context.Context, entries []types.ActivityEntry) error

	// QueryByEntity returns activity entries for a specific entity, newest first.
	QueryByEntity(ctx context.Context, orgID, entityType, entityID string, opts QueryOptions) (entries []types.ActivityEntry, nextCursor string, totalCount int, err error)

	// Search matches activity summaries case-insensitively.
	Search(ctx context.Context, orgID, query string, opts SearchOptions) (entries []types.ActivityEntry, totalCount int, err error)
}

const table = "activity_entries"

var columns = []string{
	"event_id", "event_type", "occurred_at", "organization_id", "actor",
	"indexed_entity_type", "indexed_entity_id", "entity_role", "source_refs",
	"summary", "category", "weight", "polarity", "payload",
}

// SQLStore implements Store on the ledger's database. It shares the ent
// driver with the ledger store.
type SQLStore struct {
	drv *entsql.Driver
}

// NewSQLStore creates a new SQLStore.
func NewSQLStore(drv *entsql.Driver) *SQLStore {
	return &SQLStore{drv: drv}
}

// CreateTable creates the activity_entries table and its indexes.
func (s *SQLStore) CreateTable(ctx context.Context) error {
	timeType, jsonType := "DATETIME", "TEXT"
	if s.drv.Dialect() == dialect.Postgres {
		timeType, jsonType = "TIMESTAMPTZ", "JSONB"
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS activity_entries (
			event_id            TEXT NOT NULL,
			event_type          TEXT NOT NULL,
			occurred_at         %[1]s NOT NULL,
			organization_id     TEXT NOT NULL,
			actor               TEXT NOT NULL,
			indexed_entity_type TEXT NOT NULL,
			indexed_entity_id   TEXT NOT NULL,
			entity_role         TEXT NOT NULL,
			source_refs         %[2]s NOT NULL,
			summary             TEXT NOT NULL,
			category            TEXT NOT NULL,
			weight              TEXT NOT NULL,
			polarity            TEXT NOT NULL,
			payload             %[2]s,
			PRIMARY KEY (indexed_entity_type, indexed_entity_id, event_id)
		)`, timeType, jsonType),
		`CREATE INDEX IF NOT EXISTS idx_activity_entity_time
			ON activity_entries (organization_id, indexed_entity_type, indexed_entity_id, occurred_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_org_time
			ON activity_entries (organization_id, occurred_at DESC)`,
	}
	for _, stmt := range stmts {
		if err := s.drv.Exec(ctx, stmt, []any{}, nil); err != nil {
			return fmt.Errorf("creating activity table: %w", err)
		}
	}
	return nil
}

// WriteEntries inserts activity entries. Re-writing an entry is a no-op.
func (s *SQLStore) WriteEntries(ctx context.Context, entries []types.ActivityEntry) error {
	if len(entries) == 0 {
		return nil
	}
	ins := entsql.Dialect(s.drv.Dialect()).Insert(table).Columns(columns...)
	for _, e := range entries {
		refs, err := json.Marshal(e.SourceRefs)
		if err != nil {
			return fmt.Errorf("encoding source refs: %w", err)
		}
		var payload any
		if len(e.Payload) > 0 {
			payload = string(e.Payload)
		}
		ins.Values(
			e.EventID, e.EventType, normalize(e.OccurredAt), e.OrganizationID, e.Actor,
			e.IndexedEntityType, e.IndexedEntityID, e.EntityRole, string(refs),
			e.Summary, e.Category, e.Weight, e.Polarity, payload,
		)
	}
	ins.OnConflict(entsql.DoNothing())
	query, args := ins.Query()
	if err := s.drv.Exec(ctx, query, args, nil); err != nil {
		return fmt.Errorf("writing activity entries: %w", err)
	}
	return nil
}

// QueryByEntity returns activity entries for a specific entity with filtering and pagination.
func (s *SQLStore) QueryByEntity(ctx context.Context, orgID, entityType, entityID string, opts QueryOptions) ([]types.ActivityEntry, string, int, error) {
	preds := []*entsql.Predicate{
		entsql.EQ("organization_id", orgID),
		entsql.EQ("indexed_entity_type", entityType),
		entsql.EQ("indexed_entity_id", entityID),
	}
	if opts.Since != nil {
		preds = append(preds, entsql.GTE("occurred_at", opts.Since.UTC()))
	}
	if opts.Until != nil {
		preds = append(preds, entsql.LTE("occurred_at", opts.Until.UTC()))
	}
	if len(opts.Categories) > 0 {
		preds = append(preds, entsql.In("category", anySlice(opts.Categories)...))
	}
	if opts.MinWeight != "" && opts.MinWeight != "info" {
		preds = append(preds, entsql.In("weight", anySlice(signals.WeightsAtLeast(opts.MinWeight))...))
	}
	total, err := s.count(ctx, preds)
	if err != nil {
		return nil, "", 0, err
	}
	if c, ok := opts.cursorTime(); ok {
		preds = append(preds, entsql.LT("occurred_at", c.UTC()))
	}

	limit := opts.limit()
	b := entsql.Dialect(s.drv.Dialect())
	entries, err := s.list(ctx, b.Select(columns...).From(b.Table(table)).
		Where(entsql.And(preds...)).
		OrderBy(entsql.Desc("occurred_at")).
		Limit(limit+1))
	if err != nil {
		return nil, "", 0, err
	}

	var nextCursor string
	if len(entries) > limit {
		entries = entries[:limit]
		nextCursor = cursorOf(entries[len(entries)-1].OccurredAt)
	}
	return entries, nextCursor, total, nil
}

// Search performs case-insensitive substring search across activity summaries.
func (s *SQLStore) Search(ctx context.Context, orgID, query string, opts SearchOptions) ([]types.ActivityEntry, int, error) {
	preds := []*entsql.Predicate{
		entsql.EQ("organization_id", orgID),
		entsql.ContainsFold("summary", query),
	}
	if opts.EntityType != "" {
		preds = append(preds, entsql.EQ("indexed_entity_type", opts.EntityType))
	}
	if opts.Since != nil {
		preds = append(preds, entsql.GTE("occurred_at", opts.Since.UTC()))
	}
	if len(opts.Categories) > 0 {
		preds = append(preds, entsql.In("category", anySlice(opts.Categories)...))
	}
	total, err := s.count(ctx, preds)
	if err != nil {
		return nil, 0, err
	}
	b := entsql.Dialect(s.drv.Dialect())
	entries, err := s.list(ctx, b.Select(columns...).From(b.Table(table)).
		Where(entsql.And(preds...)).
		OrderBy(entsql.Desc("occurred_at")).
		Limit(opts.limit()))
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (s *SQLStore) count(ctx context.Context, preds []*entsql.Predicate) (int, error) {
	b := entsql.Dialect(s.drv.Dialect())
	query, args := b.Select(entsql.Count("*")).From(b.Table(table)).Where(entsql.And(preds...)).Query()
	rows := &entsql.Rows{}
	if err := s.drv.Query(ctx, query, args, rows); err != nil {
		return 0, fmt.Errorf("counting activity entries: %w", err)
	}
	defer rows.Close()
	var n int
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, fmt.Errorf("counting activity entries: %w", err)
		}
	}
	return n, rows.Err()
}

func (s *SQLStore) list(ctx context.Context, sel *entsql.Selector) ([]types.ActivityEntry, error) {
	query, args := sel.Query()
	rows := &entsql.Rows{}
	if err := s.drv.Query(ctx, query, args, rows); err != nil {
		return nil, fmt.Errorf("querying activity entries: %w", err)
	}
	defer rows.Close()

	var entries []types.ActivityEntry
	for rows.Next() {
		var (
			e                 types.ActivityEntry
			refsJSON, payload []byte
		)
		err := rows.Scan(
			&e.EventID, &e.EventType, &e.OccurredAt, &e.OrganizationID, &e.Actor,
			&e.IndexedEntityType, &e.IndexedEntityID, &e.EntityRole, &refsJSON,
			&e.Summary, &e.Category, &e.Weight, &e.Polarity, &payload,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning activity entry: %w", err)
		}
		if len(refsJSON) > 0 {
			_ = json.Unmarshal(refsJSON, &e.SourceRefs)
		}
		if len(payload) > 0 {
			e.Payload = json.RawMessage(payload)
		}
		e.OccurredAt = e.OccurredAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func anySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// normalize trims an entry's timestamp to microseconds so that both stores
// order and paginate identically.
func normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
