// Package types provides the value types shared across the ledger, the
// audit log and the HTTP layer.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Money represents a monetary amount using integer cents to eliminate
// floating-point errors in financial operations.
type Money struct {
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"` // ISO 4217, e.g. "USD"
}

// DefaultCurrency is used when a request omits the currency.
const DefaultCurrency = "USD"

// ErrSubCentPrecision is returned when a decimal amount has more than two
// fractional digits.
var ErrSubCentPrecision = errors.New("amount has sub-cent precision")

var hundred = decimal.NewFromInt(100)

// CentsFromDecimal converts a major-unit decimal ("1250.50") to cents.
// The conversion is exact; amounts that cannot be represented in whole cents
// are rejected rather than rounded.
func CentsFromDecimal(d decimal.Decimal) (int64, error) {
	cents := d.Mul(hundred)
	if !cents.Equal(cents.Truncate(0)) {
		return 0, fmt.Errorf("%s: %w", d.String(), ErrSubCentPrecision)
	}
	return cents.IntPart(), nil
}

// DecimalFromCents renders cents as a major-unit decimal.
func DecimalFromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// String formats the amount as "1250.50 USD".
func (m Money) String() string {
	return DecimalFromCents(m.AmountCents).StringFixed(2) + " " + m.Currency
}

// DateRange represents a time period with an optional end.
type DateRange struct {
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
}

// SourceRef identifies an entity referenced by a domain event.
type SourceRef struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Role       string `json:"role"` // "subject", "target", "related", "context"
}

// ActivityEntry is a secondary index entry over the domain event log,
// keyed by a referenced entity. One event produces multiple entries.
type ActivityEntry struct {
	EventID           string          `json:"event_id"`
	EventType         string          `json:"event_type"`
	OccurredAt        time.Time       `json:"occurred_at"`
	OrganizationID    string          `json:"organization_id"`
	Actor             string          `json:"actor"`
	IndexedEntityType string          `json:"indexed_entity_type"`
	IndexedEntityID   string          `json:"indexed_entity_id"`
	EntityRole        string          `json:"entity_role"`
	SourceRefs        []SourceRef     `json:"source_refs"`
	Summary           string          `json:"summary"`
	Category          string          `json:"category"` // "lease", "payment", "application"
	Weight            string          `json:"weight"`   // "critical", "major", "minor", "info"
	Polarity          string          `json:"polarity"` // "positive", "negative", "neutral"
	Payload           json.RawMessage `json:"payload"`
}
