// Package signals classifies ledger events by category, weight and polarity
// so that consumers can escalate the ones that need a human.
package signals

import "sync"

// WeightOrder maps signal weights to numeric severity (lower = more severe).
var WeightOrder = map[string]int{
	"critical": 1,
	"major":    2,
	"minor":    3,
	"info":     4,
}

// Registration describes how one event type (optionally narrowed by a
// payload condition) is classified.
type Registration struct {
	ID          string
	EventType   string
	Condition   string // "field == value", "field > N", ...; empty matches always
	Category    string
	Weight      string
	Polarity    string
	Description string
}

// Registry contains every known signal.
var Registry = []Registration{
	{
		ID:          "payment_duplicate_transaction",
		EventType:   "payment_conflict",
		Category:    "payment",
		Weight:      "critical",
		Polarity:    "negative",
		Description: "Gateway transaction id presented for a second payment",
	},
	{
		ID:          "payment_amount_mismatch",
		EventType:   "payment_reconciled",
		Condition:   "amount_mismatch == true",
		Category:    "payment",
		Weight:      "major",
		Polarity:    "negative",
		Description: "Gateway settled a different amount than was recorded",
	},
	{
		ID:          "payment_settled",
		EventType:   "payment_reconciled",
		Category:    "payment",
		Weight:      "info",
		Polarity:    "positive",
		Description: "Online payment settled",
	},
	{
		ID:          "payment_logged_offline",
		EventType:   "payment_recorded",
		Condition:   "status == completed",
		Category:    "payment",
		Weight:      "info",
		Polarity:    "positive",
		Description: "Offline payment logged",
	},
	{
		ID:          "payment_intent_created",
		EventType:   "payment_recorded",
		Category:    "payment",
		Weight:      "info",
		Polarity:    "neutral",
		Description: "Online payment awaiting settlement",
	},
	{
		ID:          "application_approved",
		EventType:   "application_approved",
		Category:    "application",
		Weight:      "major",
		Polarity:    "positive",
		Description: "Application approved and lease created",
	},
	{
		ID:          "application_rejected",
		EventType:   "application_rejected",
		Category:    "application",
		Weight:      "minor",
		Polarity:    "negative",
		Description: "Application rejected",
	},
	{
		ID:          "lease_scheduled",
		EventType:   "lease_assigned",
		Condition:   "status == upcoming",
		Category:    "lease",
		Weight:      "info",
		Polarity:    "neutral",
		Description: "Lease scheduled to start in the future",
	},
	{
		ID:          "lease_started",
		EventType:   "lease_assigned",
		Category:    "lease",
		Weight:      "major",
		Polarity:    "positive",
		Description: "Lease assigned and in force",
	},
	{
		ID:          "lease_ended",
		EventType:   "lease_expired",
		Category:    "lease",
		Weight:      "minor",
		Polarity:    "neutral",
		Description: "Lease term ended",
	},
}

var (
	indexOnce   sync.Once
	byEventType map[string][]Registration
)

// LookupSignals returns all registrations for an event type.
func LookupSignals(eventType string) []Registration {
	indexOnce.Do(func() {
		byEventType = make(map[string][]Registration)
		for _, r := range Registry {
			byEventType[r.EventType] = append(byEventType[r.EventType], r)
		}
	})
	return byEventType[eventType]
}

// WeightSeverity returns the numeric severity for a weight. Unknown weights
// sort after "info".
func WeightSeverity(weight string) int {
	if s, ok := WeightOrder[weight]; ok {
		return s
	}
	return len(WeightOrder) + 1
}

// IsAtLeastWeight returns true if actual is at least as severe as minimum.
func IsAtLeastWeight(actual, minimum string) bool {
	return WeightSeverity(actual) <= WeightSeverity(minimum)
}

// WeightsAtLeast lists the weights at least as severe as minimum.
func WeightsAtLeast(minimum string) []string {
	limit := WeightSeverity(minimum)
	var out []string
	for w, s := range WeightOrder {
		if s <= limit {
			out = append(out, w)
		}
	}
	return out
}
