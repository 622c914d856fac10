package signals

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Classification is the outcome of classifying one event.
type Classification struct {
	Category     string
	Weight       string
	Polarity     string
	Description  string
	Registration Registration
}

// Classify matches an event type and JSON payload against the registry.
// Conditional registrations win over unconditional ones. ok is false when no
// registration matches.
func Classify(eventType string, payload json.RawMessage) (c Classification, ok bool) {
	regs := LookupSignals(eventType)
	if len(regs) == 0 {
		return Classification{}, false
	}

	var fields map[string]any
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &fields)
	}

	var fallback *Registration
	for i := range regs {
		r := &regs[i]
		if r.Condition == "" {
			if fallback == nil {
				fallback = r
			}
			continue
		}
		if matches(r.Condition, fields) {
			return classification(*r), true
		}
	}
	if fallback != nil {
		return classification(*fallback), true
	}
	return Classification{}, false
}

func classification(r Registration) Classification {
	return Classification{
		Category:     r.Category,
		Weight:       r.Weight,
		Polarity:     r.Polarity,
		Description:  r.Description,
		Registration: r,
	}
}

// matches evaluates "field op value" against the payload. Two-character
// operators are tried first so "<=" is not read as "<".
func matches(cond string, fields map[string]any) bool {
	if fields == nil {
		return false
	}
	for _, op := range []string{"==", "!=", "<=", ">=", "<", ">"} {
		key, want, found := strings.Cut(cond, op)
		if !found {
			continue
		}
		got, ok := fields[strings.TrimSpace(key)]
		if !ok {
			return false
		}
		want = strings.TrimSpace(want)
		switch op {
		case "==":
			return equal(got, want)
		case "!=":
			return !equal(got, want)
		}
		n, ok := got.(float64)
		if !ok {
			return false
		}
		limit, err := strconv.ParseFloat(want, 64)
		if err != nil {
			return false
		}
		switch op {
		case "<=":
			return n <= limit
		case ">=":
			return n >= limit
		case "<":
			return n < limit
		default:
			return n > limit
		}
	}
	return false
}

func equal(got any, want string) bool {
	switch v := got.(type) {
	case string:
		return v == want
	case bool:
		return strconv.FormatBool(v) == want
	case float64:
		f, err := strconv.ParseFloat(want, 64)
		return err == nil && v == f
	}
	return false
}
