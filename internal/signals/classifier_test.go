package signals

import (
	"encoding/json"
	"sort"
	"testing"
)

func TestClassify_ConditionWinsOverFallback(t *testing.T) {
	c, ok := Classify("payment_reconciled", json.RawMessage(`{"amount_mismatch": true}`))
	if !ok {
		t.Fatal("expected classification for payment_reconciled")
	}
	if c.Weight != "major" || c.Polarity != "negative" {
		t.Errorf("got %s/%s, want major/negative", c.Weight, c.Polarity)
	}
	if c.Registration.ID != "payment_amount_mismatch" {
		t.Errorf("registration = %q", c.Registration.ID)
	}
}

func TestClassify_Fallback(t *testing.T) {
	c, ok := Classify("payment_reconciled", json.RawMessage(`{"amount_mismatch": false}`))
	if !ok {
		t.Fatal("expected classification")
	}
	if c.Registration.ID != "payment_settled" {
		t.Errorf("registration = %q, want payment_settled", c.Registration.ID)
	}

	c, ok = Classify("lease_assigned", nil)
	if !ok {
		t.Fatal("expected classification without payload")
	}
	if c.Registration.ID != "lease_started" {
		t.Errorf("registration = %q, want lease_started", c.Registration.ID)
	}
}

func TestClassify_StringCondition(t *testing.T) {
	c, ok := Classify("lease_assigned", json.RawMessage(`{"status": "upcoming"}`))
	if !ok {
		t.Fatal("expected classification")
	}
	if c.Registration.ID != "lease_scheduled" {
		t.Errorf("registration = %q, want lease_scheduled", c.Registration.ID)
	}
}

func TestClassify_UnknownType(t *testing.T) {
	if _, ok := Classify("made_up", nil); ok {
		t.Error("expected no classification for unknown event type")
	}
}

func TestMatches(t *testing.T) {
	fields := map[string]any{"status": "active", "days": float64(5), "flag": true}
	cases := []struct {
		cond string
		want bool
	}{
		{"status == active", true},
		{"status != active", false},
		{"days > 0", true},
		{"days > 10", false},
		{"days <= 5", true},
		{"days >= 5", true},
		{"days < 5", false},
		{"flag == true", true},
		{"missing == x", false},
	}
	for _, tc := range cases {
		if got := matches(tc.cond, fields); got != tc.want {
			t.Errorf("matches(%q) = %v, want %v", tc.cond, got, tc.want)
		}
	}
	if matches("status == active", nil) {
		t.Error("nil payload should never match")
	}
}

func TestWeights(t *testing.T) {
	if !IsAtLeastWeight("critical", "major") {
		t.Error("critical should be at least major")
	}
	if IsAtLeastWeight("info", "minor") {
		t.Error("info should not be at least minor")
	}
	got := WeightsAtLeast("major")
	sort.Strings(got)
	if len(got) != 2 || got[0] != "critical" || got[1] != "major" {
		t.Errorf("WeightsAtLeast(major) = %v", got)
	}
}
