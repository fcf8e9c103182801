package types

import "testing"

func TestSeverityWeight(t *testing.T) {
	tests := []struct {
		severity Severity
		want     int
	}{
		{SeverityCritical, 100},
		{SeverityHigh, 50},
		{SeverityMedium, 25},
		{SeverityLow, 0},
		{Severity("bogus"), 0},
	}

	for _, tt := range tests {
		if got := tt.severity.Weight(); got != tt.want {
			t.Errorf("Weight(%s) = %d, want %d", tt.severity, got, tt.want)
		}
	}
}

func TestRiskScore(t *testing.T) {
	violations := []Violation{
		{Type: "destructive", Severity: SeverityCritical},
		{Type: "credential", Severity: SeverityHigh},
		{Type: "credential", Severity: SeverityHigh},
	}
	if got := RiskScore(violations); got != 200 {
		t.Errorf("RiskScore = %d, want 200", got)
	}

	if got := RiskScore(nil); got != 0 {
		t.Errorf("RiskScore(nil) = %d, want 0", got)
	}
}

func TestRiskScoreMonotonic(t *testing.T) {
	violations := []Violation{}
	prev := 0
	for i := 0; i < 5; i++ {
		violations = append(violations, Violation{Severity: SeverityMedium})
		score := RiskScore(violations)
		if score < prev {
			t.Fatalf("risk score decreased: %d after %d violations (was %d)", score, len(violations), prev)
		}
		prev = score
	}
}

func TestSeverityRankOrder(t *testing.T) {
	order := []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Errorf("expected %s to rank before %s", order[i-1], order[i])
		}
	}
	if Severity("bogus").Rank() <= SeverityLow.Rank() {
		t.Error("unknown severity should rank after all known severities")
	}
}

func TestEnumValidity(t *testing.T) {
	for _, a := range []Action{ActionAllow, ActionBlock, ActionConfirm, ActionLog} {
		if !a.Valid() {
			t.Errorf("Action %q should be valid", a)
		}
	}
	if Action("deny").Valid() {
		t.Error("Action \"deny\" should be invalid")
	}

	for _, m := range []NetworkMode{NetworkNone, NetworkRestricted, NetworkFull} {
		if !m.Valid() {
			t.Errorf("NetworkMode %q should be valid", m)
		}
	}
	if NetworkMode("bridge").Valid() {
		t.Error("NetworkMode \"bridge\" should be invalid")
	}
}
