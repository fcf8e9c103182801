package recovery

import (
	"reflect"
	"strings"
	"testing"
)

func TestSuggestAlternativesBlockedRoot(t *testing.T) {
	e := NewEngine()
	got := e.SuggestAlternatives("rm -rf /")
	if len(got) == 0 {
		t.Fatal("expected suggestions for rm -rf /")
	}
	if got[0].Suggestion != "rm -rf /path/to/specific/directory" {
		t.Errorf("top suggestion = %q", got[0].Suggestion)
	}
	if !got[0].Safe {
		t.Error("suggestion should be marked safe")
	}
	if got[0].Confidence != exactConfidence {
		t.Errorf("confidence = %v, want %v", got[0].Confidence, exactConfidence)
	}
}

func TestSuggestAlternativesDeterministic(t *testing.T) {
	e := NewEngine()
	first := e.SuggestAlternatives("rm -rf /")
	for i := 0; i < 5; i++ {
		if got := e.SuggestAlternatives("rm -rf /"); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d differs:\n%+v\nvs\n%+v", i, got, first)
		}
	}
}

func TestSuggestAlternativesOrdered(t *testing.T) {
	e := NewEngine()
	got := e.SuggestAlternatives("systemctl restart nginx && kubectl delete pod web")
	if len(got) < 2 {
		t.Fatalf("expected both rewrites to match, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Confidence > got[i-1].Confidence {
			t.Errorf("suggestions not in descending confidence at %d", i)
		}
	}
	// Equal confidence keeps table order: the systemctl rewrite comes first.
	if !strings.Contains(got[0].Suggestion, "systemctl status") {
		t.Errorf("tie-break order wrong, top = %q", got[0].Suggestion)
	}
}

func TestSafePatternShortCircuits(t *testing.T) {
	e := NewEngine()
	got := e.SuggestAlternatives("rm -rf /tmp/scratch")
	if len(got) != 1 {
		t.Fatalf("got %d suggestions, want 1", len(got))
	}
	if got[0].Suggestion != "rm -rf /tmp/scratch" {
		t.Errorf("safe command should be suggested unchanged, got %q", got[0].Suggestion)
	}
	if got[0].Confidence != safeConfidence {
		t.Errorf("confidence = %v, want %v", got[0].Confidence, safeConfidence)
	}
}

func TestPlaceholderSubstitution(t *testing.T) {
	e := NewEngine()

	tests := []struct {
		command string
		want    string
	}{
		{"systemctl restart nginx", "systemctl status nginx && systemctl restart nginx"},
		{"apt remove curl", "apt list --installed | grep curl && apt remove curl"},
		{"kubectl delete pod web", "kubectl get pod && kubectl delete pod --dry-run=client"},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			got := e.SuggestAlternatives(tt.command)
			if len(got) == 0 {
				t.Fatal("expected suggestions")
			}
			if got[0].Suggestion != tt.want {
				t.Errorf("suggestion = %q, want %q", got[0].Suggestion, tt.want)
			}
		})
	}
}

func TestFuzzyFallback(t *testing.T) {
	e := NewEngine()

	// Close to the "rm -rf /" key but matching no rewrite pattern.
	got := e.SuggestAlternatives("rm -r /")
	if len(got) == 0 {
		t.Fatal("expected fuzzy suggestions")
	}
	top := got[0]
	if !strings.Contains(top.Reason, "fuzzy match") {
		t.Errorf("reason = %q, want fuzzy marker", top.Reason)
	}
	if top.Confidence >= exactConfidence {
		t.Errorf("fuzzy confidence %v should be below exact %v", top.Confidence, exactConfidence)
	}
	if top.Confidence < fuzzyThreshold*exactConfidence {
		t.Errorf("fuzzy confidence %v below scaled threshold", top.Confidence)
	}
}

func TestFuzzyNoMatchForUnrelated(t *testing.T) {
	e := NewEngine()
	if got := e.SuggestAlternatives("cat /var/log/syslog"); len(got) != 0 {
		t.Errorf("unrelated command produced %d suggestions: %+v", len(got), got)
	}
}

func TestSimilarity(t *testing.T) {
	if s := similarity("rm -rf /", "rm -rf /"); s != 1 {
		t.Errorf("identical similarity = %v, want 1", s)
	}
	if s := similarity("rm -r /", "rm -rf /"); s <= 0.6 {
		t.Errorf("near-identical similarity = %v, want > 0.6", s)
	}
	if s := similarity("cat /etc/hosts", "kubectl delete"); s >= 0.6 {
		t.Errorf("unrelated similarity = %v, want < 0.6", s)
	}
}

func TestExplainBlock(t *testing.T) {
	e := NewEngine()

	got := e.ExplainBlock("rm -rf /", "rm_rf_root")
	if !strings.Contains(got, "root directory") {
		t.Errorf("explanation = %q", got)
	}

	generic := e.ExplainBlock("some mystery command", "no_such_rule")
	if !strings.Contains(generic, "some mystery command") {
		t.Errorf("generic explanation should quote the command: %q", generic)
	}

	long := strings.Repeat("x", 80)
	truncated := e.ExplainBlock(long, "")
	if !strings.Contains(truncated, strings.Repeat("x", 50)+"...") {
		t.Errorf("long command not truncated: %q", truncated)
	}
}

func TestLearningHint(t *testing.T) {
	e := NewEngine()

	tests := []struct {
		command string
		wantHit bool
		substr  string
	}{
		{"docker system prune", true, "Docker"},
		{"kubectl get pods", true, "Kubernetes"},
		{"iptables -F", true, "firewall"},
		{"chmod 777 /etc", true, "permissions"},
		{"ls -la", false, ""},
	}
	for _, tt := range tests {
		hint, ok := e.LearningHint(tt.command)
		if ok != tt.wantHit {
			t.Errorf("LearningHint(%q) hit = %v, want %v", tt.command, ok, tt.wantHit)
			continue
		}
		if ok && !strings.Contains(hint, tt.substr) {
			t.Errorf("LearningHint(%q) = %q, want mention of %s", tt.command, hint, tt.substr)
		}
	}
}
