package plugins

import (
	"strings"
	"testing"
)

func TestListOrder(t *testing.T) {
	r := NewRegistry()
	list := r.List()
	if len(list) != 3 {
		t.Fatalf("got %d capabilities, want 3", len(list))
	}
	want := []string{"docker", "kubectl", "git"}
	for i, name := range want {
		if list[i].Name != name {
			t.Errorf("capability %d = %q, want %q", i, list[i].Name, name)
		}
	}
}

func TestCheck(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		name        string
		command     string
		permissions []string
		wantCap     string
		wantAllowed bool
		wantConfirm bool
		wantReason  string
	}{
		{
			name:        "safe docker",
			command:     "docker ps",
			wantCap:     "docker",
			wantAllowed: true,
		},
		{
			name:        "dangerous docker",
			command:     "docker system prune -f",
			wantCap:     "docker",
			wantAllowed: false,
			wantReason:  "docker system prune",
		},
		{
			name:        "kubectl protected namespace denied",
			command:     "kubectl delete pod web -n kube-system",
			wantCap:     "kubectl",
			wantAllowed: false,
			wantReason:  "kube-system",
		},
		{
			name:        "kubectl protected namespace with admin",
			command:     "kubectl delete pod web -n kube-system",
			permissions: []string{"k8s-admin"},
			wantCap:     "kubectl",
			wantAllowed: true,
		},
		{
			name:        "kubectl normal namespace",
			command:     "kubectl get pods -n staging",
			wantCap:     "kubectl",
			wantAllowed: true,
		},
		{
			name:        "destructive git needs confirmation",
			command:     "git push --force origin main",
			wantCap:     "git",
			wantAllowed: true,
			wantConfirm: true,
			wantReason:  "git push --force",
		},
		{
			name:        "safe git",
			command:     "git status",
			wantCap:     "git",
			wantAllowed: true,
		},
		{
			name:        "unclaimed command passes through",
			command:     "ls -la",
			wantCap:     "",
			wantAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, capName := r.Check(tt.command, tt.permissions)
			if capName != tt.wantCap {
				t.Errorf("capability = %q, want %q", capName, tt.wantCap)
			}
			if res.Allowed != tt.wantAllowed {
				t.Errorf("Allowed = %v, want %v", res.Allowed, tt.wantAllowed)
			}
			if res.RequiresConfirmation != tt.wantConfirm {
				t.Errorf("RequiresConfirmation = %v, want %v", res.RequiresConfirmation, tt.wantConfirm)
			}
			if tt.wantReason != "" && !strings.Contains(res.Reason, tt.wantReason) {
				t.Errorf("Reason = %q, want mention of %q", res.Reason, tt.wantReason)
			}
		})
	}
}
