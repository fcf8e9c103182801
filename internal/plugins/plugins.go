package plugins

import (
	"fmt"
	"strings"

	"github.com/opsgate/opsgate/internal/logger"
)

var log = logger.New("plugins")

// CheckResult is a capability handler's verdict on a command. It runs
// before policy-approved execution and can veto or demand confirmation.
type CheckResult struct {
	Allowed              bool   `json:"allowed"`
	RequiresConfirmation bool   `json:"requires_confirmation"`
	Reason               string `json:"reason,omitempty"`
}

// Capability is one tool family the gateway knows extra safety rules for.
// The set is fixed at startup; there is no dynamic discovery.
type Capability struct {
	Name        string
	Version     string
	Description string
	CanHandle   func(command string) bool
	Check       func(command string, permissions []string) CheckResult
}

// Info is the serializable view of a capability for listings.
type Info struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
}

// Registry holds the static capability table in registration order.
type Registry struct {
	caps []Capability
}

func allowed() CheckResult { return CheckResult{Allowed: true} }

// NewRegistry builds the registry with the built-in docker, kubectl, and
// git capabilities.
func NewRegistry() *Registry {
	return &Registry{caps: []Capability{
		{
			Name:        "docker",
			Version:     "1.0.0",
			Description: "Execute Docker commands safely",
			CanHandle: func(command string) bool {
				return strings.HasPrefix(strings.TrimSpace(command), "docker ")
			},
			Check: checkDocker,
		},
		{
			Name:        "kubectl",
			Version:     "1.0.0",
			Description: "Execute kubectl commands with namespace safety",
			CanHandle: func(command string) bool {
				return strings.HasPrefix(strings.TrimSpace(command), "kubectl ")
			},
			Check: checkKubectl,
		},
		{
			Name:        "git",
			Version:     "1.0.0",
			Description: "Execute Git commands with safety checks",
			CanHandle: func(command string) bool {
				return strings.HasPrefix(strings.TrimSpace(command), "git ")
			},
			Check: checkGit,
		},
	}}
}

// List returns capability info in registration order.
func (r *Registry) List() []Info {
	out := make([]Info, 0, len(r.caps))
	for _, c := range r.caps {
		out = append(out, Info{Name: c.Name, Version: c.Version, Description: c.Description})
	}
	return out
}

// Check runs the first capability whose predicate matches. Commands no
// capability claims pass through allowed; the policy engine has already
// had its say.
func (r *Registry) Check(command string, permissions []string) (CheckResult, string) {
	for _, c := range r.caps {
		if !c.CanHandle(command) {
			continue
		}
		res := c.Check(command, permissions)
		if !res.Allowed || res.RequiresConfirmation {
			log.Debug("Capability %s flagged %q: %s", c.Name, command, res.Reason)
		}
		return res, c.Name
	}
	return allowed(), ""
}

func checkDocker(command string, _ []string) CheckResult {
	dangerous := []string{"docker rm -f", "docker system prune", "docker rmi -f"}
	lower := strings.ToLower(command)
	for _, pattern := range dangerous {
		if strings.Contains(lower, pattern) {
			return CheckResult{
				Allowed: false,
				Reason:  fmt.Sprintf("Potentially dangerous Docker command blocked: %s", pattern),
			}
		}
	}
	return allowed()
}

var protectedNamespaces = []string{"kube-system", "kube-public", "kube-node-lease"}

func checkKubectl(command string, permissions []string) CheckResult {
	for _, ns := range protectedNamespaces {
		if !strings.Contains(command, "-n "+ns) && !strings.Contains(command, "--namespace="+ns) {
			continue
		}
		if !hasPermission(permissions, "k8s-admin") {
			return CheckResult{
				Allowed: false,
				Reason:  fmt.Sprintf("Protected namespace %q requires k8s-admin permission", ns),
			}
		}
	}
	return allowed()
}

func checkGit(command string, _ []string) CheckResult {
	dangerous := []string{"git push --force", "git push -f", "git reset --hard", "git clean -fd"}
	lower := strings.ToLower(command)
	for _, pattern := range dangerous {
		if strings.Contains(lower, pattern) {
			return CheckResult{
				Allowed:              true,
				RequiresConfirmation: true,
				Reason:               fmt.Sprintf("Destructive git command requires confirmation: %s", pattern),
			}
		}
	}
	return allowed()
}

func hasPermission(permissions []string, want string) bool {
	for _, p := range permissions {
		if p == want {
			return true
		}
	}
	return false
}
