package recovery

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/opsgate/opsgate/internal/logger"
)

var log = logger.New("recovery")

// Suggestion is one safe alternative for a blocked command.
type Suggestion struct {
	Original   string  `json:"original"`
	Suggestion string  `json:"suggestion"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
	Safe       bool    `json:"safe"`
}

// rewrite maps one dangerous command shape to its safe alternative.
// key is the plain-text form used for fuzzy similarity when no pattern
// matches exactly.
type rewrite struct {
	key        string
	pattern    *regexp.Regexp
	suggestion string
	reason     string
}

const (
	exactConfidence = 0.8
	safeConfidence  = 0.9
	fuzzyThreshold  = 0.6
)

// Engine produces ranked safe alternatives for blocked commands.
// All tables are fixed at construction; suggestions are deterministic for
// identical input.
type Engine struct {
	rewrites []rewrite
	safe     []rewrite
}

func compileRewrite(key, pattern, suggestion, reason string) rewrite {
	return rewrite{
		key:        key,
		pattern:    regexp.MustCompile("(?i)" + pattern),
		suggestion: suggestion,
		reason:     reason,
	}
}

// NewEngine builds the engine with its curated rewrite table. Table order
// is significant: it is the tie-break for equal-confidence suggestions.
func NewEngine() *Engine {
	return &Engine{
		rewrites: []rewrite{
			compileRewrite("rm -rf /",
				`rm\s+-rf\s+/`,
				"rm -rf /path/to/specific/directory",
				"Never run rm -rf on root. Specify the exact directory."),
			compileRewrite("rm -rf ~",
				`rm\s+-rf\s+~`,
				"rm -rf ~/specific_directory",
				"Specify exact subdirectory instead of home."),
			compileRewrite("curl | bash",
				`curl\s+.*\|\s*bash`,
				"curl -o script.sh URL && cat script.sh && bash script.sh",
				"Download and review before executing."),
			compileRewrite("curl | sh",
				`curl\s+.*\|\s*sh`,
				"curl -o script.sh URL && cat script.sh && sh script.sh",
				"Download and review before executing."),
			compileRewrite("wget | sh",
				`wget\s+.*-\s*\|\s*(ba)?sh`,
				"wget -O script.sh URL && cat script.sh && bash script.sh",
				"Download and review before executing."),
			compileRewrite("chmod 777 /",
				`chmod\s+777\s+/`,
				"chmod 755 /specific/path",
				"777 on root is dangerous. Use more restrictive permissions."),
			compileRewrite("chmod -R 777 /",
				`chmod\s+-R\s+777\s+/`,
				"chmod -R 755 /specific/path",
				"Recursive 777 is dangerous. Use more restrictive permissions."),
			compileRewrite("systemctl restart",
				`systemctl\s+restart\s+`,
				"systemctl status <service> && systemctl restart <service>",
				"Check service status before restarting."),
			compileRewrite("apt remove",
				`(apt|yum|dnf)\s+remove\s+`,
				"apt list --installed | grep <package> && apt remove <package>",
				"Verify package exists and check dependencies first."),
			compileRewrite("docker system prune -f",
				`docker\s+system\s+prune\s+-f`,
				"docker system prune --dry-run",
				"Preview what will be removed before pruning."),
			compileRewrite("kubectl delete",
				`kubectl\s+delete\s+`,
				"kubectl get <resource> && kubectl delete <resource> --dry-run=client",
				"Verify resources exist and dry-run before deleting."),
			compileRewrite("dd of=/dev/sd",
				`dd\s+.*of=/dev/[sh]d`,
				"lsblk && dd if=/path/to/image of=/dev/sdX bs=4M status=progress",
				"Verify target device with lsblk before writing."),
		},
		safe: []rewrite{
			compileRewrite("rm -rf /tmp/", `rm\s+-rf\s+/tmp/`, "",
				"Safe: removing /tmp contents is generally OK"),
			compileRewrite("rm -rf /var/tmp/", `rm\s+-rf\s+/var/tmp/`, "",
				"Safe: removing /var/tmp contents is generally OK"),
			compileRewrite("find /tmp -delete", `find\s+/tmp\s+-type\s+f\s+-delete`, "",
				"Safe: cleaning temp files"),
		},
	}
}

// SuggestAlternatives returns ranked safe alternatives, highest confidence
// first; ties keep rewrite-table order.
func (e *Engine) SuggestAlternatives(command string) []Suggestion {
	// A command matching a known-safe shape needs no rewrite.
	for _, s := range e.safe {
		if s.pattern.MatchString(command) {
			return []Suggestion{{
				Original:   command,
				Suggestion: command,
				Reason:     s.reason,
				Confidence: safeConfidence,
				Safe:       true,
			}}
		}
	}

	var out []Suggestion
	for _, r := range e.rewrites {
		if !r.pattern.MatchString(command) {
			continue
		}
		out = append(out, Suggestion{
			Original:   command,
			Suggestion: customize(command, r.suggestion),
			Reason:     r.reason,
			Confidence: exactConfidence,
			Safe:       true,
		})
	}

	if len(out) == 0 {
		out = e.fuzzySuggest(command)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	return out
}

// fuzzySuggest falls back to approximate similarity between the command
// and each rewrite's plain-text key, scaling confidence by similarity.
func (e *Engine) fuzzySuggest(command string) []Suggestion {
	var out []Suggestion
	lower := strings.ToLower(command)
	for _, r := range e.rewrites {
		sim := similarity(lower, r.key)
		if sim < fuzzyThreshold {
			continue
		}
		out = append(out, Suggestion{
			Original:   command,
			Suggestion: customize(command, r.suggestion),
			Reason:     fmt.Sprintf("%s (fuzzy match: %d%%)", r.reason, int(sim*100)),
			Confidence: sim * exactConfidence,
			Safe:       true,
		})
	}
	if len(out) > 0 {
		log.Debug("Fuzzy matched %d alternatives for %q", len(out), command)
	}
	return out
}

// similarity is normalized Levenshtein similarity in [0,1].
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(longest)
}

var (
	serviceRe  = regexp.MustCompile(`systemctl\s+\w+\s+(\S+)`)
	resourceRe = regexp.MustCompile(`kubectl\s+\w+\s+(\S+)`)
)

// customize substitutes placeholders in a suggestion template from the
// original command.
func customize(original, suggestion string) string {
	if strings.Contains(suggestion, "<service>") {
		if m := serviceRe.FindStringSubmatch(original); m != nil {
			suggestion = strings.ReplaceAll(suggestion, "<service>", m[1])
		}
	}
	if strings.Contains(suggestion, "<package>") {
		if fields := strings.Fields(original); len(fields) >= 3 {
			suggestion = strings.ReplaceAll(suggestion, "<package>", fields[len(fields)-1])
		}
	}
	if strings.Contains(suggestion, "<resource>") {
		if m := resourceRe.FindStringSubmatch(original); m != nil {
			suggestion = strings.ReplaceAll(suggestion, "<resource>", m[1])
		}
	}
	return suggestion
}

var blockExplanations = map[string]string{
	"rm_rf_root":            "This command would recursively delete files from the root directory, which could destroy the entire system.",
	"mkfs_block":            "This command formats filesystems, which would destroy all data on the target device.",
	"dd_to_disk":            "Direct disk writes can corrupt the operating system or destroy data.",
	"shadow_access":         "Password files contain sensitive credential information.",
	"ssh_key_access":        "SSH private keys grant access to remote systems.",
	"curl_pipe_bash":        "Piping curl directly to a shell executes code without review, which is a common attack vector.",
	"wget_pipe_shell":       "Piping a download directly to a shell executes code without review.",
	"kubectl_force_delete":  "Force-deleting Kubernetes resources can cause service disruptions.",
	"kubectl_secret_access": "Kubernetes secrets contain sensitive data like passwords and API keys.",
}

// ExplainBlock returns a human-readable explanation for a block, keyed by
// the rule that caused it when known.
func (e *Engine) ExplainBlock(command, ruleName string) string {
	if text, ok := blockExplanations[ruleName]; ok {
		return text
	}
	display := command
	if len(display) > 50 {
		display = display[:50] + "..."
	}
	return fmt.Sprintf("The command '%s' matches a security policy that prevents potentially dangerous operations.", display)
}

// LearningHint suggests a learning resource for the command's tool family.
func (e *Engine) LearningHint(command string) (string, bool) {
	lower := strings.ToLower(command)
	switch {
	case strings.Contains(lower, "docker"):
		return "Learn more about Docker security: https://docs.docker.com/engine/security/", true
	case strings.Contains(lower, "kubectl"):
		return "Learn more about Kubernetes security: https://kubernetes.io/docs/concepts/security/", true
	case strings.Contains(lower, "iptables"), strings.Contains(lower, "ufw"), strings.Contains(lower, "firewalld"):
		return "Learn more about Linux firewall configuration and security best practices.", true
	case strings.Contains(lower, "chmod"):
		return "Learn about Linux permissions: https://chmod-calculator.com/", true
	}
	return "", false
}
