package policy

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/opsgate/opsgate/internal/logger"
	"github.com/opsgate/opsgate/internal/types"
)

var log = logger.New("policy")

// ErrDuplicateRule is returned by AddRule when a rule with the same name
// is already present in the store.
var ErrDuplicateRule = errors.New("rule already exists")

// EvaluationError reports a rule whose pattern failed to compile.
// For builtin rules this is a fatal startup error.
type EvaluationError struct {
	RuleName string
	Err      error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("policy rule %q: %v", e.RuleName, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// Store holds the authoritative, ordered list of policy rules.
// Builtin rules load once at construction; file and user rules can be
// added or reloaded afterwards. Insertion order is preserved for display;
// severity ranking decides match precedence.
type Store struct {
	mu      sync.RWMutex
	builtin []*Rule
	file    []*Rule // from declarative policy files, replaced on reload
	user    []*Rule // from AddRule, kept across file reloads
	byName  map[string]*Rule
}

// NewStore creates a Store preloaded with the builtin rules.
// A builtin pattern that fails to compile is a fatal error.
func NewStore() (*Store, error) {
	s := &Store{byName: make(map[string]*Rule)}

	for _, r := range builtinRules() {
		rule := r
		if err := rule.compile(); err != nil {
			return nil, &EvaluationError{RuleName: rule.Name, Err: err}
		}
		rule.Source = SourceBuiltin
		s.builtin = append(s.builtin, &rule)
		s.byName[rule.Name] = &rule
	}

	log.Debug("Loaded %d builtin rules", len(s.builtin))
	return s, nil
}

// AddRule validates, compiles and appends a user rule.
// Fails with ErrDuplicateRule if the name is taken, or an EvaluationError
// if the pattern does not compile. The store is unchanged on failure.
func (s *Store) AddRule(r Rule) error {
	if err := r.compile(); err != nil {
		return &EvaluationError{RuleName: r.Name, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byName[r.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRule, r.Name)
	}
	r.Source = SourceUser
	s.user = append(s.user, &r)
	s.byName[r.Name] = &r
	return nil
}

// SetFileRules replaces all file-sourced rules with the given set.
// Rules whose name collides with a builtin or user rule are skipped
// with a warning; the rest are installed atomically.
func (s *Store) SetFileRules(rules []Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, old := range s.file {
		delete(s.byName, old.Name)
	}
	s.file = s.file[:0]

	for i := range rules {
		r := rules[i]
		if _, exists := s.byName[r.Name]; exists {
			log.Warn("Skipping file rule %q: name already in use", r.Name)
			continue
		}
		r.Source = SourceFile
		s.file = append(s.file, &r)
		s.byName[r.Name] = &r
	}
}

// Get returns the rule with the given name.
func (s *Store) Get(name string) (Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byName[name]
	if !ok {
		return Rule{}, false
	}
	return *r, true
}

// Rules returns all rules in display order: builtin, then file, then user.
func (s *Store) Rules() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Rule, 0, len(s.builtin)+len(s.file)+len(s.user))
	for _, r := range s.builtin {
		out = append(out, *r)
	}
	for _, r := range s.file {
		out = append(out, *r)
	}
	for _, r := range s.user {
		out = append(out, *r)
	}
	return out
}

// Count returns the number of active rules.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.builtin) + len(s.file) + len(s.user)
}

// matchAll returns every rule matching the command, ordered by severity rank
// and then by store position. The first element is the decisive match: the
// most severe classification wins, with first-match-in-store-order breaking
// ties within a severity.
func (s *Store) matchAll(command string) []*Rule {
	s.mu.RLock()
	all := make([]*Rule, 0, len(s.builtin)+len(s.file)+len(s.user))
	all = append(all, s.builtin...)
	all = append(all, s.file...)
	all = append(all, s.user...)
	s.mu.RUnlock()

	type indexed struct {
		rule *Rule
		pos  int
	}
	var matched []indexed
	for i, r := range all {
		if r.Matches(command) {
			matched = append(matched, indexed{rule: r, pos: i})
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		ri, rj := matched[i].rule.Severity.Rank(), matched[j].rule.Severity.Rank()
		if ri != rj {
			return ri < rj
		}
		return matched[i].pos < matched[j].pos
	})

	out := make([]*Rule, len(matched))
	for i, m := range matched {
		out[i] = m.rule
	}
	return out
}

// builtinRules returns the builtin rule set in fixed category order:
// destructive, credential, network, kubernetes, graylist. The order is
// load-bearing for tie-breaks between equal-severity matches.
func builtinRules() []Rule {
	return []Rule{
		// Destructive operations
		{
			Name:        "rm_rf_root",
			Description: "Recursive force-delete of the root filesystem",
			Pattern:     `rm\s+-[a-zA-Z]*f[a-zA-Z]*\s+.*(/\s*$|/\.\s*$|/\*)`,
			Action:      types.ActionBlock,
			Severity:    types.SeverityCritical,
			Category:    "destructive",
		},
		{
			Name:        "mkfs_block",
			Description: "Filesystem formatting destroys all data on the target device",
			Pattern:     `\bmkfs\.`,
			Action:      types.ActionBlock,
			Severity:    types.SeverityCritical,
			Category:    "destructive",
		},
		{
			Name:        "dd_to_disk",
			Description: "Raw dd writes to block devices can corrupt the system",
			Pattern:     `\bdd\s+.*of=/dev/[sh]d`,
			Action:      types.ActionBlock,
			Severity:    types.SeverityCritical,
			Category:    "destructive",
		},
		// Credential access
		{
			Name:        "shadow_access",
			Description: "Shadow password files contain credential hashes",
			Pattern:     `\bcat\s+/etc/(shadow|gshadow)`,
			Action:      types.ActionBlock,
			Severity:    types.SeverityHigh,
			Category:    "credential",
		},
		{
			Name:        "ssh_key_access",
			Description: "SSH private keys grant access to remote systems",
			Pattern:     `\bcat\s+.*/\.ssh/id_`,
			Action:      types.ActionBlock,
			Severity:    types.SeverityHigh,
			Category:    "credential",
		},
		// Network attacks
		{
			Name:        "curl_pipe_bash",
			Description: "Piping a download straight into a shell executes unreviewed code",
			Pattern:     `curl\s+.*\|\s*(ba)?sh`,
			Action:      types.ActionConfirm,
			Severity:    types.SeverityHigh,
			Category:    "network",
		},
		{
			Name:        "wget_pipe_shell",
			Description: "Piping a download straight into a shell executes unreviewed code",
			Pattern:     `wget\s+.*-\s*\|\s*(ba)?sh`,
			Action:      types.ActionConfirm,
			Severity:    types.SeverityHigh,
			Category:    "network",
		},
		// Kubernetes safety
		{
			Name:        "kubectl_force_delete",
			Description: "Force-deleting Kubernetes resources can disrupt running services",
			Pattern:     `\bkubectl\s+delete\s+.*(--force|--grace-period=0)`,
			Action:      types.ActionBlock,
			Severity:    types.SeverityHigh,
			Category:    "kubernetes",
		},
		{
			Name:        "kubectl_secret_access",
			Description: "Kubernetes secrets contain passwords and API keys",
			Pattern:     `\bkubectl\s+get\s+secret`,
			Action:      types.ActionBlock,
			Severity:    types.SeverityHigh,
			Category:    "kubernetes",
		},
		// Graylist: allowed with confirmation
		{
			Name:        "sudo_su",
			Description: "Interactive root shells bypass per-command auditing",
			Pattern:     `\bsudo\s+su\b`,
			Action:      types.ActionConfirm,
			Severity:    types.SeverityHigh,
			Category:    "graylist",
		},
		{
			Name:        "package_install",
			Description: "Package installation changes system state",
			Pattern:     `\b(apt|apt-get|yum|dnf|pacman|pip|npm)\s+install`,
			Action:      types.ActionConfirm,
			Severity:    types.SeverityMedium,
			Category:    "graylist",
		},
		{
			Name:        "service_restart",
			Description: "Restarting or stopping services interrupts availability",
			Pattern:     `\bsystemctl\s+(restart|stop)`,
			Action:      types.ActionConfirm,
			Severity:    types.SeverityMedium,
			Category:    "graylist",
		},
		{
			Name:        "firewall_modify",
			Description: "Firewall changes can expose or cut off the host",
			Pattern:     `\b(iptables|ufw|firewall-cmd)\s+.*(-A|--add|-D|--delete)`,
			Action:      types.ActionConfirm,
			Severity:    types.SeverityHigh,
			Category:    "graylist",
		},
	}
}
