package policy

import (
	"fmt"
	"regexp"

	"github.com/opsgate/opsgate/internal/types"
)

// Source represents the origin of a rule.
type Source string

// Rule sources
const (
	SourceBuiltin Source = "builtin"
	SourceFile    Source = "file"
	SourceUser    Source = "user"
)

// maxPatternLen limits user-supplied regex pattern length to bound compilation cost.
const maxPatternLen = 4096

// Rule is a single policy rule. Immutable once loaded into a Store.
type Rule struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description" yaml:"description"`
	Pattern     string            `json:"pattern" yaml:"pattern"`
	Action      types.Action      `json:"action" yaml:"action"`
	Severity    types.Severity    `json:"severity" yaml:"severity"`
	Category    string            `json:"category,omitempty" yaml:"category,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Source      Source            `json:"source,omitempty" yaml:"-"`

	compiled *regexp.Regexp
}

// compile validates and pre-compiles the rule's pattern. Patterns match
// case-insensitively anywhere in the command string.
func (r *Rule) compile() error {
	if r.Name == "" {
		return fmt.Errorf("rule has no name")
	}
	if r.Pattern == "" {
		return fmt.Errorf("rule %q has no pattern", r.Name)
	}
	if len(r.Pattern) > maxPatternLen {
		return fmt.Errorf("rule %q: pattern too long (%d > %d chars)", r.Name, len(r.Pattern), maxPatternLen)
	}
	if !r.Action.Valid() {
		return fmt.Errorf("rule %q: unknown action %q", r.Name, r.Action)
	}
	if r.Severity == "" {
		r.Severity = types.SeverityMedium
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("rule %q: unknown severity %q", r.Name, r.Severity)
	}

	re, err := regexp.Compile("(?i)" + r.Pattern)
	if err != nil {
		return fmt.Errorf("rule %q: invalid pattern: %w", r.Name, err)
	}
	r.compiled = re
	return nil
}

// Matches reports whether the command matches this rule's pattern.
func (r *Rule) Matches(command string) bool {
	if r.compiled == nil {
		return false
	}
	return r.compiled.MatchString(command)
}

// Violation converts a rule match into a Violation record.
func (r *Rule) Violation() types.Violation {
	vtype := r.Category
	if vtype == "" {
		vtype = r.Name
	}
	return types.Violation{
		Type:     vtype,
		Severity: r.Severity,
		Message:  r.Description,
	}
}
