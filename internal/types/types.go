// Package types defines common type-safe enums and records shared across the codebase.
package types

import "time"

// Action represents a policy enforcement action.
type Action string

const (
	// ActionAllow permits the command without restriction.
	ActionAllow Action = "allow"
	// ActionBlock rejects the command outright.
	ActionBlock Action = "block"
	// ActionConfirm permits the command after explicit user confirmation (graylist).
	ActionConfirm Action = "confirm"
	// ActionLog permits the command but records it for audit.
	ActionLog Action = "log"
)

// Valid returns true if the Action is a known valid value.
func (a Action) Valid() bool {
	switch a {
	case ActionAllow, ActionBlock, ActionConfirm, ActionLog:
		return true
	}
	return false
}

// Severity represents a rule severity level.
type Severity string

// Severity levels, most severe first.
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Valid returns true if the Severity is a known valid value.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Rank returns the sort rank of a severity, 0 being most severe.
// Unknown severities rank after all known ones.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 3
	}
	return 4
}

// Weight returns the risk-score contribution of one violation at this severity.
func (s Severity) Weight() int {
	switch s {
	case SeverityCritical:
		return 100
	case SeverityHigh:
		return 50
	case SeverityMedium:
		return 25
	}
	return 0
}

// Violation is a single policy violation found during evaluation.
type Violation struct {
	Type     string   `json:"type"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// RiskScore computes the aggregate risk score for a set of violations:
// the sum of each violation's severity weight.
func RiskScore(violations []Violation) int {
	score := 0
	for _, v := range violations {
		score += v.Severity.Weight()
	}
	return score
}

// NetworkMode represents the sandbox network isolation mode.
type NetworkMode string

const (
	// NetworkNone disables all network access inside the sandbox.
	NetworkNone NetworkMode = "none"
	// NetworkRestricted allows network access to an allow-listed set of hosts.
	NetworkRestricted NetworkMode = "restricted"
	// NetworkFull allows unrestricted network access.
	NetworkFull NetworkMode = "full"
)

// Valid returns true if the NetworkMode is a known valid value.
func (m NetworkMode) Valid() bool {
	return m == NetworkNone || m == NetworkRestricted || m == NetworkFull
}

// CommandRecord is one executed command in a session history.
// Records are append-only; the playbook exporter consumes the ordered sequence.
type CommandRecord struct {
	Command   string    `json:"command"`
	Timestamp time.Time `json:"timestamp"`
	User      string    `json:"user"`
	Output    string    `json:"output,omitempty"`
	Success   bool      `json:"success"`
}

// LogLevel is the configured logging verbosity.
type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Valid returns true if the LogLevel is a known valid value.
func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelTrace, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, "":
		return true
	}
	return false
}
