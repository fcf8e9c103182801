package policy

import (
	"context"
	"fmt"

	"github.com/opsgate/opsgate/internal/types"
)

// Stage identifies which evaluation path produced a Result. The remote
// service is tried first when configured; local rules are the fallback.
// Keeping the stage explicit makes the fallback path independently testable.
type Stage string

const (
	// StageRemote means the remote policy service produced the decision.
	StageRemote Stage = "remote"
	// StageLocal means local rule evaluation produced the decision.
	StageLocal Stage = "local"
)

// Result is the outcome of evaluating one command. Created fresh per
// evaluation and never mutated after construction.
type Result struct {
	Allowed              bool              `json:"allowed"`
	Action               types.Action      `json:"action"`
	MatchedRule          *Rule             `json:"matched_rule,omitempty"`
	Message              string            `json:"message"`
	RequiresConfirmation bool              `json:"requires_confirmation"`
	RiskScore            int               `json:"risk_score"`
	Violations           []types.Violation `json:"violations,omitempty"`
	Stage                Stage             `json:"stage"`
}

// Engine evaluates commands against the rule store, optionally consulting
// a remote policy service first.
type Engine struct {
	store  *Store
	remote *RemoteClient // nil when no remote service is configured
}

// NewEngine creates a policy engine. remote may be nil.
func NewEngine(store *Store, remote *RemoteClient) *Engine {
	return &Engine{store: store, remote: remote}
}

// Store returns the engine's rule store.
func (e *Engine) Store() *Store { return e.store }

// Evaluate produces one deterministic Result for the command.
// A configured remote service is consulted first within its time budget;
// on any transport failure the engine falls back to local rules and the
// error is logged, never surfaced to the caller.
func (e *Engine) Evaluate(ctx context.Context, command, user string) Result {
	if e.remote != nil {
		decision, err := e.remote.Evaluate(ctx, command, user)
		if err == nil {
			return remoteResult(decision)
		}
		log.Warn("Remote policy service unavailable, falling back to local rules: %v", err)
	}
	return e.evaluateLocal(command)
}

// DryRun evaluates the command against local rules only, with no remote
// calls and no side effects beyond the returned value.
func (e *Engine) DryRun(command string) Result {
	return e.evaluateLocal(command)
}

func (e *Engine) evaluateLocal(command string) Result {
	matched := e.store.matchAll(command)

	if len(matched) == 0 {
		return Result{
			Allowed: true,
			Action:  types.ActionAllow,
			Message: "no violations",
			Stage:   StageLocal,
		}
	}

	violations := make([]types.Violation, 0, len(matched))
	blocked := false
	confirm := false
	for _, r := range matched {
		violations = append(violations, r.Violation())
		switch r.Action {
		case types.ActionBlock:
			blocked = true
		case types.ActionConfirm:
			confirm = true
		}
	}

	// matchAll orders by severity rank then store position, so the head
	// is the decisive match for the message.
	top := matched[0]

	res := Result{
		Action:      types.ActionAllow,
		MatchedRule: top,
		Message:     fmt.Sprintf("policy %q: %s", top.Name, top.Description),
		RiskScore:   types.RiskScore(violations),
		Violations:  violations,
		Stage:       StageLocal,
	}

	switch {
	case blocked:
		res.Allowed = false
		res.Action = types.ActionBlock
	case confirm:
		res.Allowed = true
		res.Action = types.ActionConfirm
		res.RequiresConfirmation = true
	default:
		res.Allowed = true
		res.Action = top.Action // allow or log
	}
	return res
}

// remoteResult maps a remote decision onto the local Result shape,
// taking the service's structured fields verbatim.
func remoteResult(d *RemoteDecision) Result {
	res := Result{
		Allowed:              d.Allow,
		RequiresConfirmation: d.RequiresConfirmation,
		RiskScore:            d.RiskScore,
		Violations:           d.Violations,
		Stage:                StageRemote,
		Message:              "remote policy decision",
	}
	if d.Allow {
		res.Action = types.ActionAllow
		if d.RequiresConfirmation {
			res.Action = types.ActionConfirm
		}
	} else {
		res.Action = types.ActionBlock
	}
	if len(d.Violations) > 0 {
		res.Message = d.Violations[0].Message
	}
	return res
}
