package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/opsgate/opsgate/internal/audit"
	"github.com/opsgate/opsgate/internal/cost"
	"github.com/opsgate/opsgate/internal/logger"
	"github.com/opsgate/opsgate/internal/playbook"
	"github.com/opsgate/opsgate/internal/plugins"
	"github.com/opsgate/opsgate/internal/policy"
	"github.com/opsgate/opsgate/internal/recovery"
	"github.com/opsgate/opsgate/internal/sandbox"
	"github.com/opsgate/opsgate/internal/types"
)

var log = logger.New("gateway")

// Options configures a Gateway.
type Options struct {
	Engine   *policy.Engine
	Manager  *sandbox.Manager
	Recovery *recovery.Engine
	Registry *plugins.Registry
	Tracker  *cost.Tracker
	// Audit is optional; nil disables persistent auditing.
	Audit *audit.Storage
	// SandboxDefaults is the isolation envelope for per-user sandboxes.
	SandboxDefaults sandbox.Config
}

// Gateway sequences policy evaluation, recovery, and sandboxed execution,
// and records every mediated command in the session history.
type Gateway struct {
	engine   *policy.Engine
	manager  *sandbox.Manager
	recovery *recovery.Engine
	registry *plugins.Registry
	tracker  *cost.Tracker
	audit    *audit.Storage
	defaults sandbox.Config

	mu        sync.Mutex
	history   []types.CommandRecord
	userBoxes map[string]string
}

// New creates a gateway.
func New(opts Options) *Gateway {
	return &Gateway{
		engine:    opts.Engine,
		manager:   opts.Manager,
		recovery:  opts.Recovery,
		registry:  opts.Registry,
		tracker:   opts.Tracker,
		audit:     opts.Audit,
		defaults:  opts.SandboxDefaults,
		userBoxes: make(map[string]string),
	}
}

// ExecuteOptions tunes one Execute call.
type ExecuteOptions struct {
	User        string
	Permissions []string
	// Confirm resolves CONFIRM-tier decisions. Nil means confirmation
	// cannot be granted (non-interactive callers).
	Confirm func(reason string) bool
	// Timeout overrides the sandbox's command timeout when positive.
	Timeout time.Duration
	// DryRun stops after evaluation; nothing executes or is recorded.
	DryRun bool
}

// Result is the full outcome of one mediated command. Sandbox and
// execution failures are reported here, never as panics.
type Result struct {
	Command              string                `json:"command"`
	Allowed              bool                  `json:"allowed"`
	Executed             bool                  `json:"executed"`
	Action               types.Action          `json:"action"`
	RequiresConfirmation bool                  `json:"requires_confirmation"`
	ConfirmationDenied   bool                  `json:"confirmation_denied,omitempty"`
	MatchedRule          string                `json:"matched_rule,omitempty"`
	Message              string                `json:"message,omitempty"`
	RiskScore            int                   `json:"risk_score"`
	Stage                policy.Stage          `json:"stage"`
	Output               string                `json:"output,omitempty"`
	ExitStatus           int                   `json:"exit_status"`
	TimedOut             bool                  `json:"timed_out,omitempty"`
	Error                string                `json:"error,omitempty"`
	Suggestions          []recovery.Suggestion `json:"suggestions,omitempty"`
	Explanation          string                `json:"explanation,omitempty"`
	LearningHint         string                `json:"learning_hint,omitempty"`
	SandboxID            string                `json:"sandbox_id,omitempty"`
	Cost                 *cost.Record          `json:"cost,omitempty"`
}

// Execute mediates one command: evaluate, advise on block, execute in the
// user's sandbox on allow.
func (g *Gateway) Execute(ctx context.Context, command string, opts ExecuteOptions) Result {
	if opts.User == "" {
		opts.User = "default"
	}

	var cc *cost.Context
	if g.tracker != nil && !opts.DryRun {
		cc = g.tracker.StartTracking(command, opts.User)
	}

	var decision policy.Result
	if opts.DryRun {
		decision = g.engine.DryRun(command)
	} else {
		decision = g.engine.Evaluate(ctx, command, opts.User)
	}

	res := Result{
		Command:              command,
		Allowed:              decision.Allowed,
		Action:               decision.Action,
		RequiresConfirmation: decision.RequiresConfirmation,
		Message:              decision.Message,
		RiskScore:            decision.RiskScore,
		Stage:                decision.Stage,
	}
	if decision.MatchedRule != nil {
		res.MatchedRule = decision.MatchedRule.Name
	}

	// Capability handlers can tighten, never loosen, the decision.
	if res.Allowed && g.registry != nil {
		check, capName := g.registry.Check(command, opts.Permissions)
		if !check.Allowed {
			res.Allowed = false
			res.Action = types.ActionBlock
			res.Message = check.Reason
			res.MatchedRule = capName
		} else if check.RequiresConfirmation && !res.RequiresConfirmation {
			res.RequiresConfirmation = true
			if res.Message == "no violations" || res.Message == "" {
				res.Message = check.Reason
			}
		}
	}

	if !res.Allowed {
		res.Suggestions = g.recovery.SuggestAlternatives(command)
		res.Explanation = g.recovery.ExplainBlock(command, res.MatchedRule)
		if hint, ok := g.recovery.LearningHint(command); ok {
			res.LearningHint = hint
		}
		if !opts.DryRun {
			res.Cost = g.record(ctx, res, cc, opts.User)
		}
		return res
	}

	if opts.DryRun {
		return res
	}

	if res.RequiresConfirmation {
		if opts.Confirm == nil || !opts.Confirm(res.Message) {
			res.ConfirmationDenied = true
			res.Error = "confirmation required but not granted"
			res.Cost = g.record(ctx, res, cc, opts.User)
			return res
		}
	}

	id, err := g.ensureSandbox(ctx, opts.User)
	if err != nil {
		res.Error = err.Error() + "; retry or contact an administrator"
		res.Cost = g.record(ctx, res, cc, opts.User)
		return res
	}
	res.SandboxID = id

	exec, err := g.manager.Execute(ctx, id, command, opts.Timeout)
	if err != nil {
		// The registered sandbox may have expired between ensure and
		// execute; one fresh attempt covers that window.
		if err == sandbox.ErrNotFound {
			if id, err2 := g.ensureSandbox(ctx, opts.User); err2 == nil {
				res.SandboxID = id
				exec, err = g.manager.Execute(ctx, id, command, opts.Timeout)
			}
		}
		if err != nil {
			res.Error = err.Error() + "; retry or contact an administrator"
			res.Cost = g.record(ctx, res, cc, opts.User)
			return res
		}
	}

	res.Executed = true
	res.Output = exec.Output
	res.ExitStatus = exec.ExitStatus
	res.TimedOut = exec.TimedOut
	if exec.TimedOut {
		res.Error = "command timed out"
	}

	res.Cost = g.record(ctx, res, cc, opts.User)
	return res
}

// ensureSandbox returns the user's live sandbox, creating one if needed.
func (g *Gateway) ensureSandbox(ctx context.Context, user string) (string, error) {
	g.mu.Lock()
	id, ok := g.userBoxes[user]
	g.mu.Unlock()

	if ok {
		if info, found := g.manager.Get(id); found && info.State != sandbox.StateDestroyed {
			return id, nil
		}
	}

	cfg := g.defaults
	cfg.UserID = user
	info, err := g.manager.Create(ctx, user, cfg)
	if err != nil {
		return "", err
	}

	g.mu.Lock()
	// A concurrent first command for the same user may have won the
	// creation race while we were allocating. Keep theirs, tear down ours.
	if existing, ok := g.userBoxes[user]; ok && existing != info.ID {
		if cur, found := g.manager.Get(existing); found && cur.State != sandbox.StateDestroyed {
			g.mu.Unlock()
			g.manager.Destroy(info.ID)
			return existing, nil
		}
	}
	g.userBoxes[user] = info.ID
	g.mu.Unlock()
	return info.ID, nil
}

// record appends the session history entry, persists the audit row, and
// closes cost tracking, returning the cost record when tracking is on.
// Persistence failures are logged, not surfaced.
func (g *Gateway) record(ctx context.Context, res Result, cc *cost.Context, user string) *cost.Record {
	rec := types.CommandRecord{
		Command:   res.Command,
		Timestamp: time.Now(),
		User:      user,
		Output:    res.Output,
		Success:   res.Executed && !res.TimedOut && res.ExitStatus == 0,
	}

	g.mu.Lock()
	g.history = append(g.history, rec)
	g.mu.Unlock()

	var costRec *cost.Record
	if cc != nil {
		r := g.tracker.StopTracking(cc)
		costRec = &r
	}

	if g.audit != nil {
		entry := audit.Entry{
			Record:    rec,
			SandboxID: res.SandboxID,
			Action:    res.Action,
			RiskScore: res.RiskScore,
		}
		if err := g.audit.AppendEntry(ctx, entry); err != nil {
			log.Warn("Audit append failed: %v", err)
		}
		if costRec != nil {
			err := g.audit.AppendCost(ctx, audit.CostEntry{
				Timestamp:   costRec.Timestamp,
				User:        costRec.UserID,
				Model:       costRec.Model,
				TotalTokens: costRec.Usage.TotalTokens,
				CostUSD:     costRec.EstimatedCostUSD,
				Command:     costRec.Command,
			})
			if err != nil {
				log.Warn("Cost append failed: %v", err)
			}
		}
	}
	return costRec
}

// History returns a copy of the session history.
func (g *Gateway) History() []types.CommandRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]types.CommandRecord, len(g.history))
	copy(out, g.history)
	return out
}

// ExportSession renders the session history in the requested format.
func (g *Gateway) ExportSession(format playbook.Format) (string, error) {
	return playbook.Export(g.History(), format)
}

// Close destroys all sandboxes and shuts down the manager.
func (g *Gateway) Close() {
	g.manager.Shutdown()
}
