package cost

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opsgate/opsgate/internal/fileutil"
	"github.com/opsgate/opsgate/internal/logger"
)

var log = logger.New("cost")

// TokenUsage accumulates token counts for one tracked operation.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Record is one finished cost entry.
type Record struct {
	Command          string        `json:"command"`
	Timestamp        time.Time     `json:"timestamp"`
	UserID           string        `json:"user_id"`
	Usage            TokenUsage    `json:"usage"`
	Model            string        `json:"model"`
	EstimatedCostUSD float64       `json:"estimated_cost_usd"`
	ExecutionTime    time.Duration `json:"execution_time"`
}

// pricing is USD per 1K tokens.
type pricing struct {
	input  float64
	output float64
}

var modelPricing = map[string]pricing{
	"gpt-4":           {0.03, 0.06},
	"gpt-4-turbo":     {0.01, 0.03},
	"gpt-3.5-turbo":   {0.0005, 0.0015},
	"claude-3-opus":   {0.015, 0.075},
	"claude-3-sonnet": {0.003, 0.015},
	"local":           {0, 0},
}

const defaultModel = "gpt-3.5-turbo"

// UserStats summarizes one user's spend.
type UserStats struct {
	UserID            string  `json:"user_id"`
	TotalCommands     int     `json:"total_commands"`
	TotalTokens       int     `json:"total_tokens"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
	AvgCostPerCommand float64 `json:"average_cost_per_command"`
}

// GlobalStats summarizes spend across all users.
type GlobalStats struct {
	TotalCommands     int     `json:"total_commands"`
	TotalTokens       int     `json:"total_tokens"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
	UniqueUsers       int     `json:"unique_users"`
	AvgCostPerCommand float64 `json:"average_cost_per_command"`
}

// Tracker accumulates per-command token usage and cost. Bookkeeping only;
// it never influences policy or sandbox decisions.
type Tracker struct {
	enabled bool
	model   string
	logPath string

	mu      sync.Mutex
	records []Record
}

// NewTracker creates a tracker. An empty logPath disables the append log;
// an empty model uses the default pricing entry.
func NewTracker(enabled bool, model, logPath string) *Tracker {
	if model == "" {
		model = defaultModel
	}
	if logPath != "" {
		if err := fileutil.SecureMkdirAll(filepath.Dir(logPath)); err != nil {
			log.Warn("Cannot create cost log directory: %v", err)
			logPath = ""
		}
	}
	return &Tracker{enabled: enabled, model: model, logPath: logPath}
}

// Context tracks one invocation. Each caller gets its own; no cross-request
// synchronization is needed until StopTracking folds it into the tracker.
type Context struct {
	tracker *Tracker
	command string
	userID  string
	model   string
	start   time.Time
	usage   TokenUsage
}

// StartTracking opens a cost context for one command invocation.
func (t *Tracker) StartTracking(command, userID string) *Context {
	return &Context{
		tracker: t,
		command: command,
		userID:  userID,
		model:   t.model,
		start:   time.Now(),
	}
}

// AddTokens accumulates prompt/completion tokens into the context.
func (c *Context) AddTokens(prompt, completion int) {
	c.usage.PromptTokens += prompt
	c.usage.CompletionTokens += completion
	c.usage.TotalTokens += prompt + completion
}

// Usage returns the tokens accumulated so far.
func (c *Context) Usage() TokenUsage { return c.usage }

// StopTracking finalizes the context into a Record, appends it to the
// in-memory ledger and the TSV log, and returns it.
func (t *Tracker) StopTracking(c *Context) Record {
	rec := Record{
		Command:          c.command,
		Timestamp:        time.Now(),
		UserID:           c.userID,
		Usage:            c.usage,
		Model:            c.model,
		EstimatedCostUSD: calculateCost(c.usage, c.model),
		ExecutionTime:    time.Since(c.start),
	}
	if !t.enabled {
		return rec
	}

	t.mu.Lock()
	t.records = append(t.records, rec)
	t.mu.Unlock()

	t.appendToLog(rec)
	log.Debug("Cost tracked: %d tokens, $%.6f for %q", rec.Usage.TotalTokens, rec.EstimatedCostUSD, rec.Command)
	return rec
}

// calculateCost prices the usage; unknown models fall back to the default
// pricing entry.
func calculateCost(u TokenUsage, model string) float64 {
	p, ok := modelPricing[model]
	if !ok {
		p = modelPricing[defaultModel]
	}
	return float64(u.PromptTokens)/1000*p.input + float64(u.CompletionTokens)/1000*p.output
}

// appendToLog writes one tab-separated line per record.
func (t *Tracker) appendToLog(rec Record) {
	if t.logPath == "" {
		return
	}
	f, err := fileutil.SecureOpenFile(t.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY)
	if err != nil {
		log.Error("Failed to open cost log: %v", err)
		return
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "%s\t%s\t%s\t%d\t%.6f\t%.2f\t%s\n",
		rec.Timestamp.Format(time.RFC3339),
		rec.UserID,
		rec.Model,
		rec.Usage.TotalTokens,
		rec.EstimatedCostUSD,
		float64(rec.ExecutionTime)/float64(time.Millisecond),
		rec.Command,
	)
	if err != nil {
		log.Error("Failed to write cost log: %v", err)
	}
}

// UserStats aggregates the ledger for one user.
func (t *Tracker) UserStats(userID string) UserStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := UserStats{UserID: userID}
	for _, r := range t.records {
		if r.UserID != userID {
			continue
		}
		stats.TotalCommands++
		stats.TotalTokens += r.Usage.TotalTokens
		stats.TotalCostUSD += r.EstimatedCostUSD
	}
	if stats.TotalCommands > 0 {
		stats.AvgCostPerCommand = stats.TotalCostUSD / float64(stats.TotalCommands)
	}
	return stats
}

// GlobalStats aggregates the whole ledger.
func (t *Tracker) GlobalStats() GlobalStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := GlobalStats{}
	users := make(map[string]struct{})
	for _, r := range t.records {
		stats.TotalCommands++
		stats.TotalTokens += r.Usage.TotalTokens
		stats.TotalCostUSD += r.EstimatedCostUSD
		users[r.UserID] = struct{}{}
	}
	stats.UniqueUsers = len(users)
	if stats.TotalCommands > 0 {
		stats.AvgCostPerCommand = stats.TotalCostUSD / float64(stats.TotalCommands)
	}
	return stats
}

// Records returns a copy of the in-memory ledger.
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, len(t.records))
	copy(out, t.records)
	return out
}
