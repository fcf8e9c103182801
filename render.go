package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/opsgate/opsgate/internal/gateway"
	"github.com/opsgate/opsgate/internal/plugins"
	"github.com/opsgate/opsgate/internal/policy"
	"github.com/opsgate/opsgate/internal/recovery"
)

var (
	styleAllow   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	styleBlock   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	styleConfirm = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	styleMuted   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	styleTitle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
)

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func verdictLabel(allowed, confirm bool, format string) string {
	switch {
	case !allowed:
		if format == "rich" {
			return styleBlock.Render("BLOCKED")
		}
		return "BLOCKED"
	case confirm:
		if format == "rich" {
			return styleConfirm.Render("NEEDS CONFIRMATION")
		}
		return "NEEDS CONFIRMATION"
	default:
		if format == "rich" {
			return styleAllow.Render("ALLOWED")
		}
		return "ALLOWED"
	}
}

func printSuggestions(suggestions []recovery.Suggestion, format string) {
	if len(suggestions) == 0 {
		return
	}
	if format == "rich" {
		fmt.Println(styleTitle.Render("Safer alternatives:"))
	} else {
		fmt.Println("Safer alternatives:")
	}
	for _, s := range suggestions {
		line := fmt.Sprintf("  %s", s.Suggestion)
		detail := fmt.Sprintf("    %s (confidence %.0f%%)", s.Reason, s.Confidence*100)
		if format == "rich" {
			fmt.Println(styleAllow.Render(line))
			fmt.Println(styleMuted.Render(detail))
		} else {
			fmt.Println(line)
			fmt.Println(detail)
		}
	}
}

func renderResult(res gateway.Result, format string) {
	if format == "json" {
		printJSON(res)
		return
	}

	fmt.Printf("%s  %s\n", verdictLabel(res.Allowed, res.RequiresConfirmation, format), res.Command)
	if res.Message != "" && res.Message != "no violations" {
		fmt.Println(styleIf(format, styleMuted, res.Message))
	}
	if res.MatchedRule != "" {
		fmt.Println(styleIf(format, styleMuted, "rule: "+res.MatchedRule))
	}

	if !res.Allowed {
		if res.Explanation != "" {
			fmt.Println(res.Explanation)
		}
		printSuggestions(res.Suggestions, format)
		if res.LearningHint != "" {
			fmt.Println(styleIf(format, styleMuted, "hint: "+res.LearningHint))
		}
		return
	}

	if res.ConfirmationDenied {
		fmt.Println(styleIf(format, styleConfirm, "not executed: "+res.Error))
		return
	}
	if !res.Executed {
		fmt.Println(styleIf(format, styleBlock, "execution failed: "+res.Error))
		return
	}

	if res.Output != "" {
		fmt.Print(res.Output)
		if res.Output[len(res.Output)-1] != '\n' {
			fmt.Println()
		}
	}
	if res.TimedOut {
		fmt.Println(styleIf(format, styleBlock, "command timed out"))
	} else if res.ExitStatus != 0 {
		fmt.Println(styleIf(format, styleBlock, fmt.Sprintf("exit status %d", res.ExitStatus)))
	}
	if res.Cost != nil && res.Cost.EstimatedCostUSD > 0 {
		fmt.Println(styleIf(format, styleMuted,
			fmt.Sprintf("cost: $%.6f (%d tokens, %s)", res.Cost.EstimatedCostUSD, res.Cost.Usage.TotalTokens, res.Cost.Model)))
	}
}

func styleIf(format string, style lipgloss.Style, s string) string {
	if format == "rich" {
		return style.Render(s)
	}
	return s
}

func renderCheck(command string, res policy.Result, rec *recovery.Engine, format string) {
	if format == "json" {
		out := map[string]any{
			"command":               command,
			"allowed":               res.Allowed,
			"action":                res.Action,
			"requires_confirmation": res.RequiresConfirmation,
			"message":               res.Message,
			"risk_score":            res.RiskScore,
			"stage":                 res.Stage,
		}
		if res.MatchedRule != nil {
			out["matched_rule"] = res.MatchedRule.Name
		}
		if !res.Allowed {
			out["suggestions"] = rec.SuggestAlternatives(command)
		}
		printJSON(out)
		return
	}

	fmt.Printf("%s  %s\n", verdictLabel(res.Allowed, res.RequiresConfirmation, format), command)
	fmt.Println(styleIf(format, styleMuted,
		fmt.Sprintf("%s (risk %d, stage %s)", res.Message, res.RiskScore, res.Stage)))
	if res.MatchedRule != nil {
		fmt.Println(styleIf(format, styleMuted, "rule: "+res.MatchedRule.Name))
	}
	if !res.Allowed {
		printSuggestions(rec.SuggestAlternatives(command), format)
	}
}

func renderSuggestions(command string, suggestions []recovery.Suggestion, format string) {
	if format == "json" {
		printJSON(suggestions)
		return
	}
	if len(suggestions) == 0 {
		fmt.Printf("No safer alternatives known for %q.\n", command)
		return
	}
	printSuggestions(suggestions, format)
}

func renderRules(rules []policy.Rule, format string) {
	if format == "json" {
		printJSON(rules)
		return
	}
	if format == "rich" {
		fmt.Println(styleTitle.Render(fmt.Sprintf("Policy rules (%d)", len(rules))))
	} else {
		fmt.Printf("Policy rules (%d)\n", len(rules))
	}
	for _, r := range rules {
		line := fmt.Sprintf("  %-28s %-8s %-8s %s", r.Name, r.Action, r.Severity, r.Description)
		switch {
		case format != "rich":
			fmt.Println(line)
		case r.Action == "block":
			fmt.Println(styleBlock.Render(line))
		case r.Action == "confirm":
			fmt.Println(styleConfirm.Render(line))
		default:
			fmt.Println(line)
		}
	}
}

func renderPlugins(list []plugins.Info, format string) {
	if format == "json" {
		printJSON(list)
		return
	}
	if format == "rich" {
		fmt.Println(styleTitle.Render(fmt.Sprintf("Capability plugins (%d)", len(list))))
	} else {
		fmt.Printf("Capability plugins (%d)\n", len(list))
	}
	for _, p := range list {
		fmt.Printf("  %-12s %-8s %s\n", p.Name, p.Version, p.Description)
	}
}

// renderRegoChecks prints the validation report and reports whether any
// file failed.
func renderRegoChecks(checks []policy.RegoCheck, format string) bool {
	failed := false
	for _, c := range checks {
		if !c.Valid {
			failed = true
		}
	}
	if format == "json" {
		printJSON(checks)
		return failed
	}
	for _, c := range checks {
		if c.Valid {
			fmt.Printf("%s  %s\n", styleIf(format, styleAllow, "ok"), c.Name)
			continue
		}
		fmt.Printf("%s  %s\n", styleIf(format, styleBlock, "FAIL"), c.Name)
		for _, e := range c.Errors {
			fmt.Println(styleIf(format, styleMuted, "      "+e))
		}
	}
	return failed
}

func renderCost(user string, tokens int, usd float64, format string) {
	if format == "json" {
		printJSON(map[string]any{"user": user, "total_tokens": tokens, "total_cost_usd": usd})
		return
	}
	scope := "all users"
	if user != "" {
		scope = "user " + user
	}
	if format == "rich" {
		fmt.Println(styleTitle.Render("Cost totals for " + scope))
	} else {
		fmt.Println("Cost totals for " + scope)
	}
	fmt.Printf("  tokens: %d\n", tokens)
	fmt.Printf("  cost:   $%.6f\n", usd)
}
