package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// RuleFile is the on-disk shape of a declarative policy file.
// Rego sources are not executed directly; they are maintained alongside
// these YAML rule sets and pushed to the remote service separately.
type RuleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRuleDir loads every *.yaml rule file in dir into the same Rule shape
// as builtin rules. Malformed files are skipped with a warning so one bad
// file cannot take down startup; a missing directory is not an error.
func LoadRuleDir(dir string) ([]Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read policy directory: %w", err)
	}

	var all []Rule
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn("Failed to read policy file %s: %v", path, err)
			continue
		}

		rules, err := ParseRuleFile(data)
		if err != nil {
			log.Warn("Failed to parse policy file %s: %v", path, err)
			continue
		}
		all = append(all, rules...)
	}

	log.Debug("Loaded %d rules from %s", len(all), dir)
	return all, nil
}

// ParseRuleFile parses one YAML rule set and compiles every pattern.
// A compile failure rejects the whole file.
func ParseRuleFile(data []byte) ([]Rule, error) {
	var rf RuleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	for i := range rf.Rules {
		if err := rf.Rules[i].compile(); err != nil {
			return nil, err
		}
	}
	return rf.Rules, nil
}

// RegoCheck is the structural validation result for one Rego source file.
type RegoCheck struct {
	Name   string   `json:"name"`
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// ValidateRegoDir runs basic structural checks over every *.rego file in
// dir: a package declaration must be present, and at least one default or
// allow rule must exist. Full evaluation belongs to the remote service.
func ValidateRegoDir(dir string) ([]RegoCheck, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read rego directory: %w", err)
	}

	var checks []RegoCheck
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rego") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			checks = append(checks, RegoCheck{
				Name:   entry.Name(),
				Errors: []string{err.Error()},
			})
			continue
		}

		src := string(data)
		check := RegoCheck{Name: entry.Name(), Valid: true}
		if !strings.Contains(src, "package") {
			check.Valid = false
			check.Errors = append(check.Errors, "missing package declaration")
		}
		if !strings.Contains(src, "default") && !strings.Contains(src, "allow") {
			check.Valid = false
			check.Errors = append(check.Errors, "no default or allow rule found")
		}
		checks = append(checks, check)
	}
	return checks, nil
}
