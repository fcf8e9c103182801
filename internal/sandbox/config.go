package sandbox

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/opsgate/opsgate/internal/types"
)

// Config describes the isolation envelope for one sandbox. Callers supply
// it at creation time; zero fields are filled from DefaultConfig before
// validation.
type Config struct {
	UserID    string `yaml:"user_id" json:"user_id"`
	Namespace string `yaml:"namespace" json:"namespace"`

	CPULimit    string `yaml:"cpu_limit" json:"cpu_limit"`       // e.g. "0.5"
	MemoryLimit string `yaml:"memory_limit" json:"memory_limit"` // e.g. "512m"
	DiskLimit   string `yaml:"disk_limit" json:"disk_limit"`     // e.g. "1g"

	NetworkMode  types.NetworkMode `yaml:"network_mode" json:"network_mode"`
	AllowedHosts []string          `yaml:"allowed_hosts" json:"allowed_hosts"`

	ReadOnlyPaths []string `yaml:"read_only_paths" json:"read_only_paths"`
	WritablePaths []string `yaml:"writable_paths" json:"writable_paths"`

	CommandTimeout     time.Duration `yaml:"command_timeout" json:"command_timeout"`
	MaxSessionDuration time.Duration `yaml:"max_session_duration" json:"max_session_duration"`

	DropCapabilities bool `yaml:"drop_capabilities" json:"drop_capabilities"`
	NoNewPrivileges  bool `yaml:"no_new_privileges" json:"no_new_privileges"`

	// Compiled host patterns; populated by Validate.
	hostGlobs []glob.Glob
}

// DefaultConfig returns the baseline isolation envelope for a user.
func DefaultConfig(userID string) Config {
	return Config{
		UserID:             userID,
		Namespace:          "opsgate",
		CPULimit:           "0.5",
		MemoryLimit:        "512m",
		DiskLimit:          "1g",
		NetworkMode:        types.NetworkRestricted,
		CommandTimeout:     30 * time.Second,
		MaxSessionDuration: time.Hour,
		DropCapabilities:   true,
		NoNewPrivileges:    true,
	}
}

var quantityRe = regexp.MustCompile(`^(\d+(?:\.\d+)?)([kmgt]?i?b?)$`)

// parseQuantity converts a size string like "512m" or "1g" to bytes.
func parseQuantity(s string) (int64, error) {
	m := quantityRe.FindStringSubmatch(strings.ToLower(strings.TrimSpace(s)))
	if m == nil {
		return 0, fmt.Errorf("invalid quantity %q", s)
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("quantity %q must be positive", s)
	}
	mult := int64(1)
	switch strings.TrimSuffix(strings.TrimSuffix(m[2], "b"), "i") {
	case "k":
		mult = 1 << 10
	case "m":
		mult = 1 << 20
	case "g":
		mult = 1 << 30
	case "t":
		mult = 1 << 40
	}
	return int64(n * float64(mult)), nil
}

// Validate checks the config and compiles host patterns. It collects every
// problem instead of stopping at the first.
func (c *Config) Validate() error {
	var errs []string

	if c.UserID == "" {
		errs = append(errs, "user_id is required")
	}
	if cpu, err := strconv.ParseFloat(c.CPULimit, 64); err != nil || cpu <= 0 {
		errs = append(errs, fmt.Sprintf("cpu_limit %q must be a positive number", c.CPULimit))
	}
	if _, err := parseQuantity(c.MemoryLimit); err != nil {
		errs = append(errs, "memory_limit: "+err.Error())
	}
	if _, err := parseQuantity(c.DiskLimit); err != nil {
		errs = append(errs, "disk_limit: "+err.Error())
	}
	if !c.NetworkMode.Valid() {
		errs = append(errs, fmt.Sprintf("network_mode %q is not one of none, restricted, full", c.NetworkMode))
	}
	if c.CommandTimeout <= 0 {
		errs = append(errs, "command_timeout must be positive")
	}
	if c.MaxSessionDuration <= 0 {
		errs = append(errs, "max_session_duration must be positive")
	}
	for _, p := range append(append([]string{}, c.ReadOnlyPaths...), c.WritablePaths...) {
		if !filepath.IsAbs(p) {
			errs = append(errs, fmt.Sprintf("path %q must be absolute", p))
		}
	}

	c.hostGlobs = c.hostGlobs[:0]
	for _, h := range c.AllowedHosts {
		g, err := glob.Compile(h)
		if err != nil {
			errs = append(errs, fmt.Sprintf("allowed host pattern %q: %v", h, err))
			continue
		}
		c.hostGlobs = append(c.hostGlobs, g)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid sandbox config:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// HostAllowed reports whether host matches an allowed_hosts pattern.
// With full network access every host is allowed; with none, no host is.
func (c *Config) HostAllowed(host string) bool {
	switch c.NetworkMode {
	case types.NetworkFull:
		return true
	case types.NetworkNone:
		return false
	}
	for _, g := range c.hostGlobs {
		if g.Match(host) {
			return true
		}
	}
	return false
}

// MemoryBytes returns the parsed memory limit. Validate must have passed.
func (c *Config) MemoryBytes() int64 {
	n, _ := parseQuantity(c.MemoryLimit)
	return n
}

// DiskBytes returns the parsed disk limit. Validate must have passed.
func (c *Config) DiskBytes() int64 {
	n, _ := parseQuantity(c.DiskLimit)
	return n
}
