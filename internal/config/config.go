package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/opsgate/opsgate/internal/logger"
	"github.com/opsgate/opsgate/internal/types"
)

var cfgLog = logger.New("config")

// Config is the opsgate configuration, loaded from ~/.opsgate/config.yaml.
type Config struct {
	Policy  PolicyConfig  `yaml:"policy"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Audit   AuditConfig   `yaml:"audit"`
	Cost    CostConfig    `yaml:"cost"`
	API     APIConfig     `yaml:"api"`
	Logging LoggingConfig `yaml:"logging"`

	// Secrets come from the environment, never the YAML file.
	Secrets Secrets `yaml:"-"`
}

// PolicyConfig holds policy engine settings.
type PolicyConfig struct {
	// RemoteURL is the optional remote policy service; empty disables it.
	RemoteURL string `yaml:"remote_url"`
	// RemoteBudgetMS bounds the remote evaluation round trip.
	RemoteBudgetMS int `yaml:"remote_budget_ms"`
	// PolicyDir holds declarative *.yaml rule files, hot reloaded.
	PolicyDir string `yaml:"policy_dir"`
	// RegoDir holds .rego sources for structural validation.
	RegoDir string `yaml:"rego_dir"`
}

// SandboxConfig holds sandbox defaults applied to new sandboxes.
// Timeouts are in seconds.
type SandboxConfig struct {
	Backend            string            `yaml:"backend"` // auto, chroot, container, orchestrated
	BaseDir            string            `yaml:"base_dir"`
	Image              string            `yaml:"image"`
	Namespace          string            `yaml:"namespace"`
	CPULimit           string            `yaml:"cpu_limit"`
	MemoryLimit        string            `yaml:"memory_limit"`
	DiskLimit          string            `yaml:"disk_limit"`
	NetworkMode        types.NetworkMode `yaml:"network_mode"`
	AllowedHosts       []string          `yaml:"allowed_hosts"`
	CommandTimeoutSecs int               `yaml:"command_timeout_secs"`
	MaxSessionSecs     int               `yaml:"max_session_secs"`
}

// CommandTimeout returns the command timeout as a duration.
func (s SandboxConfig) CommandTimeout() time.Duration {
	return time.Duration(s.CommandTimeoutSecs) * time.Second
}

// MaxSessionDuration returns the session TTL as a duration.
func (s SandboxConfig) MaxSessionDuration() time.Duration {
	return time.Duration(s.MaxSessionSecs) * time.Second
}

// AuditConfig holds audit storage settings.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// CostConfig holds cost tracking settings.
type CostConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
	LogPath string `yaml:"log_path"`
}

// APIConfig holds management API settings.
type APIConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level   types.LogLevel `yaml:"level"`
	NoColor bool           `yaml:"no_color"`
}

// Secrets are environment-only settings (prefix OPSGATE_).
type Secrets struct {
	// DBKey enables SQLCipher encryption of the audit database.
	DBKey string `envconfig:"DB_KEY"`
	// RemoteToken is the bearer token for the remote policy service.
	RemoteToken string `envconfig:"REMOTE_TOKEN"`
}

// DefaultConfigPath returns ~/.opsgate/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".opsgate", "config.yaml")
}

// DefaultDataDir returns ~/.opsgate.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opsgate"
	}
	return filepath.Join(home, ".opsgate")
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dataDir := DefaultDataDir()
	return &Config{
		Policy: PolicyConfig{
			RemoteBudgetMS: 500,
			PolicyDir:      filepath.Join(dataDir, "policies"),
			RegoDir:        filepath.Join(dataDir, "rego"),
		},
		Sandbox: SandboxConfig{
			Backend:            "auto",
			Namespace:          "opsgate",
			CPULimit:           "0.5",
			MemoryLimit:        "512m",
			DiskLimit:          "1g",
			NetworkMode:        types.NetworkRestricted,
			CommandTimeoutSecs: 30,
			MaxSessionSecs:     3600,
		},
		Audit: AuditConfig{
			Enabled: true,
			DBPath:  filepath.Join(dataDir, "audit.db"),
		},
		Cost: CostConfig{
			Enabled: true,
			Model:   "gpt-3.5-turbo",
			LogPath: filepath.Join(dataDir, "costs.log"),
		},
		API: APIConfig{
			Port: 8472,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks all fields and returns a multi-error report.
// Call this AFTER CLI overrides have been applied, not during Load().
func (c *Config) Validate() error {
	var errs []string

	if c.Policy.RemoteURL != "" {
		if u, err := url.Parse(c.Policy.RemoteURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Sprintf("policy.remote_url: must be a valid http/https URL (got %q)", c.Policy.RemoteURL))
		}
	}
	if c.Policy.RemoteBudgetMS <= 0 {
		errs = append(errs, fmt.Sprintf("policy.remote_budget_ms: must be > 0 (got %d)", c.Policy.RemoteBudgetMS))
	}

	switch c.Sandbox.Backend {
	case "auto", "chroot", "container", "orchestrated":
	default:
		errs = append(errs, fmt.Sprintf("sandbox.backend: unknown backend %q (valid: auto, chroot, container, orchestrated)", c.Sandbox.Backend))
	}
	if !c.Sandbox.NetworkMode.Valid() {
		errs = append(errs, fmt.Sprintf("sandbox.network_mode: unknown mode %q (valid: none, restricted, full)", c.Sandbox.NetworkMode))
	}
	if c.Sandbox.CommandTimeoutSecs <= 0 {
		errs = append(errs, fmt.Sprintf("sandbox.command_timeout_secs: must be > 0 (got %d)", c.Sandbox.CommandTimeoutSecs))
	}
	if c.Sandbox.MaxSessionSecs <= 0 {
		errs = append(errs, fmt.Sprintf("sandbox.max_session_secs: must be > 0 (got %d)", c.Sandbox.MaxSessionSecs))
	}

	if c.Audit.Enabled && c.Audit.DBPath == "" {
		errs = append(errs, "audit.db_path: required when audit is enabled")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, fmt.Sprintf("api.port: must be 1-65535 (got %d)", c.API.Port))
	}

	if !c.Logging.Level.Valid() {
		errs = append(errs, fmt.Sprintf("logging.level: unknown log level %q (valid: trace, debug, info, warn, error)", c.Logging.Level))
	}

	if len(errs) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString("config validation failed:\n")
	for i, e := range errs {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, e)
	}
	return errors.New(sb.String())
}

// isUnknownFieldError returns true if the error is from yaml.Decoder.KnownFields(true)
// detecting an unrecognized key (e.g. a typo like "sandbx:").
func isUnknownFieldError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "not found in type")
}

// Load loads configuration from a YAML file and secrets from the
// environment. A missing file yields defaults. Load does NOT call
// Validate(); callers apply CLI overrides first, then validate.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, loadSecrets(cfg)
		}
		return nil, err
	}

	// Strict decode first to warn about unknown fields, then lenient
	// re-parse for forward compatibility.
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if isUnknownFieldError(err) {
			cfgLog.Warn("config has unknown fields (ignored): %v", err)
			cfg = DefaultConfig()
			if err2 := yaml.Unmarshal(data, cfg); err2 != nil {
				return nil, fmt.Errorf("config parse error: %w", err2)
			}
		} else {
			return nil, fmt.Errorf("config parse error: %w", err)
		}
	}

	return cfg, loadSecrets(cfg)
}

func loadSecrets(cfg *Config) error {
	if err := envconfig.Process("opsgate", &cfg.Secrets); err != nil {
		return fmt.Errorf("read secrets from environment: %w", err)
	}
	return nil
}
