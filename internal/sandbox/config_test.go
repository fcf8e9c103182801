package sandbox

import (
	"strings"
	"testing"
	"time"

	"github.com/opsgate/opsgate/internal/types"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig("alice")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig should validate, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing user",
			mutate:  func(c *Config) { c.UserID = "" },
			wantErr: "user_id",
		},
		{
			name:    "zero cpu",
			mutate:  func(c *Config) { c.CPULimit = "0" },
			wantErr: "cpu_limit",
		},
		{
			name:    "garbage memory",
			mutate:  func(c *Config) { c.MemoryLimit = "lots" },
			wantErr: "memory_limit",
		},
		{
			name:    "unknown network mode",
			mutate:  func(c *Config) { c.NetworkMode = types.NetworkMode("vpn") },
			wantErr: "network_mode",
		},
		{
			name:    "relative path",
			mutate:  func(c *Config) { c.WritablePaths = []string{"data/scratch"} },
			wantErr: "absolute",
		},
		{
			name:    "negative timeout",
			mutate:  func(c *Config) { c.CommandTimeout = -time.Second },
			wantErr: "command_timeout",
		},
		{
			name:    "bad host glob",
			mutate:  func(c *Config) { c.AllowedHosts = []string{"[bad"} },
			wantErr: "allowed host pattern",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("alice")
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfigValidateCollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig("alice")
	cfg.CPULimit = "-1"
	cfg.MemoryLimit = "??"
	cfg.NetworkMode = "mesh"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"cpu_limit", "memory_limit", "network_mode"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("multi-error should mention %s: %v", want, err)
		}
	}
}

func TestParseQuantity(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"512m", 512 << 20},
		{"1g", 1 << 30},
		{"100k", 100 << 10},
		{"2048", 2048},
		{"1.5g", 3 << 29},
	}
	for _, tt := range tests {
		got, err := parseQuantity(tt.in)
		if err != nil {
			t.Errorf("parseQuantity(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseQuantity(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}

	for _, bad := range []string{"", "-5m", "big", "12x"} {
		if _, err := parseQuantity(bad); err == nil {
			t.Errorf("parseQuantity(%q) should fail", bad)
		}
	}
}

func TestHostAllowed(t *testing.T) {
	cfg := DefaultConfig("alice")
	cfg.AllowedHosts = []string{"*.internal.example.com", "registry.local"}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		host string
		want bool
	}{
		{"api.internal.example.com", true},
		{"registry.local", true},
		{"evil.example.org", false},
	}
	for _, tt := range tests {
		if got := cfg.HostAllowed(tt.host); got != tt.want {
			t.Errorf("HostAllowed(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}

	cfg.NetworkMode = types.NetworkNone
	if cfg.HostAllowed("registry.local") {
		t.Error("no host should be allowed with network none")
	}
	cfg.NetworkMode = types.NetworkFull
	if !cfg.HostAllowed("anything.example.org") {
		t.Error("every host should be allowed with full network")
	}
}
