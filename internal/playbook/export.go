package playbook

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"github.com/opsgate/opsgate/internal/fileutil"
	"github.com/opsgate/opsgate/internal/logger"
	"github.com/opsgate/opsgate/internal/types"
)

var log = logger.New("playbook")

// Format is a playbook export format.
type Format string

const (
	FormatAnsible   Format = "ansible"
	FormatTerraform Format = "terraform"
	FormatShell     Format = "shell"
)

// ParseFormat validates a format name from the CLI.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatAnsible, FormatTerraform, FormatShell:
		return Format(s), nil
	}
	return "", fmt.Errorf("unknown export format %q (want ansible, terraform, or shell)", s)
}

// Export renders a recorded session in the requested format. Output is
// deterministic for a fixed record sequence.
func Export(records []types.CommandRecord, format Format) (string, error) {
	switch format {
	case FormatAnsible:
		return exportAnsible(records)
	case FormatTerraform:
		return exportTerraform(records), nil
	case FormatShell:
		return exportShell(records), nil
	}
	return "", fmt.Errorf("unknown export format %q", format)
}

// WriteFile writes content to path, zstd-compressing when the path ends
// in .zst.
func WriteFile(content, path string) error {
	if err := fileutil.SecureMkdirAll(filepath.Dir(path)); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	data := []byte(content)
	if strings.HasSuffix(path, ".zst") {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return fmt.Errorf("init zstd encoder: %w", err)
		}
		data = enc.EncodeAll(data, nil)
		enc.Close()
	}
	if err := fileutil.SecureWriteFile(path, data); err != nil {
		return fmt.Errorf("write playbook: %w", err)
	}
	log.Info("Wrote %d bytes to %s", len(data), path)
	return nil
}

// ReadFile reads a playbook back, transparently decompressing .zst files.
func ReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return "", fmt.Errorf("init zstd decoder: %w", err)
		}
		defer dec.Close()
		data, err = dec.DecodeAll(data, nil)
		if err != nil {
			return "", fmt.Errorf("decompress playbook: %w", err)
		}
	}
	return string(data), nil
}

// Ansible structures. Structs (not maps) keep yaml.Marshal key order fixed.

type aptModule struct {
	Name  []string `yaml:"name"`
	State string   `yaml:"state"`
}

type systemdModule struct {
	Name    string `yaml:"name"`
	State   string `yaml:"state,omitempty"`
	Enabled *bool  `yaml:"enabled,omitempty"`
}

type ansibleTask struct {
	Name    string         `yaml:"name"`
	Apt     *aptModule     `yaml:"ansible.builtin.apt,omitempty"`
	Systemd *systemdModule `yaml:"ansible.builtin.systemd,omitempty"`
	Shell   string         `yaml:"ansible.builtin.shell,omitempty"`
}

type ansiblePlay struct {
	Name   string        `yaml:"name"`
	Hosts  string        `yaml:"hosts"`
	Become bool          `yaml:"become"`
	Tasks  []ansibleTask `yaml:"tasks"`
}

func exportAnsible(records []types.CommandRecord) (string, error) {
	play := ansiblePlay{
		Name:   "Replay recorded session",
		Hosts:  "all",
		Become: true,
	}
	for _, rec := range records {
		if !rec.Success {
			continue
		}
		play.Tasks = append(play.Tasks, taskFor(rec.Command))
	}

	out, err := yaml.Marshal([]ansiblePlay{play})
	if err != nil {
		return "", fmt.Errorf("marshal ansible playbook: %w", err)
	}
	return "---\n" + string(out), nil
}

// taskFor converts one shell command into its closest Ansible module,
// falling back to a raw shell task.
func taskFor(command string) ansibleTask {
	fields := strings.Fields(command)

	if len(fields) >= 3 {
		switch fields[0] {
		case "apt", "apt-get":
			if fields[1] == "install" {
				return ansibleTask{
					Name: "Install packages: " + strings.Join(fields[2:], ", "),
					Apt:  &aptModule{Name: fields[2:], State: "present"},
				}
			}
			if fields[1] == "remove" {
				return ansibleTask{
					Name: "Remove packages: " + strings.Join(fields[2:], ", "),
					Apt:  &aptModule{Name: fields[2:], State: "absent"},
				}
			}
		case "systemctl":
			service := fields[2]
			switch fields[1] {
			case "start", "restart", "stop":
				state := map[string]string{"start": "started", "restart": "restarted", "stop": "stopped"}[fields[1]]
				return ansibleTask{
					Name:    fmt.Sprintf("%s service %s", capitalize(fields[1]), service),
					Systemd: &systemdModule{Name: service, State: state},
				}
			case "enable":
				enabled := true
				return ansibleTask{
					Name:    "Enable service " + service,
					Systemd: &systemdModule{Name: service, Enabled: &enabled},
				}
			}
		}
	}

	return ansibleTask{Name: "Run: " + command, Shell: command}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func exportTerraform(records []types.CommandRecord) string {
	var b strings.Builder
	b.WriteString("terraform {\n  required_version = \">= 1.0\"\n}\n")

	n := 0
	for _, rec := range records {
		if !rec.Success {
			continue
		}
		fmt.Fprintf(&b, `
resource "null_resource" "command_%d" {
  provisioner "local-exec" {
    command = %q
  }
}
`, n, rec.Command)
		n++
	}
	return b.String()
}

func exportShell(records []types.CommandRecord) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	b.WriteString("# Generated from a recorded opsgate session\n")
	b.WriteString("set -euo pipefail\n\n")

	for _, rec := range records {
		fmt.Fprintf(&b, "# %s (user: %s)\n", rec.Timestamp.Format("2006-01-02 15:04:05"), rec.User)
		if rec.Success {
			b.WriteString(rec.Command + "\n\n")
		} else {
			fmt.Fprintf(&b, "# skipped (failed during session): %s\n\n", rec.Command)
		}
	}
	return b.String()
}
