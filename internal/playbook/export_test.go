package playbook

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opsgate/opsgate/internal/types"
)

func sampleSession() []types.CommandRecord {
	ts := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	return []types.CommandRecord{
		{Command: "apt install nginx curl", Timestamp: ts, User: "alice", Output: "Reading package lists...", Success: true},
		{Command: "systemctl enable nginx", Timestamp: ts, User: "alice", Success: true},
		{Command: "systemctl start nginx", Timestamp: ts, User: "alice", Success: true},
		{Command: "cat /missing", Timestamp: ts, User: "alice", Success: false},
		{Command: "df -h", Timestamp: ts, User: "alice", Success: true},
	}
}

func TestExportAnsible(t *testing.T) {
	out, err := Export(sampleSession(), FormatAnsible)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	for _, want := range []string{
		"hosts: all",
		"become: true",
		"ansible.builtin.apt",
		"- nginx",
		"- curl",
		"state: present",
		"ansible.builtin.systemd",
		"enabled: true",
		"state: started",
		"ansible.builtin.shell: df -h",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("ansible output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "cat /missing") {
		t.Error("failed command should not become a task")
	}
}

func TestExportTerraform(t *testing.T) {
	out, err := Export(sampleSession(), FormatTerraform)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"terraform {",
		`resource "null_resource" "command_0"`,
		`provisioner "local-exec"`,
		`"apt install nginx curl"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("terraform output missing %q", want)
		}
	}
}

func TestExportShell(t *testing.T) {
	out, err := Export(sampleSession(), FormatShell)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "#!/bin/bash\n") {
		t.Error("shell export must start with a shebang")
	}
	if !strings.Contains(out, "set -euo pipefail") {
		t.Error("shell export missing strict mode")
	}
	if !strings.Contains(out, "apt install nginx curl") {
		t.Error("shell export missing recorded command")
	}
	if !strings.Contains(out, "# skipped (failed during session): cat /missing") {
		t.Error("failed command should be commented out, not executed")
	}
}

func TestExportDeterministic(t *testing.T) {
	session := sampleSession()
	for _, format := range []Format{FormatAnsible, FormatTerraform, FormatShell} {
		first, err := Export(session, format)
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 3; i++ {
			got, err := Export(session, format)
			if err != nil {
				t.Fatal(err)
			}
			if got != first {
				t.Fatalf("%s export not deterministic", format)
			}
		}
	}
}

func TestParseFormat(t *testing.T) {
	for _, ok := range []string{"ansible", "terraform", "shell"} {
		if _, err := ParseFormat(ok); err != nil {
			t.Errorf("ParseFormat(%q) error = %v", ok, err)
		}
	}
	if _, err := ParseFormat("puppet"); err == nil {
		t.Error("ParseFormat(puppet) should fail")
	}
}

func TestWriteFileZstdRoundTrip(t *testing.T) {
	content, err := Export(sampleSession(), FormatShell)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	plain := filepath.Join(dir, "session.sh")
	compressed := filepath.Join(dir, "session.sh.zst")

	if err := WriteFile(content, plain); err != nil {
		t.Fatalf("WriteFile(plain) error = %v", err)
	}
	if err := WriteFile(content, compressed); err != nil {
		t.Fatalf("WriteFile(zst) error = %v", err)
	}

	back, err := ReadFile(compressed)
	if err != nil {
		t.Fatalf("ReadFile(zst) error = %v", err)
	}
	if back != content {
		t.Error("zstd round trip altered content")
	}

	direct, err := ReadFile(plain)
	if err != nil {
		t.Fatal(err)
	}
	if direct != content {
		t.Error("plain round trip altered content")
	}
}
