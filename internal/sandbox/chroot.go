package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/opsgate/opsgate/internal/types"
)

// ChrootBackend runs commands as local processes confined to a per-sandbox
// jail directory with a minimal environment and ulimit resource caps.
// Filesystem confinement is by working directory and environment, not a
// kernel chroot, so it works unprivileged.
type ChrootBackend struct {
	baseDir string
}

// NewChrootBackend creates the backend. An empty baseDir uses the system
// temp directory.
func NewChrootBackend(baseDir string) *ChrootBackend {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "opsgate-sandboxes")
	}
	return &ChrootBackend{baseDir: baseDir}
}

func (b *ChrootBackend) Name() string { return "chroot" }

func (b *ChrootBackend) Create(ctx context.Context, sb *Sandbox) error {
	dir := filepath.Join(b.baseDir, sb.ID)
	for _, sub := range []string{"workspace", "tmp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0700); err != nil {
			os.RemoveAll(dir)
			return fmt.Errorf("create jail directory: %w", err)
		}
	}
	sb.workDir = dir
	return nil
}

func (b *ChrootBackend) Exec(ctx context.Context, sb *Sandbox, command string, timeout time.Duration) (ExecResult, error) {
	if sb.workDir == "" {
		return ExecResult{}, &ExecutionError{SandboxID: sb.ID, Err: fmt.Errorf("jail directory not allocated")}
	}

	work := filepath.Join(sb.workDir, "workspace")
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + work,
		"TMPDIR=" + filepath.Join(sb.workDir, "tmp"),
		"USER=" + sb.UserID,
		"LANG=C",
	}

	script := b.limitPrefix(sb.Config) + command
	if sb.Config.NetworkMode == types.NetworkNone {
		if _, err := exec.LookPath("unshare"); err == nil {
			script = "unshare -n sh -c " + shellQuote(script)
		}
	}

	res, err := runProcess(ctx, work, env, script, timeout)
	if err != nil {
		return ExecResult{}, &ExecutionError{SandboxID: sb.ID, Err: err}
	}
	return res, nil
}

// limitPrefix translates the config's resource caps into a ulimit preamble.
// ulimit -v is in KiB, -f in KiB (file size), -t in seconds.
func (b *ChrootBackend) limitPrefix(cfg Config) string {
	memKiB := cfg.MemoryBytes() / 1024
	diskKiB := cfg.DiskBytes() / 1024
	cpuSecs := int64(cfg.CommandTimeout/time.Second) + 1
	return fmt.Sprintf("ulimit -v %d -f %d -t %d 2>/dev/null; ", memKiB, diskKiB, cpuSecs)
}

func (b *ChrootBackend) Destroy(sb *Sandbox) error {
	if sb.workDir == "" {
		return nil
	}
	// workDir stays set: handles are written once in Create and never
	// mutated after, so Destroy does not race with a concurrent Exec.
	// RemoveAll on an already-removed path is a no-op.
	return os.RemoveAll(sb.workDir)
}

// shellQuote single-quotes s for safe embedding in a shell line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
