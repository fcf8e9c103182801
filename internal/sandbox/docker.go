package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/opsgate/opsgate/internal/types"
)

const defaultContainerImage = "ubuntu:22.04"

// DockerBackend runs each sandbox as a long-lived container created with
// hardened flags; commands go through docker exec. Requires the docker CLI
// on PATH.
type DockerBackend struct {
	image string
}

func NewDockerBackend(image string) *DockerBackend {
	if image == "" {
		image = defaultContainerImage
	}
	return &DockerBackend{image: image}
}

func (b *DockerBackend) Name() string { return "container" }

func (b *DockerBackend) Create(ctx context.Context, sb *Sandbox) error {
	if _, err := exec.LookPath("docker"); err != nil {
		return fmt.Errorf("docker CLI not available: %w", err)
	}

	cfg := sb.Config
	args := []string{
		"run", "-d",
		"--name", sb.ID,
		"--label", "opsgate.user=" + cfg.UserID,
		"--cpus", cfg.CPULimit,
		"--memory", cfg.MemoryLimit,
		"--pids-limit", "128",
		"--workdir", "/workspace",
		"--tmpfs", "/workspace:rw,size=" + cfg.DiskLimit,
	}
	if cfg.NetworkMode == types.NetworkNone {
		args = append(args, "--network", "none")
	}
	if cfg.DropCapabilities {
		args = append(args, "--cap-drop", "ALL")
	}
	if cfg.NoNewPrivileges {
		args = append(args, "--security-opt", "no-new-privileges")
	}
	for _, p := range cfg.ReadOnlyPaths {
		args = append(args, "-v", p+":"+p+":ro")
	}
	args = append(args, b.image, "sleep", fmt.Sprintf("%d", int64(cfg.MaxSessionDuration/time.Second)))

	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker run: %v: %s", err, strings.TrimSpace(string(out)))
	}
	sb.container = sb.ID
	return nil
}

func (b *DockerBackend) Exec(ctx context.Context, sb *Sandbox, command string, timeout time.Duration) (ExecResult, error) {
	if sb.container == "" {
		return ExecResult{}, &ExecutionError{SandboxID: sb.ID, Err: fmt.Errorf("container not allocated")}
	}

	// timeout(1) inside the container kills the command tree even when the
	// client-side docker exec is torn down first.
	script := fmt.Sprintf("timeout -s KILL %d sh -c %s",
		timeoutSeconds(timeout), shellQuote(command))
	line := fmt.Sprintf("docker exec %s sh -c %s", sb.container, shellQuote(script))

	res, err := runProcess(ctx, "", nil, line, timeout+2*time.Second)
	if err != nil {
		return ExecResult{}, &ExecutionError{SandboxID: sb.ID, Err: err}
	}
	// timeout(1) reports SIGKILL as 137.
	if res.ExitStatus == 137 {
		res.TimedOut = true
		res.ExitStatus = -1
	}
	return res, nil
}

func (b *DockerBackend) Destroy(sb *Sandbox) error {
	if sb.container == "" {
		return nil
	}
	out, err := exec.Command("docker", "rm", "-f", sb.container).CombinedOutput()
	if err != nil && !strings.Contains(string(out), "No such container") {
		return fmt.Errorf("docker rm: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
