package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// OrchestratedBackend runs each sandbox as a pod via the kubectl CLI.
// Intended for clusters where workloads must not run on the gateway host.
type OrchestratedBackend struct {
	image string
}

func NewOrchestratedBackend(image string) *OrchestratedBackend {
	if image == "" {
		image = defaultContainerImage
	}
	return &OrchestratedBackend{image: image}
}

func (b *OrchestratedBackend) Name() string { return "orchestrated" }

func (b *OrchestratedBackend) Create(ctx context.Context, sb *Sandbox) error {
	if _, err := exec.LookPath("kubectl"); err != nil {
		return fmt.Errorf("kubectl CLI not available: %w", err)
	}

	cfg := sb.Config
	pod := sb.ID
	args := []string{
		"run", pod,
		"--namespace", cfg.Namespace,
		"--image", b.image,
		"--restart", "Never",
		"--labels", "app=opsgate,user=" + cfg.UserID,
		"--limits", fmt.Sprintf("cpu=%s,memory=%s", cfg.CPULimit, strings.ToUpper(cfg.MemoryLimit)+"i"),
		"--command", "--", "sleep", fmt.Sprintf("%d", int64(cfg.MaxSessionDuration/time.Second)),
	}
	if out, err := exec.CommandContext(ctx, "kubectl", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("kubectl run: %v: %s", err, strings.TrimSpace(string(out)))
	}

	wait := exec.CommandContext(ctx, "kubectl", "wait", "--namespace", cfg.Namespace,
		"--for=condition=Ready", "pod/"+pod, "--timeout=60s")
	if out, err := wait.CombinedOutput(); err != nil {
		// Roll back the pending pod so creation stays all-or-nothing.
		_ = exec.Command("kubectl", "delete", "pod", pod, "--namespace", cfg.Namespace,
			"--ignore-not-found", "--now").Run()
		return fmt.Errorf("pod never became ready: %v: %s", err, strings.TrimSpace(string(out)))
	}

	sb.podName = pod
	return nil
}

func (b *OrchestratedBackend) Exec(ctx context.Context, sb *Sandbox, command string, timeout time.Duration) (ExecResult, error) {
	if sb.podName == "" {
		return ExecResult{}, &ExecutionError{SandboxID: sb.ID, Err: fmt.Errorf("pod not allocated")}
	}

	script := fmt.Sprintf("timeout -s KILL %d sh -c %s",
		timeoutSeconds(timeout), shellQuote(command))
	line := fmt.Sprintf("kubectl exec %s --namespace %s -- sh -c %s",
		sb.podName, sb.Config.Namespace, shellQuote(script))

	res, err := runProcess(ctx, "", nil, line, timeout+5*time.Second)
	if err != nil {
		return ExecResult{}, &ExecutionError{SandboxID: sb.ID, Err: err}
	}
	if res.ExitStatus == 137 {
		res.TimedOut = true
		res.ExitStatus = -1
	}
	return res, nil
}

func (b *OrchestratedBackend) Destroy(sb *Sandbox) error {
	if sb.podName == "" {
		return nil
	}
	out, err := exec.Command("kubectl", "delete", "pod", sb.podName,
		"--namespace", sb.Config.Namespace, "--ignore-not-found", "--now").CombinedOutput()
	if err != nil {
		return fmt.Errorf("kubectl delete: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
