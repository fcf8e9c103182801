//go:build unix

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// runProcess runs a shell line with a hard timeout. The child is placed in
// its own process group so timeout kills the whole tree, not just the shell.
// Termination and result reporting happen exactly once: the timeout path
// kills the group and then waits for the normal exit path to drain.
func runProcess(ctx context.Context, dir string, env []string, script string, timeout time.Duration) (ExecResult, error) {
	cmd := exec.Command("sh", "-c", script)
	cmd.Dir = dir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return ExecResult{}, err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-timer.C:
		timedOut = true
	case <-ctx.Done():
		timedOut = true
	}
	if timedOut {
		// Negative pid targets the process group.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		waitErr = <-done
	}

	res := ExecResult{
		Output:   buf.String(),
		Duration: time.Since(start),
		TimedOut: timedOut,
	}
	if timedOut {
		res.ExitStatus = -1
		return res, nil
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitStatus = exitErr.ExitCode()
			return res, nil
		}
		return res, waitErr
	}
	return res, nil
}
