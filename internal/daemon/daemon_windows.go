//go:build windows

package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/opsgate/opsgate/internal/fileutil"
	"golang.org/x/sys/windows"
)

// pidLockFile holds the open PID file so the LockFileEx lock stays held
// for the lifetime of the server process.
var pidLockFile *os.File

// lockOffset places the byte-range lock above the PID content so other
// processes can still read the file while the lock is held.
const lockOffset = 0x7FFFFFFF

// WritePID writes the current process ID to the PID file under an
// exclusive LockFileEx lock. Call CleanupPID on shutdown.
func WritePID() error {
	path := pidFile()
	f, err := fileutil.SecureOpenFile(path, os.O_CREATE|os.O_WRONLY)
	if err != nil {
		return fmt.Errorf("open PID file: %w", err)
	}
	ol := &windows.Overlapped{Offset: lockOffset}
	err = windows.LockFileEx(windows.Handle(f.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0, 1, 0, ol)
	if err != nil {
		f.Close()
		return fmt.Errorf("another instance is running (lock %s): %w", path, err)
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return fmt.Errorf("truncate PID file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d", os.Getpid()); err != nil {
		f.Close()
		return fmt.Errorf("write PID file: %w", err)
	}
	pidLockFile = f
	return nil
}

// CleanupPID releases the lock and removes the PID and port files.
func CleanupPID() {
	if pidLockFile != nil {
		ol := &windows.Overlapped{Offset: lockOffset}
		_ = windows.UnlockFileEx(windows.Handle(pidLockFile.Fd()), 0, 1, 0, ol)
		pidLockFile.Close()
		pidLockFile = nil
	}
	_ = os.Remove(pidFile())
	_ = os.Remove(portFile())
}

// IsRunning checks for a live server by opening the recorded PID.
// A stale PID file is removed.
func IsRunning() (bool, int) {
	pid, err := ReadPID()
	if err != nil {
		return false, 0
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		_ = RemovePID()
		return false, 0
	}
	windows.CloseHandle(h)
	return true, pid
}

// Stop terminates the running server.
func Stop() error {
	running, pid := IsRunning()
	if !running {
		return errors.New("opsgate server is not running")
	}

	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE|windows.SYNCHRONIZE, false, uint32(pid))
	if err != nil {
		return fmt.Errorf("open process: %w", err)
	}
	defer windows.CloseHandle(h)

	if err := windows.TerminateProcess(h, 1); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}
	_, _ = windows.WaitForSingleObject(h, 3000)

	_ = RemovePID()
	return nil
}

// Daemonize re-executes the binary with the same arguments in a new
// process group, detached from the console, with output going to
// LogFile(). The child sees OPSGATE_DAEMON=1 and skips daemonizing again.
func Daemonize(args []string) (int, error) {
	logFile, err := fileutil.SecureOpenFile(LogFile(), os.O_CREATE|os.O_WRONLY|os.O_APPEND)
	if err != nil {
		return 0, fmt.Errorf("open log file: %w", err)
	}

	executable, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolve executable path: %w", err)
	}
	if !filepath.IsAbs(executable) {
		return 0, fmt.Errorf("executable path must be absolute: %s", executable)
	}

	cmd := exec.CommandContext(context.Background(), executable, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil

	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"USERPROFILE=" + os.Getenv("USERPROFILE"),
		"LOCALAPPDATA=" + os.Getenv("LOCALAPPDATA"),
		"USERNAME=" + os.Getenv("USERNAME"),
		daemonEnv + "=1",
	}
	for _, key := range []string{
		"OPSGATE_DB_KEY", "OPSGATE_REMOTE_TOKEN",
		"HTTP_PROXY", "http_proxy",
		"HTTPS_PROXY", "https_proxy",
		"NO_PROXY", "no_proxy",
		"ALL_PROXY", "all_proxy",
	} {
		if v := os.Getenv(key); v != "" {
			cmd.Env = append(cmd.Env, key+"="+v)
		}
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start background server: %w", err)
	}

	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}
