// Package daemon manages the background lifecycle of the opsgate API
// server: PID file with a single-instance lock, port file for discovery,
// and detached re-execution of the binary.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/opsgate/opsgate/internal/fileutil"
)

const (
	pidFileName  = "opsgate.pid"
	portFileName = "opsgate.port"
	logFileName  = "opsgate-serve.log"

	daemonEnv = "OPSGATE_DAEMON"
)

// DataDir returns the opsgate data directory and creates it if needed.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	dir := filepath.Join(home, ".opsgate")
	_ = fileutil.SecureMkdirAll(dir)
	return dir
}

func pidFile() string {
	return filepath.Join(DataDir(), pidFileName)
}

// LogFile returns the path the detached server logs to.
func LogFile() string {
	return filepath.Join(DataDir(), logFileName)
}

func portFile() string {
	return filepath.Join(DataDir(), portFileName)
}

// WritePort records the API port so clients can discover a running server.
func WritePort(port int) error {
	return fileutil.SecureWriteFile(portFile(), []byte(strconv.Itoa(port)))
}

// ReadPort reads the API port of the running server.
func ReadPort() (int, error) {
	data, err := os.ReadFile(portFile())
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(string(data))
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port file content %q", data)
	}
	return port, nil
}

// ReadPID reads and validates the PID from the PID file.
func ReadPID() (int, error) {
	data, err := os.ReadFile(pidFile())
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	// Linux pid_max caps at 2^22.
	if pid < 1 || pid > 4194304 {
		return 0, fmt.Errorf("invalid PID value: %d", pid)
	}
	return pid, nil
}

// RemovePID removes the PID file.
func RemovePID() error {
	return os.Remove(pidFile())
}

// IsDaemonMode reports whether this process was started by Daemonize.
func IsDaemonMode() bool {
	return os.Getenv(daemonEnv) == "1"
}
