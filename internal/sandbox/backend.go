package sandbox

import (
	"context"
	"time"
)

// State is the lifecycle state of a sandbox.
type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateIdle      State = "idle"
	StateDestroyed State = "destroyed"
)

// ExecResult is the outcome of one command run inside a sandbox.
// A timeout is a normal result with TimedOut set, not an error.
type ExecResult struct {
	Output     string        `json:"output"`
	ExitStatus int           `json:"exit_status"`
	Duration   time.Duration `json:"duration"`
	TimedOut   bool          `json:"timed_out"`
}

// Sandbox is one isolated execution context. It is owned by the Manager;
// callers hold only its id and read snapshots via Manager.Get.
type Sandbox struct {
	ID           string
	UserID       string
	Backend      string
	Config       Config
	CreatedAt    time.Time
	LastActivity time.Time
	State        State
	CommandCount int

	// Backend-private handles. Written once in Backend.Create before the
	// sandbox is registered, never mutated after; Exec and Destroy may
	// read them concurrently without the registry lock.
	workDir   string // chroot jail directory
	container string // docker container name
	podName   string // orchestrated pod name
}

// Info is a read-only snapshot of a sandbox for listings and the API.
type Info struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Backend      string    `json:"backend"`
	State        State     `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	CommandCount int       `json:"command_count"`
}

func (s *Sandbox) info() Info {
	return Info{
		ID:           s.ID,
		UserID:       s.UserID,
		Backend:      s.Backend,
		State:        s.State,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
		CommandCount: s.CommandCount,
	}
}

// Backend allocates, runs commands in, and tears down one isolation
// strategy. Implementations must tolerate Destroy on a partially-created
// or already-destroyed sandbox.
type Backend interface {
	Name() string
	Create(ctx context.Context, sb *Sandbox) error
	Exec(ctx context.Context, sb *Sandbox, command string, timeout time.Duration) (ExecResult, error)
	Destroy(sb *Sandbox) error
}

// ForName returns the backend for a CLI/backend name. "auto" selects the
// chroot backend, which has no external runtime dependency. baseDir applies
// to the chroot backend, image to the container-based ones; empty values
// pick built-in defaults.
func ForName(name, baseDir, image string) (Backend, error) {
	switch name {
	case "", "auto", "chroot":
		return NewChrootBackend(baseDir), nil
	case "container":
		return NewDockerBackend(image), nil
	case "orchestrated":
		return NewOrchestratedBackend(image), nil
	}
	return nil, &CreationError{Backend: name, Err: errUnknownBackend(name)}
}

type errUnknownBackend string

func (e errUnknownBackend) Error() string { return "unknown backend " + string(e) }

// timeoutSeconds converts a timeout to the whole seconds timeout(1)
// expects, rounding up. timeout(1) treats 0 as "no limit", so sub-second
// values must not truncate to it.
func timeoutSeconds(d time.Duration) int64 {
	secs := int64(d / time.Second)
	if d%time.Second != 0 || secs == 0 {
		secs++
	}
	return secs
}
