package sandbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsgate/opsgate/internal/logger"
)

var log = logger.New("sandbox")

const defaultSweepInterval = time.Minute

// Manager owns every sandbox. The registry mutex covers create, lookup,
// destroy, and state updates only; it is released around blocking command
// execution so independent sandboxes run in parallel.
type Manager struct {
	backend Backend

	mu        sync.Mutex
	sandboxes map[string]*Sandbox

	sweepInterval time.Duration
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// NewManager creates a manager over one backend and starts the background
// expiry sweep.
func NewManager(backend Backend) *Manager {
	m := &Manager{
		backend:       backend,
		sandboxes:     make(map[string]*Sandbox),
		sweepInterval: defaultSweepInterval,
		stopChan:      make(chan struct{}),
	}
	m.wg.Add(1)
	go m.sweep()
	return m
}

// Create validates cfg, allocates backend resources, and registers a new
// sandbox with a fresh id. Ids are never reused, even after destruction.
// Allocation is all-or-nothing: backend failure rolls back any partial
// resources and nothing is registered.
func (m *Manager) Create(ctx context.Context, userID string, cfg Config) (Info, error) {
	if cfg.UserID == "" {
		cfg.UserID = userID
	}
	if err := cfg.Validate(); err != nil {
		return Info{}, &CreationError{Backend: m.backend.Name(), Err: err}
	}

	now := time.Now()
	sb := &Sandbox{
		ID:           fmt.Sprintf("sbx-%s-%s", userID, uuid.NewString()[:8]),
		UserID:       userID,
		Backend:      m.backend.Name(),
		Config:       cfg,
		CreatedAt:    now,
		LastActivity: now,
		State:        StateCreated,
	}

	if err := m.backend.Create(ctx, sb); err != nil {
		// Best effort rollback of whatever the backend managed to allocate.
		if derr := m.backend.Destroy(sb); derr != nil {
			log.Warn("Rollback after failed creation left residue for %s: %v", sb.ID, derr)
		}
		return Info{}, &CreationError{Backend: m.backend.Name(), Err: err}
	}

	m.mu.Lock()
	m.sandboxes[sb.ID] = sb
	m.mu.Unlock()

	log.Info("Created sandbox %s for user %s (%s backend)", sb.ID, userID, sb.Backend)
	return sb.info(), nil
}

// Execute runs a command in the identified sandbox. A zero timeout uses
// the sandbox's configured command timeout. Timeout expiry is returned as
// a normal TimedOut result. ErrNotFound covers unknown, destroyed, and
// expired ids.
func (m *Manager) Execute(ctx context.Context, id, command string, timeout time.Duration) (ExecResult, error) {
	m.mu.Lock()
	sb, ok := m.sandboxes[id]
	if !ok || sb.State == StateDestroyed {
		m.mu.Unlock()
		return ExecResult{}, ErrNotFound
	}
	if m.expired(sb, time.Now()) {
		m.mu.Unlock()
		m.Destroy(id)
		return ExecResult{}, ErrNotFound
	}
	sb.State = StateRunning
	sb.LastActivity = time.Now()
	if timeout <= 0 {
		timeout = sb.Config.CommandTimeout
	}
	m.mu.Unlock()

	res, err := m.backend.Exec(ctx, sb, command, timeout)

	m.mu.Lock()
	if sb.State == StateRunning {
		sb.State = StateIdle
	}
	sb.CommandCount++
	sb.LastActivity = time.Now()
	m.mu.Unlock()

	if err != nil {
		return ExecResult{}, err
	}
	if res.TimedOut {
		log.Warn("Command in sandbox %s hit the %s timeout", id, timeout)
	}
	return res, nil
}

// Destroy tears down the sandbox's resources. It is idempotent: false for
// an unknown or already-destroyed id, true otherwise. Teardown failures
// are logged, not raised; the sandbox is marked destroyed regardless so it
// cannot be executed in again.
func (m *Manager) Destroy(id string) bool {
	m.mu.Lock()
	sb, ok := m.sandboxes[id]
	if !ok || sb.State == StateDestroyed {
		m.mu.Unlock()
		return false
	}
	sb.State = StateDestroyed
	m.mu.Unlock()

	if err := m.backend.Destroy(sb); err != nil {
		log.Warn("Teardown of sandbox %s left residue: %v", id, err)
	}
	log.Info("Destroyed sandbox %s", id)
	return true
}

// Get returns a snapshot of one sandbox, including destroyed ones, for
// audit purposes.
func (m *Manager) Get(id string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[id]
	if !ok {
		return Info{}, false
	}
	return sb.info(), true
}

// List returns snapshots of all non-destroyed sandboxes, ordered by
// creation time.
func (m *Manager) List() []Info {
	m.mu.Lock()
	var infos []Info
	for _, sb := range m.sandboxes {
		if sb.State != StateDestroyed {
			infos = append(infos, sb.info())
		}
	}
	m.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// CleanupExpired destroys every sandbox past its max session duration and
// returns how many were reclaimed.
func (m *Manager) CleanupExpired() int {
	now := time.Now()

	m.mu.Lock()
	var expired []string
	for id, sb := range m.sandboxes {
		if sb.State != StateDestroyed && m.expired(sb, now) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	n := 0
	for _, id := range expired {
		if m.Destroy(id) {
			n++
		}
	}
	if n > 0 {
		log.Info("Reclaimed %d expired sandboxes", n)
	}
	return n
}

// Shutdown destroys all live sandboxes and stops the sweep goroutine.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()

	for _, info := range m.List() {
		m.Destroy(info.ID)
	}
}

// expired reports whether sb is past its max session duration.
// Caller holds m.mu.
func (m *Manager) expired(sb *Sandbox, now time.Time) bool {
	return now.Sub(sb.CreatedAt) > sb.Config.MaxSessionDuration
}

func (m *Manager) sweep() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.CleanupExpired()
		case <-m.stopChan:
			return
		}
	}
}
