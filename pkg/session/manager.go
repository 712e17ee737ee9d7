package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cadforge/cadforge/pkg/decision"
	"github.com/cadforge/cadforge/pkg/state"
)

// ErrSessionNotFound indicates an unknown session id.
var ErrSessionNotFound = errors.New("session: not found")

// Default janitor settings.
const (
	DefaultIdleTimeout     = 30 * time.Minute
	DefaultCleanupInterval = time.Minute
)

// Manager owns all in-memory sessions and runs the idle janitor. Destroying
// a session also purges its checkpoints and cached decisions.
type Manager struct {
	idleTimeout time.Duration
	interval    time.Duration
	checkpoints *state.Cache    // nilable
	decisions   *decision.Cache // nilable
	logger      *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a manager. checkpoints and decisions may be nil; then
// session destruction only drops the in-memory record.
func NewManager(idleTimeout, cleanupInterval time.Duration,
	checkpoints *state.Cache, decisions *decision.Cache, logger *slog.Logger) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		idleTimeout: idleTimeout,
		interval:    cleanupInterval,
		checkpoints: checkpoints,
		decisions:   decisions,
		logger:      logger.With("component", "session"),
		sessions:    make(map[string]*Session),
	}
}

// Create registers a new session. A blank id gets a generated one.
func (m *Manager) Create(id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	s := &Session{ID: id, CreatedAt: now, lastActivity: now}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.logger.Info("Session created", "session_id", id)
	return s
}

// GetOrCreate returns the session with the id, creating it if absent.
func (m *Manager) GetOrCreate(id string) *Session {
	if id != "" {
		m.mu.RLock()
		s, ok := m.sessions[id]
		m.mu.RUnlock()
		if ok {
			return s
		}
	}
	return m.Create(id)
}

// Get retrieves a session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// List returns a snapshot of all sessions, ordered by creation time.
func (m *Manager) List() []Info {
	m.mu.RLock()
	infos := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.Snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Destroy removes a session and purges its durable leftovers.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	m.mu.Lock()
	_, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	if m.checkpoints != nil {
		if err := m.checkpoints.Purge(ctx, id); err != nil {
			m.logger.Error("Session checkpoint purge failed", "session_id", id, "error", err)
		}
	}
	if m.decisions != nil {
		if err := m.decisions.InvalidateSession(ctx, id); err != nil {
			m.logger.Error("Session decision purge failed", "session_id", id, "error", err)
		}
	}
	m.logger.Info("Session destroyed", "session_id", id)
	return nil
}

// Start launches the idle janitor. Calling Start twice is a no-op.
func (m *Manager) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx)

	m.logger.Info("Session janitor started",
		"idle_timeout", m.idleTimeout, "interval", m.interval)
}

// Stop signals the janitor to exit and waits for it to finish.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.logger.Info("Session janitor stopped")
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep destroys sessions idle past the timeout. Sessions with an active
// pipeline run are never reclaimed, however old their last activity.
func (m *Manager) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-m.idleTimeout)

	m.mu.RLock()
	var expired []string
	for id, s := range m.sessions {
		if s.Active() == 0 && s.LastActivity().Before(cutoff) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		if err := m.Destroy(ctx, id); err == nil {
			m.logger.Info("Idle session reclaimed", "session_id", id)
		}
	}
}
