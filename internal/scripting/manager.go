// Package scripting runs user scripts against a layer stack. Each session owns
// a goja VM on its own event loop, loads its entry script and the relative
// imports it needs, and publishes a commit after every mutation. A Host keeps
// one session running for a set of scripts, restarting it when they change;
// LegacyContext runs the older single-function scripts.
package scripting

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults for ManagerOptions.
const (
	DefaultEntryScript = "main"
	DefaultLoadTimeout = 10 * time.Second
)

// sessionIDs is process-wide, so ids never repeat even across managers.
var sessionIDs atomic.Int64

// ManagerOptions configures a Manager. Zero values select the defaults.
type ManagerOptions struct {
	Logger *slog.Logger
	// Metrics may be nil.
	Metrics *Metrics
	// EntryScript names the script a session starts from.
	EntryScript string
	// LoadTimeout bounds the entry script's top-level execution. Negative
	// disables the bound.
	LoadTimeout time.Duration
	// SyncTimeout bounds synchronous event loop calls; see RuntimeOptions.
	SyncTimeout   time.Duration
	LogBufferSize int
}

// Manager creates sessions and owns the registry of those not yet torn down.
// It is safe for concurrent use.
type Manager struct {
	opts    ManagerOptions
	logger  *slog.Logger
	metrics *Metrics

	mu       sync.Mutex
	sessions map[int64]*Session
}

// NewManager returns a Manager with opts applied over the defaults.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.EntryScript == "" {
		opts.EntryScript = DefaultEntryScript
	}
	switch {
	case opts.LoadTimeout == 0:
		opts.LoadTimeout = DefaultLoadTimeout
	case opts.LoadTimeout < 0:
		opts.LoadTimeout = 0
	}
	if opts.LogBufferSize <= 0 {
		opts.LogBufferSize = DefaultLogBufferSize
	}
	return &Manager{
		opts:     opts,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		sessions: make(map[int64]*Session),
	}
}

// EntryScript returns the name of the script sessions start from.
func (m *Manager) EntryScript() string { return m.opts.EntryScript }

// NewSession creates and registers a session, without starting it. The
// session's runtime is closed when ctx is cancelled.
func (m *Manager) NewSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	id := sessionIDs.Add(1)
	s, err := newSession(ctx, m, id, cfg)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	m.metrics.opened()
	return s, nil
}

// Lookup returns the live session with the given id.
func (m *Manager) Lookup(id int64) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Sessions returns the ids of live sessions, in ascending order.
func (m *Manager) Sessions() []int64 {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Close tears down every live session.
func (m *Manager) Close() error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}
	return nil
}

func (m *Manager) remove(id int64) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}
