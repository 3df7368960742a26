package scripting

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/openoverlay/internal/layer"
	"github.com/mohae/deepcopy"
)

// HostState is the lifecycle state of a Host.
type HostState int32

const (
	// Idle means no session is running.
	Idle HostState = iota
	// Compiling means a session is being compiled and loaded.
	Compiling
	// Running means the current session's entry script loaded.
	Running
)

func (s HostState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Compiling:
		return "compiling"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

// HostConfig is the initial input of a Host.
type HostConfig struct {
	Layers   []layer.Layer
	Scripts  map[string]string
	Settings map[string]any
	// OnUpdated receives every commit of the current session, on that
	// session's event loop. It may read the Host, but must not call its
	// mutating methods synchronously.
	OnUpdated func(Commit)
	OnLog     LogHook
}

// Host is one mounted scripting host: it holds the base layers, scripts and
// settings, and runs at most one session over them at a time. Each session
// starts from the base layers; what it commits is visible until it is torn
// down, and is then discarded. Changing the scripts or settings while
// executing tears the session down and starts a new one. Methods are safe for
// concurrent use.
type Host struct {
	manager *Manager
	ctx     context.Context
	logger  *slog.Logger

	onUpdated func(Commit)
	onLog     LogHook

	// mu serializes lifecycle changes.
	mu        sync.Mutex
	scripts   map[string]string
	settings  map[string]any
	executing bool
	closed    bool
	done      chan struct{}
	lastErr   error

	// layersMu guards the layer fields. Commits take it without mu, so that
	// teardown, which holds mu, never waits on a commit that waits on mu.
	layersMu  sync.Mutex
	base      []layer.Layer
	committed []layer.Layer
	// hasCommit is set once the current session has committed.
	hasCommit bool

	state   atomic.Int32
	session atomic.Pointer[Session]
}

// NewHost creates an idle Host. Cancelling ctx closes it.
func NewHost(ctx context.Context, m *Manager, cfg HostConfig) *Host {
	h := &Host{
		manager:   m,
		ctx:       ctx,
		logger:    m.logger,
		onUpdated: cfg.OnUpdated,
		onLog:     cfg.OnLog,
		scripts:   maps.Clone(cfg.Scripts),
		settings:  cloneSettings(cfg.Settings),
		base:      layer.CloneAll(cfg.Layers),
	}
	if ctx.Done() != nil {
		context.AfterFunc(ctx, func() { _ = h.Close() })
	}
	return h
}

// State returns the lifecycle state. It never blocks.
func (h *Host) State() HostState { return HostState(h.state.Load()) }

// Session returns the current session, or nil when idle.
func (h *Host) Session() *Session { return h.session.Load() }

// Executing reports whether execution is switched on.
func (h *Host) Executing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.executing
}

// LastError returns the error that ended the most recent start attempt, or
// nil if it succeeded or was cancelled.
func (h *Host) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// Layers returns a copy of the layers to display: the current session's last
// commit, or the base layers when no session has committed.
func (h *Host) Layers() []layer.Layer {
	h.layersMu.Lock()
	defer h.layersMu.Unlock()
	if h.hasCommit {
		return layer.CloneAll(h.committed)
	}
	return layer.CloneAll(h.base)
}

// BaseLayers returns a copy of the layers each session starts from.
func (h *Host) BaseLayers() []layer.Layer {
	h.layersMu.Lock()
	defer h.layersMu.Unlock()
	return layer.CloneAll(h.base)
}

// SetLayers replaces the base layers. The running session is not restarted;
// the layers seed the next one.
func (h *Host) SetLayers(layers []layer.Layer) {
	h.layersMu.Lock()
	h.base = layer.CloneAll(layers)
	h.layersMu.Unlock()
}

// SetScripts replaces the scripts, restarting the session if executing.
func (h *Host) SetScripts(scripts map[string]string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scripts = maps.Clone(scripts)
	if h.executing {
		h.restartLocked()
	}
}

// SetSettings replaces the settings, restarting the session if executing.
func (h *Host) SetSettings(settings map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.settings = cloneSettings(settings)
	if h.executing {
		h.restartLocked()
	}
}

// SetExecuting switches execution on or off. Switching on starts a session
// when the entry script exists; switching off tears the session down.
func (h *Host) SetExecuting(executing bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.executing == executing {
		return
	}
	h.executing = executing
	if executing {
		h.restartLocked()
	} else {
		h.teardownLocked()
	}
}

// Reload tears down the current session and, if executing, starts a new one.
func (h *Host) Reload() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.restartLocked()
}

// Wait blocks until the current start attempt has finished, and returns the
// resulting state and error.
func (h *Host) Wait(ctx context.Context) (HostState, error) {
	h.mu.Lock()
	done := h.done
	h.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return h.State(), ctx.Err()
		}
	}
	return h.State(), h.LastError()
}

// Close unmounts the host, tearing down its session. It is idempotent.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.executing = false
	h.teardownLocked()
	return nil
}

func (h *Host) restartLocked() {
	h.teardownLocked()
	if h.closed || !h.executing {
		return
	}
	if _, _, ok := lookupScript(h.scripts, h.manager.EntryScript()); !ok {
		h.logger.Debug("no entry script, staying idle", "entry", h.manager.EntryScript())
		return
	}

	var sess *Session
	onCommit := func(c Commit) {
		h.layersMu.Lock()
		if sess == nil || h.session.Load() != sess {
			h.layersMu.Unlock()
			return
		}
		h.committed = layer.CloneAll(c.Layers)
		h.hasCommit = true
		h.layersMu.Unlock()
		if h.onUpdated != nil {
			h.onUpdated(c)
		}
	}
	sess, err := h.manager.NewSession(h.ctx, SessionConfig{
		Layers:   h.BaseLayers(),
		Scripts:  h.scripts,
		Settings: h.settings,
		OnCommit: onCommit,
		OnLog:    h.onLog,
	})
	if err != nil {
		h.lastErr = err
		h.logger.Error("failed to create script session", "error", err)
		return
	}

	h.lastErr = nil
	h.session.Store(sess)
	h.state.Store(int32(Compiling))
	done := make(chan struct{})
	h.done = done
	go h.start(sess, done)
}

func (h *Host) start(sess *Session, done chan struct{}) {
	defer close(done)
	err := sess.Start(h.ctx)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session.Load() != sess {
		// torn down while loading; nothing of it survives
		return
	}
	if err != nil {
		h.session.Store(nil)
		h.dropCommitted()
		h.state.Store(int32(Idle))
		if errors.Is(err, ErrSessionClosed) || errors.Is(err, context.Canceled) {
			return
		}
		h.lastErr = err
		attrs := []any{"session", sess.ID(), "kind", errorKind(err), "error", err}
		var loadErr *LoadError
		if errors.As(err, &loadErr) && loadErr.Stack != "" {
			attrs = append(attrs, "stack", loadErr.Stack)
		}
		h.logger.Error("script session failed to start", attrs...)
		return
	}
	h.state.Store(int32(Running))
}

func (h *Host) teardownLocked() {
	if sess := h.session.Swap(nil); sess != nil {
		_ = sess.Close()
	}
	h.dropCommitted()
	h.state.Store(int32(Idle))
}

// dropCommitted discards the committed view. It must follow clearing the
// session pointer, so that no late commit of that session restores it.
func (h *Host) dropCommitted() {
	h.layersMu.Lock()
	h.committed = nil
	h.hasCommit = false
	h.layersMu.Unlock()
}

func cloneSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	return deepcopy.Copy(settings).(map[string]any)
}
