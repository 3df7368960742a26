package scripting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/require"
	"github.com/joeycumines/openoverlay/internal/layer"
	"github.com/joeycumines/openoverlay/internal/workstate"
	"github.com/mohae/deepcopy"
)

// Commit is a working state snapshot published by a session.
type Commit struct {
	SessionID int64 `json:"sessionId"`
	workstate.Snapshot
}

// SessionConfig is the host input to a new session.
type SessionConfig struct {
	Layers []layer.Layer
	// Scripts maps script names to source text. The entry script must be
	// present for Start to succeed.
	Scripts  map[string]string
	Settings map[string]any
	// OnCommit receives each commit, on the session's event loop. It must
	// not call back into the Host synchronously.
	OnCommit func(Commit)
	// OnLog observes console output.
	OnLog LogHook
}

// Session is one live instantiation of compiled scripts against a working
// copy of the layers. Sessions are created by a Manager.
type Session struct {
	id      int64
	manager *Manager
	logger  *slog.Logger
	console *ConsoleLog

	rt       *Runtime
	units    *UnitTable
	resolver *Resolver
	timers   *timerSet

	scripts     map[string]string
	settings    map[string]any
	entry       string
	loadTimeout time.Duration
	onCommit    func(Commit)

	// mu guards cache.
	mu    sync.Mutex
	cache map[string]string

	// state is confined to the event loop.
	state *workstate.State

	lastCommit atomic.Pointer[Commit]
	running    atomic.Bool
	closed     atomic.Bool
	closeOnce  sync.Once
}

func newSession(ctx context.Context, m *Manager, id int64, cfg SessionConfig) (*Session, error) {
	s := &Session{
		id:          id,
		manager:     m,
		logger:      m.logger.With("session", id),
		units:       NewUnitTable(),
		scripts:     maps.Clone(cfg.Scripts),
		entry:       m.opts.EntryScript,
		loadTimeout: m.opts.LoadTimeout,
		onCommit:    cfg.OnCommit,
		cache:       make(map[string]string),
	}
	if cfg.Settings != nil {
		s.settings = deepcopy.Copy(cfg.Settings).(map[string]any)
	}
	s.resolver = NewResolver(s.units)
	s.console = NewConsoleLog(m.opts.LogBufferSize, s.logger.Handler(), cfg.OnLog)
	s.state = workstate.New(cfg.Layers, s.commit)

	registry := require.NewRegistry(require.WithLoader(s.units.Load))
	registry.RegisterNativeModule(SessionModule, s.sessionModule)

	rt, err := NewRuntime(ctx, RuntimeOptions{
		Registry:    registry,
		SyncTimeout: m.opts.SyncTimeout,
	})
	if err != nil {
		return nil, err
	}
	s.rt = rt
	s.timers = newTimerSet(rt.EventLoop())
	return s, nil
}

// ID returns the process-wide session id.
func (s *Session) ID() int64 { return s.id }

// Console returns the session's captured console output.
func (s *Session) Console() *ConsoleLog { return s.console }

// Running reports whether the entry script loaded and the session has not
// been torn down.
func (s *Session) Running() bool { return s.running.Load() && !s.closed.Load() }

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool { return s.closed.Load() }

// LastCommit returns the most recent commit, if any.
func (s *Session) LastCommit() (Commit, bool) {
	c := s.lastCommit.Load()
	if c == nil {
		return Commit{}, false
	}
	return *c, true
}

// Units returns a copy of the script name to unit address cache.
func (s *Session) Units() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.cache)
}

// LiveUnits returns the number of compiled units not yet released.
func (s *Session) LiveUnits() int { return s.units.Len() }

// PendingTimers returns the number of timers the scripts have scheduled that
// have neither fired nor been cleared.
func (s *Session) PendingTimers() int { return s.timers.pending() }

// Compile compiles the named script, and any imports not yet cached, and
// returns the unit address.
func (s *Session) Compile(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return "", ErrSessionClosed
	}
	return s.resolver.Compile(s.id, name, s.scripts, s.cache)
}

// Start compiles the entry script and loads it, running its top-level code.
// The session is running once Start returns nil. On failure the session is
// torn down.
func (s *Session) Start(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			if !errors.Is(err, ErrSessionClosed) {
				s.manager.metrics.failed(err)
			}
			_ = s.Close()
		}
	}()
	addr, err := s.Compile(s.entry)
	if err != nil {
		return err
	}
	if err := s.load(ctx, addr); err != nil {
		return err
	}
	s.running.Store(true)
	s.manager.metrics.started()
	s.logger.Debug("session running", "entry", s.entry)
	return nil
}

func (s *Session) load(ctx context.Context, addr string) error {
	if s.loadTimeout > 0 {
		timer := time.AfterFunc(s.loadTimeout, func() {
			s.rt.Interrupt(ErrLoadTimeout)
		})
		defer timer.Stop()
	}
	err := s.rt.RunOnLoopContext(ctx, func(*goja.Runtime) error {
		if s.closed.Load() {
			return ErrSessionClosed
		}
		return s.guard(func() error {
			_, err := s.rt.Require(addr)
			return err
		})
	})
	switch {
	case err == nil:
		return nil
	case s.closed.Load():
		return ErrSessionClosed
	case errors.Is(err, ctx.Err()):
		return err
	}
	loadErr := &LoadError{Script: s.entry, Err: err}
	var (
		ex *goja.Exception
		ie *goja.InterruptedError
	)
	switch {
	case errors.As(err, &ex):
		loadErr.Err = errors.New(ex.Error())
		loadErr.Stack = ex.String()
	case errors.As(err, &ie):
		if v, ok := ie.Value().(error); ok {
			loadErr.Err = v
		}
		loadErr.Stack = ie.String()
	}
	return loadErr
}

// guard runs fn, turning a panic that escapes the engine into an error.
func (s *Session) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = fmt.Errorf("panic: %v", r)
			}
		}
	}()
	return fn()
}

// scriptError logs an exception raised by script code running outside of
// a load, such as a timer callback or event handler.
func (s *Session) scriptError(what string, err error) {
	if err == nil || s.closed.Load() {
		return
	}
	s.manager.metrics.handlerError()
	attrs := []any{"error", err}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		attrs = append(attrs, "stack", ex.String())
	}
	s.logger.Warn(what+" failed", attrs...)
}

// Emit calls every handler registered for name, in registration order, with
// args converted to script values. An exception in one handler is logged and
// does not stop the rest. Returns the number of handlers called.
func (s *Session) Emit(ctx context.Context, name string, args ...any) (int, error) {
	var called int
	err := s.rt.RunOnLoopContext(ctx, func(vm *goja.Runtime) error {
		if s.closed.Load() {
			return ErrSessionClosed
		}
		values := make([]goja.Value, len(args))
		for i, a := range args {
			values[i] = jsValue(vm, a)
		}
		for _, h := range s.state.Handlers(name) {
			cb, ok := h.Callback.(jsCallback)
			if !ok {
				continue
			}
			called++
			s.scriptError("handler "+name, s.guard(func() error {
				_, err := cb.fn(goja.Undefined(), values...)
				return err
			}))
			if s.closed.Load() {
				break
			}
		}
		return nil
	})
	if err != nil && s.closed.Load() {
		return called, ErrSessionClosed
	}
	return called, err
}

// Layers returns a copy of the working layer sequence.
func (s *Session) Layers(ctx context.Context) ([]layer.Layer, error) {
	var out []layer.Layer
	err := s.rt.RunOnLoopContext(ctx, func(*goja.Runtime) error {
		out = s.state.Layers()
		return nil
	})
	if err != nil && s.closed.Load() {
		return nil, ErrSessionClosed
	}
	return out, err
}

// Close tears the session down, from any state: the running script is
// interrupted, every outstanding timer cleared, every unit released, the
// event loop stopped, and the session dropped from its manager. Script calls
// made through the API afterwards do nothing. Close is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.rt.Interrupt(ErrSessionClosed)
		timers := s.timers.clearAll()
		units := s.units.ReleaseAll()
		_ = s.rt.Close()
		s.manager.remove(s.id)
		s.manager.metrics.closed(timers)
		s.logger.Debug("session closed", "timers", timers, "units", units)
	})
	return nil
}

func (s *Session) commit(snap workstate.Snapshot) {
	if s.closed.Load() {
		return
	}
	c := &Commit{SessionID: s.id, Snapshot: snap}
	s.lastCommit.Store(c)
	s.manager.metrics.committed()
	if s.onCommit != nil {
		s.onCommit(*c)
	}
}
