package scripting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"
	"github.com/joeycumines/openoverlay/internal/goroutineid"
)

// DefaultSyncTimeout is the maximum duration to wait for RunOnLoopSync operations.
const DefaultSyncTimeout = 5 * time.Second

// loopGlobals are installed on the global object by the event loop. Scripts
// receive their own timer functions through the session module instead.
var loopGlobals = []string{
	"setTimeout", "setInterval", "setImmediate",
	"clearTimeout", "clearInterval", "clearImmediate",
	"require", "console",
}

var (
	errLoopNotRunning = errors.New("event loop not running")

	// ErrSyncTimeout is returned by RunOnLoopSync when the loop did not finish
	// the call in time.
	ErrSyncTimeout = errors.New("operation timed out")
)

// Runtime owns one goja VM and the event loop that drives it. Each script
// session gets its own Runtime, so nothing is shared between sessions.
//
// goja.Runtime is not goroutine-safe: all access must go through RunOnLoop,
// RunOnLoopSync or RunOnLoopContext.
type Runtime struct {
	loop     *eventloop.EventLoop
	registry *require.Registry

	// vm may be used off the loop only for Interrupt.
	vm      *goja.Runtime
	modules *require.RequireModule

	// requireFn is the loader's require function, removed from the global
	// object except while Require runs.
	requireFn goja.Value

	timeout time.Duration

	loopGoroutineID atomic.Int64

	mu      sync.RWMutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
}

// RuntimeOptions configures NewRuntime.
type RuntimeOptions struct {
	// Registry holds the native modules and source loader. A fresh registry
	// is created if nil.
	Registry *require.Registry
	// SyncTimeout bounds RunOnLoopSync. Zero means DefaultSyncTimeout,
	// negative disables the bound.
	SyncTimeout time.Duration
}

// NewRuntime starts an event loop in a background goroutine. The loop's
// globals are stripped from the VM, leaving a bare ECMAScript environment.
// Call Close when done; cancelling ctx closes the runtime as well.
func NewRuntime(ctx context.Context, opts RuntimeOptions) (*Runtime, error) {
	registry := opts.Registry
	if registry == nil {
		registry = require.NewRegistry()
	}
	timeout := opts.SyncTimeout
	switch {
	case timeout == 0:
		timeout = DefaultSyncTimeout
	case timeout < 0:
		timeout = 0
	}

	loop := eventloop.NewEventLoop(
		eventloop.WithRegistry(registry),
		eventloop.EnableConsole(false),
	)

	// independent of the parent, for clean shutdown
	childCtx, cancel := context.WithCancel(context.Background())

	rt := &Runtime{
		loop:     loop,
		registry: registry,
		timeout:  timeout,
		ctx:      childCtx,
		cancel:   cancel,
	}

	loop.Start()

	errCh := make(chan error, 1)
	ok := loop.RunOnLoop(func(vm *goja.Runtime) {
		rt.loopGoroutineID.Store(goroutineid.Get())
		rt.vm = vm
		rt.modules = registry.Enable(vm)
		global := vm.GlobalObject()
		rt.requireFn = global.Get("require")
		for _, name := range loopGlobals {
			if err := global.Delete(name); err != nil {
				errCh <- fmt.Errorf("remove global %s: %w", name, err)
				return
			}
		}
		errCh <- nil
	})
	if !ok {
		cancel()
		return nil, errors.New("failed to initialize: event loop not running")
	}
	if err := <-errCh; err != nil {
		cancel()
		loop.Terminate()
		return nil, fmt.Errorf("failed to initialize runtime: %w", err)
	}

	if ctx.Done() != nil {
		context.AfterFunc(ctx, func() {
			_ = rt.Close()
		})
	}

	return rt, nil
}

// Registry returns the require registry the VM loads modules from.
func (rt *Runtime) Registry() *require.Registry {
	return rt.registry
}

// EventLoop returns the underlying event loop, for scheduling timers.
func (rt *Runtime) EventLoop() *eventloop.EventLoop {
	return rt.loop
}

// Require loads the module at path. It must be called on the loop.
//
// The module loader hands the global require to every module it evaluates,
// so it is installed for the duration of the call.
func (rt *Runtime) Require(path string) (goja.Value, error) {
	global := rt.vm.GlobalObject()
	if err := global.Set("require", rt.requireFn); err != nil {
		return nil, err
	}
	defer func() { _ = global.Delete("require") }()
	return rt.modules.Require(path)
}

// Interrupt aborts whatever JavaScript is currently running, and any run
// started afterwards. Safe from any goroutine.
func (rt *Runtime) Interrupt(v any) {
	if rt.vm != nil {
		rt.vm.Interrupt(v)
	}
}

// Close stops the event loop, clearing every timer it still holds. It's safe
// to call multiple times, and from the loop itself, in which case the loop is
// terminated once the current job returns.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	if rt.stopped {
		rt.mu.Unlock()
		return nil
	}
	rt.stopped = true
	rt.mu.Unlock()

	rt.cancel()

	if rt.OnLoop() {
		go rt.loop.Terminate()
		return nil
	}
	rt.loop.Terminate()
	return nil
}

// Done returns a channel that is closed when the runtime is stopped.
func (rt *Runtime) Done() <-chan struct{} {
	return rt.ctx.Done()
}

// IsRunning returns true if the runtime has not been closed.
func (rt *Runtime) IsRunning() bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return !rt.stopped
}

// OnLoop reports whether the caller is running on the loop goroutine.
func (rt *Runtime) OnLoop() bool {
	id := rt.loopGoroutineID.Load()
	return id > 0 && id == goroutineid.Get()
}

// RunOnLoop schedules fn on the event loop goroutine. Returns false if the
// runtime is closed.
//
// The goja.Runtime passed to fn must not be used outside of it.
func (rt *Runtime) RunOnLoop(fn func(*goja.Runtime)) bool {
	if !rt.IsRunning() {
		return false
	}
	return rt.loop.RunOnLoop(fn)
}

// RunOnLoopSync schedules fn on the event loop and waits for it, for at most
// the configured sync timeout.
func (rt *Runtime) RunOnLoopSync(fn func(*goja.Runtime) error) error {
	ctx := context.Background()
	if rt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt.timeout)
		defer cancel()
	}
	err := rt.RunOnLoopContext(ctx, fn)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %v", ErrSyncTimeout, rt.timeout)
	}
	return err
}

// RunOnLoopContext schedules fn on the event loop and waits until it returns,
// ctx is done, or the runtime stops. Giving up on the wait does not stop fn.
//
// Called from the loop goroutine itself, as happens when host code is reached
// from a script callback, fn runs immediately instead of deadlocking.
func (rt *Runtime) RunOnLoopContext(ctx context.Context, fn func(*goja.Runtime) error) error {
	if !rt.IsRunning() {
		return errLoopNotRunning
	}
	if rt.OnLoop() {
		return fn(rt.vm)
	}
	errCh := make(chan error, 1)
	if !rt.loop.RunOnLoop(func(vm *goja.Runtime) {
		errCh <- fn(vm)
	}) {
		return errLoopNotRunning
	}
	select {
	case err := <-errCh:
		return err
	case <-rt.Done():
		return errors.New("runtime stopped before completion")
	case <-ctx.Done():
		return ctx.Err()
	}
}
