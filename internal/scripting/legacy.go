package scripting

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/joeycumines/openoverlay/internal/layer"
	"github.com/joeycumines/openoverlay/internal/workstate"
)

// legacyParams are the only bindings a legacy script body sees.
const legacyParams = "overlay, setTimeout, setInterval"

// LegacyOptions configures a LegacyContext.
type LegacyOptions struct {
	Logger *slog.Logger
	// OnUpdated is called, on the context's event loop, when a script calls
	// overlay.update().
	OnUpdated   func(layers []layer.Layer)
	SyncTimeout time.Duration
}

// LegacyContext runs a whole script body as one function call against a
// directly mutable overlay object. There is no commit accounting: the script
// decides when the host sees its changes by calling overlay.update().
//
// Script exceptions never propagate; they are recorded and reported through
// LastExecutionError.
type LegacyContext struct {
	rt        *Runtime
	logger    *slog.Logger
	onUpdated func([]layer.Layer)

	mu      sync.Mutex
	lastErr error
	timers  *timerSet

	// overlay is confined to the event loop; nil until Execute, and after
	// Reset.
	overlay *legacyOverlay
}

type legacyOverlay struct {
	state       *workstate.State
	lastUpdated time.Time
}

// NewLegacyContext starts the context's runtime. Cancelling ctx closes it.
func NewLegacyContext(ctx context.Context, opts LegacyOptions) (*LegacyContext, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	rt, err := NewRuntime(ctx, RuntimeOptions{SyncTimeout: opts.SyncTimeout})
	if err != nil {
		return nil, err
	}
	return &LegacyContext{
		rt:        rt,
		logger:    opts.Logger.With("context", "legacy"),
		onUpdated: opts.OnUpdated,
		timers:    newTimerSet(rt.EventLoop()),
	}, nil
}

func wrapLegacy(script string) string {
	return "(function(" + legacyParams + ") { " + script + "\n})"
}

// ValidateScript checks the syntax of a script body without running it.
func (c *LegacyContext) ValidateScript(script string) error {
	_, err := goja.Compile("script", wrapLegacy(script), false)
	return err
}

// Execute runs script against a fresh overlay over layers, and reports
// whether it completed without throwing. The layers are used directly as the
// working sequence; read the outcome with Layers.
func (c *LegacyContext) Execute(layers []layer.Layer, script string, lastUpdated time.Time) bool {
	err := c.rt.RunOnLoopSync(func(vm *goja.Runtime) error {
		vm.ClearInterrupt()
		c.overlay = &legacyOverlay{
			state:       workstate.New(layers, nil),
			lastUpdated: lastUpdated,
		}
		return c.guard(func() error {
			v, err := vm.RunScript("script", wrapLegacy(script))
			if err != nil {
				return err
			}
			fn, ok := goja.AssertFunction(v)
			if !ok {
				return errors.New("script body did not compile to a function")
			}
			timers := c.currentTimers()
			_, err = fn(goja.Undefined(),
				c.overlayObject(vm, c.overlay),
				vm.ToValue(c.timerFunc(vm, "setTimeout", timers.setTimeout)),
				vm.ToValue(c.timerFunc(vm, "setInterval", timers.setInterval)),
			)
			return err
		})
	})

	if errors.Is(err, ErrSyncTimeout) {
		c.rt.Interrupt(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.lastErr = scriptRuntimeError(err)
		c.logger.Debug("legacy script failed", "error", c.lastErr)
		return false
	}
	c.lastErr = nil
	return true
}

// LastExecutionError returns the *ScriptRuntimeError of the last Execute,
// or nil if it succeeded.
func (c *LegacyContext) LastExecutionError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Layers returns a copy of the current layers, empty before Execute.
func (c *LegacyContext) Layers() []layer.Layer {
	var out []layer.Layer
	_ = c.rt.RunOnLoopSync(func(*goja.Runtime) error {
		if c.overlay != nil {
			out = c.overlay.state.Layers()
		}
		return nil
	})
	if out == nil {
		out = []layer.Layer{}
	}
	return out
}

// HasModifiedLayers reports whether the last executed script changed the
// layers.
func (c *LegacyContext) HasModifiedLayers() bool {
	var modified bool
	_ = c.rt.RunOnLoopSync(func(*goja.Runtime) error {
		modified = c.overlay != nil && c.overlay.state.Modified()
		return nil
	})
	return modified
}

// LastUpdated returns the value passed to the last Execute.
func (c *LegacyContext) LastUpdated() time.Time {
	var t time.Time
	_ = c.rt.RunOnLoopSync(func(*goja.Runtime) error {
		if c.overlay != nil {
			t = c.overlay.lastUpdated
		}
		return nil
	})
	return t
}

// EmitToOtherLayers calls, in registration order, every handler for
// eventName whose filter matches source; handlers registered without a
// filter always run. Each handler receives (args, source). Exceptions are
// collected, and do not stop later handlers.
func (c *LegacyContext) EmitToOtherLayers(eventName string, args any, source layer.Layer) error {
	var errs []error
	err := c.rt.RunOnLoopSync(func(vm *goja.Runtime) error {
		if c.overlay == nil {
			return nil
		}
		argValue := jsValue(vm, args)
		sourceValue := jsValue(vm, source.ToMap())
		for _, h := range c.overlay.state.Handlers(eventName) {
			if !h.Accepts(source) {
				continue
			}
			cb, ok := h.Callback.(jsCallback)
			if !ok {
				continue
			}
			if err := c.guard(func() error {
				_, err := cb.fn(goja.Undefined(), argValue, sourceValue)
				return err
			}); err != nil {
				errs = append(errs, scriptRuntimeError(err))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return errors.Join(errs...)
}

// Reset clears every timer the scripts scheduled and drops the overlay.
func (c *LegacyContext) Reset() {
	c.mu.Lock()
	old := c.timers
	c.timers = newTimerSet(c.rt.EventLoop())
	c.mu.Unlock()
	old.clearAll()
	_ = c.rt.RunOnLoopSync(func(*goja.Runtime) error {
		c.overlay = nil
		return nil
	})
}

// PendingTimers returns the number of outstanding script timers.
func (c *LegacyContext) PendingTimers() int {
	return c.currentTimers().pending()
}

// Close resets the context and stops its runtime.
func (c *LegacyContext) Close() error {
	c.mu.Lock()
	timers := c.timers
	c.mu.Unlock()
	timers.clearAll()
	return c.rt.Close()
}

func (c *LegacyContext) currentTimers() *timerSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers
}

func (c *LegacyContext) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = errors.New("panic in script call")
			}
		}
	}()
	return fn()
}

func (c *LegacyContext) timerFunc(vm *goja.Runtime, what string, add func(func(*goja.Runtime), time.Duration) (int64, bool)) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		cb := callbackArg(vm, what, call.Argument(0))
		delay := time.Duration(max(call.Argument(1).ToInteger(), 0)) * time.Millisecond
		id, ok := add(func(*goja.Runtime) {
			if err := c.guard(func() error {
				_, err := cb.fn(goja.Undefined())
				return err
			}); err != nil {
				c.logger.Warn(what+" callback failed", "error", err)
			}
		}, delay)
		if !ok {
			return goja.Undefined()
		}
		return vm.ToValue(id)
	}
}

// overlayObject builds the object passed to a script body as "overlay".
func (c *LegacyContext) overlayObject(vm *goja.Runtime, o *legacyOverlay) *goja.Object {
	obj := vm.NewObject()
	state := o.state

	// optionalFilter parses a filter argument, where a falsy value means
	// "every layer".
	optionalFilter := func(what string, v goja.Value) func(layer.Layer) bool {
		if isAbsent(v) || !v.ToBoolean() {
			return nil
		}
		f, err := layer.ParseFilter(v.Export())
		if err != nil {
			panic(vm.NewTypeError("%s: %v", what, err))
		}
		return f.Matcher()
	}

	// on(name, cb) or on(name, filter, cb)
	_ = obj.Set("on", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		filterArg, cbArg := goja.Value(nil), call.Argument(1)
		if !isAbsent(call.Argument(2)) {
			filterArg, cbArg = call.Argument(1), call.Argument(2)
		}
		h := workstate.Handler{Callback: callbackArg(vm, "on", cbArg)}
		if filterArg != nil && filterArg.ToBoolean() {
			f, err := layer.ParseFilter(filterArg.Export())
			if err != nil {
				panic(vm.NewTypeError("on: %v", err))
			}
			h.Filter = &f
		}
		state.On(name, h)
		return goja.Undefined()
	})

	// setLayer(patch), setLayer(filter, patch), where patch is an object or
	// a callback returning one
	_ = obj.Set("setLayer", func(call goja.FunctionCall) goja.Value {
		filterArg, patchArg := call.Argument(0), call.Argument(1)
		if isAbsent(patchArg) || !patchArg.ToBoolean() {
			filterArg, patchArg = nil, call.Argument(0)
		}
		match := optionalFilter("setLayer", filterArg)
		fn, isCallback := goja.AssertFunction(patchArg)
		var fixed map[string]any
		if !isCallback {
			fixed = exportMergePatch(vm, "setLayer: patch", patchArg)
		}
		err := state.PatchEach(match, func(l layer.Layer) (map[string]any, error) {
			if !isCallback {
				return fixed, nil
			}
			result, err := fn(goja.Undefined(), jsValue(vm, l.ToMap()))
			if err != nil {
				return nil, err
			}
			if isAbsent(result) || !result.ToBoolean() {
				return nil, nil
			}
			return exportMergePatch(vm, "setLayer: callback result", result), nil
		}, layer.MergePatch)
		rethrow(vm, err)
		return goja.Undefined()
	})

	_ = obj.Set("cloneLayer", func(call goja.FunctionCall) goja.Value {
		match := optionalFilter("cloneLayer", call.Argument(0))
		if match == nil {
			return goja.Null()
		}
		l, ok := state.First(match)
		if !ok {
			return goja.Null()
		}
		l.ID = 0
		return jsValue(vm, l.ToMap())
	})

	_ = obj.Set("addLayer", func(call goja.FunctionCall) goja.Value {
		l := layerArg(vm, call)
		return vm.ToValue(state.AddLayer(l))
	})

	_ = obj.Set("removeLayer", func(call goja.FunctionCall) goja.Value {
		match := optionalFilter("removeLayer", call.Argument(0))
		if match == nil {
			return goja.Null()
		}
		return jsValue(vm, layerMaps(state.RemoveMatching(match)))
	})

	_ = obj.Set("update", func(goja.FunctionCall) goja.Value {
		if c.onUpdated != nil {
			c.onUpdated(state.Layers())
		}
		return goja.Undefined()
	})

	_ = obj.DefineAccessorProperty("layers", vm.ToValue(func(goja.FunctionCall) goja.Value {
		return jsValue(vm, layerMaps(state.Layers()))
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)

	return obj
}

func scriptRuntimeError(err error) error {
	var sre *ScriptRuntimeError
	if errors.As(err, &sre) {
		return sre
	}
	out := &ScriptRuntimeError{Err: err}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		out.Err = errors.New(ex.Error())
		out.Stack = ex.String()
	}
	return out
}
