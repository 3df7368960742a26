package scripting

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dop251/goja"
	"github.com/joeycumines/openoverlay/internal/layer"
	"github.com/joeycumines/openoverlay/internal/workstate"
)

// jsCallback is a script function stored as a workstate handler.
type jsCallback struct {
	value goja.Value
	fn    goja.Callable
}

// sessionModule is the require loader of the overlay:session module, whose
// exports are the sandbox API bound to this session.
func (s *Session) sessionModule(vm *goja.Runtime, module *goja.Object) {
	_ = module.Set("exports", s.newAPI(vm))
}

// apiFunc adapts a sandbox member so that, once the session is torn down,
// calls made through references the script kept return undefined and do
// nothing.
func (s *Session) apiFunc(fn func(goja.FunctionCall) goja.Value) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if s.closed.Load() {
			return goja.Undefined()
		}
		return fn(call)
	}
}

func (s *Session) newAPI(vm *goja.Runtime) *goja.Object {
	api := vm.NewObject()
	set := func(name string, fn func(goja.FunctionCall) goja.Value) {
		_ = api.Set(name, s.apiFunc(fn))
	}

	_ = api.Set("settings", s.settingsValue(vm))
	_ = api.Set("console", s.consoleObject(vm))

	set("on", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		cb := callbackArg(vm, "on", call.Argument(1))
		s.state.On(name, workstate.Handler{Callback: cb})
		return goja.Undefined()
	})

	set("off", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		target := call.Argument(1)
		s.state.Off(name, func(c any) bool {
			cb, ok := c.(jsCallback)
			return ok && cb.value.SameAs(target)
		})
		return goja.Undefined()
	})

	set("addLayer", func(call goja.FunctionCall) goja.Value {
		l := layerArg(vm, call)
		return vm.ToValue(s.state.AddLayer(l))
	})

	set("layer", func(call goja.FunctionCall) goja.Value {
		filters, err := layer.ParseFilters(exportArgs(call.Arguments))
		if err != nil {
			panic(vm.NewTypeError("layer: %v", err))
		}
		return s.queryObject(vm, s.state.Query(filters...))
	})

	set("bulkUpdate", func(call goja.FunctionCall) goja.Value {
		cb := callbackArg(vm, "bulkUpdate", call.Argument(0))
		err := s.state.BulkUpdate(func() error {
			_, err := cb.fn(goja.Undefined())
			return err
		})
		rethrow(vm, err)
		return goja.Undefined()
	})

	set("setTimeout", func(call goja.FunctionCall) goja.Value {
		return s.schedule(vm, call, "setTimeout", s.timers.setTimeout)
	})
	set("setInterval", func(call goja.FunctionCall) goja.Value {
		return s.schedule(vm, call, "setInterval", s.timers.setInterval)
	})
	clearTimer := func(call goja.FunctionCall) goja.Value {
		if v := call.Argument(0); !isAbsent(v) {
			s.timers.clear(v.ToInteger())
		}
		return goja.Undefined()
	}
	set("clearTimeout", clearTimer)
	set("clearInterval", clearTimer)

	return api
}

// schedule backs setTimeout and setInterval. Extra arguments are passed to
// the callback, and exceptions it throws are logged.
func (s *Session) schedule(vm *goja.Runtime, call goja.FunctionCall, what string, add func(func(*goja.Runtime), time.Duration) (int64, bool)) goja.Value {
	cb := callbackArg(vm, what, call.Argument(0))
	delay := time.Duration(max(call.Argument(1).ToInteger(), 0)) * time.Millisecond
	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = append(args, call.Arguments[2:]...)
	}
	id, ok := add(func(*goja.Runtime) {
		if s.closed.Load() {
			return
		}
		s.scriptError(what+" callback", s.guard(func() error {
			_, err := cb.fn(goja.Undefined(), args...)
			return err
		}))
	}, delay)
	if !ok {
		return goja.Undefined()
	}
	return vm.ToValue(id)
}

func (s *Session) settingsValue(vm *goja.Runtime) goja.Value {
	settings := s.settings
	if settings == nil {
		settings = map[string]any{}
	}
	v := jsValue(vm, settings)
	freeze, ok := goja.AssertFunction(vm.Get("Object").ToObject(vm).Get("freeze"))
	if ok {
		if frozen, err := freeze(goja.Undefined(), v); err == nil {
			return frozen
		}
	}
	return v
}

// consoleObject writes to the session console log. Its methods never throw.
func (s *Session) consoleObject(vm *goja.Runtime) *goja.Object {
	console := vm.NewObject()
	logger := s.console.Logger()
	for name, level := range map[string]slog.Level{
		"log":   slog.LevelInfo,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"debug": slog.LevelDebug,
	} {
		_ = console.Set(name, s.apiFunc(func(call goja.FunctionCall) goja.Value {
			func() {
				defer func() { _ = recover() }()
				logger.Log(context.Background(), level, formatArgs(call.Arguments), "console", name)
			}()
			return goja.Undefined()
		}))
	}
	return console
}

func callbackArg(vm *goja.Runtime, what string, v goja.Value) jsCallback {
	fn, ok := goja.AssertFunction(v)
	if !ok {
		panic(vm.NewTypeError("%s: callback must be a function", what))
	}
	return jsCallback{value: v, fn: fn}
}

// layerArg reads addLayer's arguments: either a complete layer record, or an
// element name followed by optional config and style objects.
func layerArg(vm *goja.Runtime, call goja.FunctionCall) layer.Layer {
	first := call.Argument(0)
	if obj, ok := first.(*goja.Object); ok {
		m, ok := obj.Export().(map[string]any)
		if !ok {
			panic(vm.NewTypeError("addLayer: expected a layer object, got %s", obj.String()))
		}
		l, err := layer.FromMap(m)
		if err != nil {
			panic(vm.NewTypeError("addLayer: %v", err))
		}
		return l
	}
	if isAbsent(first) {
		panic(vm.NewTypeError("addLayer: a layer or element name is required"))
	}
	return layer.Layer{
		ElementName: first.String(),
		Config:      exportObject(vm, "addLayer: config", call.Argument(1)),
		Style:       exportObject(vm, "addLayer: style", call.Argument(2)),
	}
}

// rethrow raises err in the script. Exceptions keep their original value, so
// script code can catch what it threw; an interrupt keeps unwinding.
func rethrow(vm *goja.Runtime, err error) {
	if err == nil {
		return
	}
	var (
		ex *goja.Exception
		ie *goja.InterruptedError
	)
	switch {
	case errors.As(err, &ex):
		panic(ex)
	case errors.As(err, &ie):
		panic(ie)
	default:
		panic(vm.NewGoError(err))
	}
}
