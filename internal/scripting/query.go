package scripting

import (
	"github.com/dop251/goja"
	"github.com/joeycumines/openoverlay/internal/layer"
	"github.com/joeycumines/openoverlay/internal/workstate"
)

// queryObject exposes q to scripts as the fluent object returned by layer().
// Mutators return the object itself for chaining.
func (s *Session) queryObject(vm *goja.Runtime, q *workstate.Query) *goja.Object {
	obj := vm.NewObject()
	set := func(name string, fn func(goja.FunctionCall) goja.Value) {
		_ = obj.Set(name, s.apiFunc(fn))
	}

	_ = obj.DefineAccessorProperty("length", vm.ToValue(func(goja.FunctionCall) goja.Value {
		return vm.ToValue(q.Len())
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)

	accessor := func(name string, get func() (map[string]any, bool), patch func(map[string]any) *workstate.Query) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			arg := call.Argument(0)
			if isAbsent(arg) {
				v, ok := get()
				switch {
				case !ok:
					return goja.Null()
				case v == nil:
					return goja.Undefined()
				}
				return jsValue(vm, v)
			}
			patch(exportObject(vm, name, arg))
			return obj
		}
	}
	set("config", accessor("config", q.Config, q.PatchConfig))
	set("style", accessor("style", q.Style, q.PatchStyle))

	set("moveUp", func(call goja.FunctionCall) goja.Value {
		q.MoveUp(call.Argument(0).ToBoolean())
		return obj
	})
	set("moveDown", func(call goja.FunctionCall) goja.Value {
		q.MoveDown(call.Argument(0).ToBoolean())
		return obj
	})
	set("remove", func(goja.FunctionCall) goja.Value {
		q.Remove()
		return obj
	})
	set("clone", func(goja.FunctionCall) goja.Value {
		clones := q.Clone()
		if len(clones) == 1 {
			return jsValue(vm, clones[0].ToMap())
		}
		return jsValue(vm, layerMaps(clones))
	})

	return obj
}

// layerMaps converts layers to generic maps, for scripts.
func layerMaps(layers []layer.Layer) []any {
	out := make([]any, len(layers))
	for i, l := range layers {
		out[i] = l.ToMap()
	}
	return out
}
