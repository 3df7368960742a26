package scripting

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dop251/goja"
	"github.com/joeycumines/openoverlay/internal/layer"
)

// jsValue converts v into plain script values: maps become ordinary objects
// and slices ordinary arrays, rather than wrappers around the Go values.
func jsValue(vm *goja.Runtime, v any) goja.Value {
	switch v := v.(type) {
	case nil:
		return goja.Null()
	case map[string]any:
		obj := vm.NewObject()
		for k, item := range v {
			_ = obj.Set(k, jsValue(vm, item))
		}
		return obj
	case []any:
		items := make([]any, len(v))
		for i, item := range v {
			items[i] = jsValue(vm, item)
		}
		return vm.NewArray(items...)
	case []map[string]any:
		items := make([]any, len(v))
		for i, item := range v {
			items[i] = jsValue(vm, item)
		}
		return vm.NewArray(items...)
	default:
		return vm.ToValue(v)
	}
}

// isAbsent reports whether v is missing, undefined or null.
func isAbsent(v goja.Value) bool {
	return v == nil || goja.IsUndefined(v) || goja.IsNull(v)
}

// exportObject exports v as a map, failing for anything but a plain object.
// Absent values export as nil.
func exportObject(vm *goja.Runtime, what string, v goja.Value) map[string]any {
	if isAbsent(v) {
		return nil
	}
	m, ok := v.Export().(map[string]any)
	if !ok {
		panic(vm.NewTypeError("%s must be an object, got %s", what, v.String()))
	}
	return m
}

// exportMergePatch is exportObject for patches given to layer.MergePatch:
// undefined properties and array holes export as layer.Undefined, so that
// they keep existing values where null overwrites them.
func exportMergePatch(vm *goja.Runtime, what string, v goja.Value) map[string]any {
	if isAbsent(v) {
		return nil
	}
	m, ok := exportPatchValue(v).(map[string]any)
	if !ok {
		panic(vm.NewTypeError("%s must be an object, got %s", what, v.String()))
	}
	return m
}

func exportPatchValue(v goja.Value) any {
	switch {
	case v == nil || goja.IsUndefined(v):
		return layer.Undefined
	case goja.IsNull(v):
		return nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return v.Export()
	}
	if _, isFunc := goja.AssertFunction(v); isFunc {
		return v.Export()
	}
	switch obj.ClassName() {
	case "Array":
		n := int(obj.Get("length").ToInteger())
		out := make([]any, n)
		for i := range n {
			out[i] = exportPatchValue(obj.Get(strconv.Itoa(i)))
		}
		return out
	case "Object":
		keys := obj.Keys()
		out := make(map[string]any, len(keys))
		for _, k := range keys {
			out[k] = exportPatchValue(obj.Get(k))
		}
		return out
	}
	return v.Export()
}

// exportArgs exports call arguments for use as Go values.
func exportArgs(args []goja.Value) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = a.Export()
	}
	return out
}

// formatArgs renders console arguments the way a browser console would
// print them on one line.
func formatArgs(args []goja.Value) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, formatValue(a))
	}
	return strings.Join(parts, " ")
}

func formatValue(v goja.Value) (s string) {
	defer func() {
		if r := recover(); r != nil {
			s = fmt.Sprint(r)
		}
	}()
	if isAbsent(v) {
		if v == nil {
			return "undefined"
		}
		return v.String()
	}
	if _, ok := goja.AssertFunction(v); ok {
		return "[Function]"
	}
	switch exported := v.Export().(type) {
	case string:
		return exported
	case map[string]any, []any:
		b, err := json.Marshal(exported)
		if err != nil {
			return v.String()
		}
		return string(b)
	default:
		return v.String()
	}
}
