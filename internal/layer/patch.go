package layer

import (
	"github.com/mohae/deepcopy"
)

// PatchStrategy combines a base attribute map with a patch, returning a new
// map. Neither input is modified.
type PatchStrategy func(base, patch map[string]any) map[string]any

// Undefined marks a patch value that was explicitly undefined, as opposed to
// nil (null). MergePatch keeps an existing value for it.
var Undefined any = undefined{}

type undefined struct{}

// ReplacePatch is a shallow merge: the result is a copy of base whose
// top-level keys are replaced by those of patch. Nested values from patch are
// taken as-is, not merged.
func ReplacePatch(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = deepcopy.Copy(v)
	}
	return out
}

// MergePatch is a deep merge over a deep copy of base. Nested maps merge
// recursively and slices merge index by index. A nil patch value overwrites,
// while Undefined leaves an existing base value in place.
func MergePatch(base, patch map[string]any) map[string]any {
	var out map[string]any
	if base != nil {
		out = deepcopy.Copy(base).(map[string]any)
	} else {
		out = make(map[string]any, len(patch))
	}
	mergeInto(out, patch)
	return out
}

func mergeInto(dst, src map[string]any) {
	for k, sv := range src {
		dv, exists := dst[k]
		if sv == Undefined {
			if !exists {
				dst[k] = nil
			}
			continue
		}
		dst[k] = mergeValue(dv, sv)
	}
}

func mergeValue(dst, src any) any {
	switch s := src.(type) {
	case map[string]any:
		d, ok := dst.(map[string]any)
		if !ok {
			d = make(map[string]any, len(s))
		}
		mergeInto(d, s)
		return d
	case []any:
		d, ok := dst.([]any)
		if !ok {
			d = nil
		}
		out := make([]any, max(len(d), len(s)))
		copy(out, d)
		for i, v := range s {
			if v == Undefined {
				if i >= len(d) {
					out[i] = nil
				}
				continue
			}
			out[i] = mergeValue(out[i], v)
		}
		return out
	}
	return deepcopy.Copy(src)
}

// ApplyRecordPatch applies strategy to the flattened layer and decodes the
// result. The id is preserved regardless of the patch.
func ApplyRecordPatch(l Layer, patch map[string]any, strategy PatchStrategy) (Layer, error) {
	merged := strategy(l.ToMap(), patch)
	out, err := FromMap(merged)
	if err != nil {
		return Layer{}, err
	}
	out.ID = l.ID
	return out, nil
}
