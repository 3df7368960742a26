package layer

import (
	"fmt"
	"math"
	"reflect"
)

type filterKind uint8

const (
	kindLabel filterKind = iota + 1
	kindAttrs
	kindID
)

// Filter selects layers. The zero value matches nothing.
type Filter struct {
	kind  filterKind
	label string
	id    int64
	attrs map[string]any
}

// Label matches layers whose label equals s exactly.
func Label(s string) Filter {
	return Filter{kind: kindLabel, label: s}
}

// ID matches the layer with the given id.
func ID(id int64) Filter {
	return Filter{kind: kindID, id: id}
}

// Attrs matches layers that carry every key of attrs with an equal value.
// Attributes not named by the filter are ignored. An empty map matches every
// layer.
func Attrs(attrs map[string]any) Filter {
	return Filter{kind: kindAttrs, attrs: attrs}
}

// ParseFilter converts a value exported from a script (or decoded from JSON)
// into a Filter: strings select by label, numbers by id, and maps by
// attributes.
func ParseFilter(v any) (Filter, error) {
	switch v := v.(type) {
	case Filter:
		return v, nil
	case string:
		return Label(v), nil
	case map[string]any:
		return Attrs(v), nil
	case nil:
		return Filter{}, fmt.Errorf("layer filter must not be null")
	}
	if n, ok := toFloat(v); ok {
		if n != math.Trunc(n) {
			return Filter{}, fmt.Errorf("layer id filter must be an integer, got %v", v)
		}
		return ID(int64(n)), nil
	}
	return Filter{}, fmt.Errorf("unsupported layer filter type %T", v)
}

// ParseFilters applies ParseFilter to each value.
func ParseFilters(values []any) ([]Filter, error) {
	filters := make([]Filter, 0, len(values))
	for i, v := range values {
		f, err := ParseFilter(v)
		if err != nil {
			return nil, fmt.Errorf("filter %d: %w", i, err)
		}
		filters = append(filters, f)
	}
	return filters, nil
}

// IsZero reports whether f is the zero Filter.
func (f Filter) IsZero() bool { return f.kind == 0 }

func (f Filter) String() string {
	switch f.kind {
	case kindLabel:
		return fmt.Sprintf("label(%q)", f.label)
	case kindID:
		return fmt.Sprintf("id(%d)", f.id)
	case kindAttrs:
		return fmt.Sprintf("attrs(%v)", f.attrs)
	}
	return "none"
}

// Matcher returns a predicate equivalent to Matches(l, f), with the filter
// kind resolved once.
func (f Filter) Matcher() func(Layer) bool {
	switch f.kind {
	case kindLabel:
		label := f.label
		return func(l Layer) bool { return l.Label == label }
	case kindID:
		id := f.id
		return func(l Layer) bool { return l.ID == id }
	case kindAttrs:
		attrs := f.attrs
		return func(l Layer) bool { return matchAttrs(l, attrs) }
	}
	return func(Layer) bool { return false }
}

// Matches reports whether the layer satisfies the filter.
func Matches(l Layer, f Filter) bool {
	switch f.kind {
	case kindLabel:
		return l.Label == f.label
	case kindID:
		return l.ID == f.id
	case kindAttrs:
		return matchAttrs(l, f.attrs)
	}
	return false
}

// ResolveIndexes returns the ascending, de-duplicated indexes of layers that
// match any of the filters. With no filters the result is empty, never "all
// layers".
func ResolveIndexes(layers []Layer, filters ...Filter) []int {
	if len(filters) == 0 {
		return []int{}
	}
	matchers := make([]func(Layer) bool, len(filters))
	for i, f := range filters {
		matchers[i] = f.Matcher()
	}
	indexes := make([]int, 0)
	for i, l := range layers {
		for _, match := range matchers {
			if match(l) {
				indexes = append(indexes, i)
				break
			}
		}
	}
	return indexes
}

func matchAttrs(l Layer, attrs map[string]any) bool {
	for k, want := range attrs {
		got, ok := l.Field(k)
		if !ok || !Equal(got, want) {
			return false
		}
	}
	return true
}

// Equal compares two attribute values. Numbers compare by value regardless of
// their Go kind; other values compare structurally.
func Equal(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	if _, ok := toFloat(b); ok {
		return false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, ok := bv[k]
			if !ok || !Equal(v, w) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
