package workstate

import (
	"github.com/joeycumines/openoverlay/internal/layer"
)

// Query is a fluent handle over the layers matched by a set of filters. It
// is bound to the ids of the matched layers, so mutations made through other
// handles in between never leave it pointing at the wrong layer: matches
// that have since been removed simply drop out. The filters are resolved
// again after any operation that reorders the sequence.
type Query struct {
	state   *State
	filters []layer.Filter
	ids     map[int64]struct{}
}

// Query resolves filters against the working sequence.
func (s *State) Query(filters ...layer.Filter) *Query {
	q := &Query{state: s, filters: filters}
	q.bind(s.Resolve(filters...))
	return q
}

func (q *Query) bind(indexes []int) {
	q.ids = make(map[int64]struct{}, len(indexes))
	for _, i := range indexes {
		q.ids[q.state.layers[i].ID] = struct{}{}
	}
}

// indexes returns the current, ascending positions of the bound layers.
func (q *Query) indexes() []int {
	if len(q.ids) == 0 {
		return nil
	}
	var out []int
	for i, l := range q.state.layers {
		if _, ok := q.ids[l.ID]; ok {
			out = append(out, i)
		}
	}
	return out
}

// Len returns the number of matched layers still present.
func (q *Query) Len() int { return len(q.indexes()) }

// Indexes returns the current positions of the matched layers.
func (q *Query) Indexes() []int {
	out := q.indexes()
	if out == nil {
		out = []int{}
	}
	return out
}

// Config returns a copy of the first match's config, or nil if nothing
// matched.
func (q *Query) Config() (map[string]any, bool) {
	return q.get(func(l layer.Layer) map[string]any { return l.Config })
}

// Style returns a copy of the first match's style, or nil if nothing matched.
func (q *Query) Style() (map[string]any, bool) {
	return q.get(func(l layer.Layer) map[string]any { return l.Style })
}

func (q *Query) get(field func(layer.Layer) map[string]any) (map[string]any, bool) {
	indexes := q.indexes()
	if len(indexes) == 0 {
		return nil, false
	}
	l := q.state.At(indexes[0]).Clone()
	return field(l), true
}

// PatchConfig shallow-merges patch into each match's config, replacing the
// layer records, and commits once if anything matched.
func (q *Query) PatchConfig(patch map[string]any) *Query {
	return q.patch(func(l *layer.Layer) {
		l.Config = layer.ReplacePatch(l.Config, patch)
	})
}

// PatchStyle shallow-merges patch into each match's style, replacing the
// layer records, and commits once if anything matched.
func (q *Query) PatchStyle(patch map[string]any) *Query {
	return q.patch(func(l *layer.Layer) {
		l.Style = layer.ReplacePatch(l.Style, patch)
	})
}

func (q *Query) patch(apply func(*layer.Layer)) *Query {
	indexes := q.indexes()
	if len(indexes) == 0 {
		return q
	}
	for _, i := range indexes {
		l := q.state.At(i)
		apply(&l)
		q.state.Replace(i, l)
	}
	q.state.Changed()
	return q
}

// MoveUp moves the matches toward the front; see State.MoveUp.
func (q *Query) MoveUp(toTop bool) *Query {
	if q.state.MoveUp(q.indexes(), toTop) {
		q.bind(q.state.Resolve(q.filters...))
	}
	return q
}

// MoveDown moves the matches toward the back; see State.MoveDown.
func (q *Query) MoveDown(toBottom bool) *Query {
	if q.state.MoveDown(q.indexes(), toBottom) {
		q.bind(q.state.Resolve(q.filters...))
	}
	return q
}

// Remove deletes every match and returns the removed layers. The query is
// empty afterwards.
func (q *Query) Remove() []layer.Layer {
	removed := q.state.RemoveIndexes(q.indexes())
	clear(q.ids)
	return removed
}

// Clone returns deep copies of the matches with their ids cleared, ready to
// be passed back to State.AddLayer.
func (q *Query) Clone() []layer.Layer {
	indexes := q.indexes()
	out := make([]layer.Layer, len(indexes))
	for n, i := range indexes {
		c := q.state.At(i).Clone()
		c.ID = 0
		out[n] = c
	}
	return out
}
