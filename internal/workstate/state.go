// Package workstate implements the staging area a script session mutates:
// the working layer sequence, the id counter, event handlers, and the commit
// accounting that decides when the host sees a change.
//
// A State is confined to one goroutine (the owning session's event loop).
// It performs no locking.
package workstate

import (
	"slices"

	"github.com/joeycumines/openoverlay/internal/layer"
)

// Snapshot is an immutable copy of the working state, as published to the
// host on each commit.
type Snapshot struct {
	// Seq is the 1-based commit sequence number within the State.
	Seq int64 `json:"seq"`
	// Layers is a deep copy of the working sequence.
	Layers []layer.Layer `json:"layers"`
	// Handlers maps subscribed event names to their handler counts.
	Handlers map[string]int `json:"handlers"`
}

// Handler is an event subscription. Callback is opaque to this package.
type Handler struct {
	Callback any
	// Filter is optional; when set, Match is its pre-compiled form.
	Filter *layer.Filter
	Match  func(layer.Layer) bool
}

// Accepts reports whether the handler wants events sourced from l.
func (h Handler) Accepts(l layer.Layer) bool {
	return h.Match == nil || h.Match(l)
}

// CommitFunc receives each commit.
type CommitFunc func(Snapshot)

// State is the working script state for one session.
type State struct {
	layers   []layer.Layer
	maxID    int64
	handlers map[string][]Handler

	bulkDepth int
	dirty     bool
	modified  bool

	seq      int64
	onCommit CommitFunc
}

// New creates a State seeded with a shallow copy of layers. The id counter
// starts at the largest id present.
func New(layers []layer.Layer, onCommit CommitFunc) *State {
	working := make([]layer.Layer, len(layers))
	copy(working, layers)
	return &State{
		layers:   working,
		maxID:    layer.MaxID(layers),
		handlers: make(map[string][]Handler),
		onCommit: onCommit,
	}
}

// Len returns the number of layers in the working sequence.
func (s *State) Len() int { return len(s.layers) }

// MaxID returns the id counter. It never decreases.
func (s *State) MaxID() int64 { return s.maxID }

// Layers returns a deep copy of the working sequence.
func (s *State) Layers() []layer.Layer {
	return layer.CloneAll(s.layers)
}

// At returns the layer at index i. The returned value shares maps with the
// working copy and must be treated as read-only.
func (s *State) At(i int) layer.Layer { return s.layers[i] }

// Commits returns the number of commits published so far.
func (s *State) Commits() int64 { return s.seq }

// IsBulkUpdating reports whether a bulk update block is open.
func (s *State) IsBulkUpdating() bool { return s.bulkDepth > 0 }

// Snapshot copies the current state.
func (s *State) Snapshot() Snapshot {
	handlers := make(map[string]int, len(s.handlers))
	for name, list := range s.handlers {
		if len(list) > 0 {
			handlers[name] = len(list)
		}
	}
	return Snapshot{
		Seq:      s.seq,
		Layers:   s.Layers(),
		Handlers: handlers,
	}
}

// Resolve returns the indexes of layers matching any filter.
func (s *State) Resolve(filters ...layer.Filter) []int {
	return layer.ResolveIndexes(s.layers, filters...)
}

// AddLayer appends l at the back of the sequence with a freshly assigned id,
// commits, and returns the id. Any id on l is ignored.
func (s *State) AddLayer(l layer.Layer) int64 {
	s.maxID++
	l.ID = s.maxID
	s.layers = append(s.layers, l)
	s.layersChanged()
	return l.ID
}

// Replace overwrites the layer at index i, without committing. Callers batch
// replacements and then call Changed.
func (s *State) Replace(i int, l layer.Layer) {
	s.layers[i] = l
}

// RemoveIndexes deletes the layers at the given indexes, commits if anything
// was removed, and returns the removed layers. Out of range and repeated
// indexes are ignored.
func (s *State) RemoveIndexes(indexes []int) []layer.Layer {
	indexes = s.validIndexes(indexes)
	if len(indexes) == 0 {
		return nil
	}
	drop := make(map[int]struct{}, len(indexes))
	for _, i := range indexes {
		drop[i] = struct{}{}
	}
	removed := make([]layer.Layer, 0, len(indexes))
	kept := make([]layer.Layer, 0, len(s.layers)-len(indexes))
	for i, l := range s.layers {
		if _, ok := drop[i]; ok {
			removed = append(removed, l)
			continue
		}
		kept = append(kept, l)
	}
	s.layers = kept
	s.layersChanged()
	return removed
}

// MoveUp relocates the layers at indexes (ascending) as one contiguous block,
// to just before the first unmatched layer above the block, or to the front
// when toTop is set. It is a no-op, without a commit, when the first index is
// already 0. Reports whether the sequence changed.
func (s *State) MoveUp(indexes []int, toTop bool) bool {
	indexes = s.validIndexes(indexes)
	if len(indexes) == 0 || indexes[0] == 0 {
		return false
	}
	target := indexes[0] - 1
	if toTop {
		target = 0
	}
	return s.moveBlock(indexes, target)
}

// MoveDown relocates the layers at indexes (ascending) as one contiguous
// block, to just after the first unmatched layer below the block's last
// layer, or to the back when toBottom is set. It is a no-op, without a
// commit, when the last index is already the back of the sequence. Reports
// whether the sequence changed.
func (s *State) MoveDown(indexes []int, toBottom bool) bool {
	indexes = s.validIndexes(indexes)
	if len(indexes) == 0 || indexes[len(indexes)-1] == len(s.layers)-1 {
		return false
	}
	// position within the sequence once the block is plucked out
	target := indexes[len(indexes)-1] - len(indexes) + 2
	if toBottom {
		target = len(s.layers) - len(indexes)
	}
	return s.moveBlock(indexes, target)
}

func (s *State) moveBlock(indexes []int, target int) bool {
	pick := make(map[int]struct{}, len(indexes))
	for _, i := range indexes {
		pick[i] = struct{}{}
	}
	block := make([]layer.Layer, 0, len(indexes))
	rest := make([]layer.Layer, 0, len(s.layers)-len(indexes))
	for i, l := range s.layers {
		if _, ok := pick[i]; ok {
			block = append(block, l)
		} else {
			rest = append(rest, l)
		}
	}
	target = min(max(target, 0), len(rest))

	next := make([]layer.Layer, 0, len(s.layers))
	next = append(next, rest[:target]...)
	next = append(next, block...)
	next = append(next, rest[target:]...)

	same := true
	for i := range next {
		if next[i].ID != s.layers[i].ID {
			same = false
			break
		}
	}
	if same {
		return false
	}
	s.layers = next
	s.layersChanged()
	return true
}

// validIndexes returns the in-range members of indexes, ascending and without
// repeats.
func (s *State) validIndexes(indexes []int) []int {
	out := make([]int, 0, len(indexes))
	for _, i := range indexes {
		if i >= 0 && i < len(s.layers) {
			out = append(out, i)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// On appends a handler for the named event and commits, so the host sees the
// updated subscription list.
func (s *State) On(event string, h Handler) {
	if h.Filter != nil && h.Match == nil {
		h.Match = h.Filter.Matcher()
	}
	s.handlers[event] = append(s.handlers[event], h)
	s.changed()
}

// Off removes the first handler for event whose callback satisfies same.
// Removing an unknown callback is a no-op. Reports whether a handler was
// removed.
func (s *State) Off(event string, same func(callback any) bool) bool {
	list := s.handlers[event]
	for i, h := range list {
		if same(h.Callback) {
			next := make([]Handler, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(s.handlers, event)
			} else {
				s.handlers[event] = next
			}
			s.changed()
			return true
		}
	}
	return false
}

// Handlers returns the handlers registered for event, in registration order.
// The returned slice is a copy, so dispatch is unaffected by handlers that
// subscribe or unsubscribe while it runs.
func (s *State) Handlers(event string) []Handler {
	list := s.handlers[event]
	if len(list) == 0 {
		return nil
	}
	out := make([]Handler, len(list))
	copy(out, list)
	return out
}

// BulkUpdate runs fn with intermediate commits suppressed. When the outermost
// block ends, exactly one commit is published if anything changed. The block
// is closed even if fn panics or returns an error.
func (s *State) BulkUpdate(fn func() error) error {
	s.bulkDepth++
	defer func() {
		s.bulkDepth--
		if s.bulkDepth == 0 && s.dirty {
			s.Commit()
		}
	}()
	return fn()
}

// Changed records a mutation of the layer sequence made through Replace: it
// commits immediately, or marks the state dirty while a bulk update is open.
func (s *State) Changed() { s.layersChanged() }

// Modified reports whether the layer sequence has been mutated since the
// State was created.
func (s *State) Modified() bool { return s.modified }

func (s *State) layersChanged() {
	s.modified = true
	s.changed()
}

func (s *State) changed() {
	if s.bulkDepth > 0 {
		s.dirty = true
		return
	}
	s.Commit()
}

// Commit publishes a snapshot unconditionally (unless a bulk update is open,
// in which case the state is only marked dirty).
func (s *State) Commit() {
	if s.bulkDepth > 0 {
		s.dirty = true
		return
	}
	s.dirty = false
	s.seq++
	if s.onCommit != nil {
		s.onCommit(s.Snapshot())
	}
}
