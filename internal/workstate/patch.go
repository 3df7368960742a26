package workstate

import (
	"fmt"

	"github.com/joeycumines/openoverlay/internal/layer"
)

// PatchEach visits every layer accepted by match (all layers when match is
// nil), in sequence order. patchFor receives a deep copy of the layer and
// returns the patch to apply, or nil to leave the layer alone. Patches are
// applied to the whole record with strategy; the id is never changed.
//
// A single commit follows if any layer was patched, including when patchFor
// fails part way through.
func (s *State) PatchEach(match func(layer.Layer) bool, patchFor func(layer.Layer) (map[string]any, error), strategy layer.PatchStrategy) (err error) {
	patched := false
	defer func() {
		if patched {
			s.layersChanged()
		}
	}()
	for i := 0; i < len(s.layers); i++ {
		current := s.layers[i]
		if match != nil && !match(current) {
			continue
		}
		patch, err := patchFor(current.Clone())
		if err != nil {
			return err
		}
		if patch == nil {
			continue
		}
		next, err := layer.ApplyRecordPatch(current, patch, strategy)
		if err != nil {
			return fmt.Errorf("layer %d: %w", current.ID, err)
		}
		s.layers[i] = next
		patched = true
	}
	return nil
}

// First returns a deep copy of the first layer accepted by match.
func (s *State) First(match func(layer.Layer) bool) (layer.Layer, bool) {
	for _, l := range s.layers {
		if match(l) {
			return l.Clone(), true
		}
	}
	return layer.Layer{}, false
}

// RemoveMatching deletes every layer accepted by match and returns them.
func (s *State) RemoveMatching(match func(layer.Layer) bool) []layer.Layer {
	var indexes []int
	for i, l := range s.layers {
		if match(l) {
			indexes = append(indexes, i)
		}
	}
	return s.RemoveIndexes(indexes)
}
