// Package layer defines the overlay layer record, the filters used to select
// layers, and the patch strategies used to mutate them.
package layer

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/mohae/deepcopy"
)

// Well-known layer attribute names, as they appear in documents and scripts.
const (
	FieldID          = "id"
	FieldElementName = "elementName"
	FieldLabel       = "label"
	FieldConfig      = "config"
	FieldStyle       = "style"
)

// Layer is one positioned element instance in an overlay's ordered stack.
//
// Config and Style are opaque to this package; Extra holds any other attribute
// so documents round-trip without loss.
type Layer struct {
	ID          int64          `mapstructure:"id"`
	ElementName string         `mapstructure:"elementName"`
	Label       string         `mapstructure:"label"`
	Config      map[string]any `mapstructure:"config"`
	Style       map[string]any `mapstructure:"style"`
	Extra       map[string]any `mapstructure:",remain"`
}

// Field returns the value of the named attribute, and whether the layer has
// it. An empty label counts as absent.
func (l Layer) Field(key string) (any, bool) {
	switch key {
	case FieldID:
		return l.ID, true
	case FieldElementName:
		return l.ElementName, l.ElementName != ""
	case FieldLabel:
		return l.Label, l.Label != ""
	case FieldConfig:
		return l.Config, l.Config != nil
	case FieldStyle:
		return l.Style, l.Style != nil
	}
	v, ok := l.Extra[key]
	return v, ok
}

// Clone returns a deep copy of the layer.
func (l Layer) Clone() Layer {
	return Layer{
		ID:          l.ID,
		ElementName: l.ElementName,
		Label:       l.Label,
		Config:      copyMap(l.Config),
		Style:       copyMap(l.Style),
		Extra:       copyMap(l.Extra),
	}
}

// ToMap flattens the layer into a generic map. The result shares no state
// with the layer. Zero-valued optional fields are omitted, and a zero ID is
// omitted too, which is how clones signal "assign me a new id".
func (l Layer) ToMap() map[string]any {
	m := make(map[string]any, len(l.Extra)+5)
	for k, v := range l.Extra {
		m[k] = deepcopy.Copy(v)
	}
	if l.ID != 0 {
		m[FieldID] = l.ID
	}
	if l.ElementName != "" {
		m[FieldElementName] = l.ElementName
	}
	if l.Label != "" {
		m[FieldLabel] = l.Label
	}
	if l.Config != nil {
		m[FieldConfig] = copyMap(l.Config)
	}
	if l.Style != nil {
		m[FieldStyle] = copyMap(l.Style)
	}
	return m
}

// FromMap decodes a generic map (a parsed document, or a value exported from a
// script) into a Layer. The input is deep copied first.
func FromMap(m map[string]any) (Layer, error) {
	var l Layer
	if m == nil {
		return l, nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &l,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Layer{}, err
	}
	if err := decoder.Decode(copyMap(m)); err != nil {
		return Layer{}, fmt.Errorf("invalid layer: %w", err)
	}
	if len(l.Extra) == 0 {
		l.Extra = nil
	}
	return l, nil
}

// MarshalJSON encodes the layer as a flat object.
func (l Layer) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.ToMap())
}

// UnmarshalJSON decodes a flat object.
func (l *Layer) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	v, err := FromMap(m)
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// CloneAll deep copies a layer sequence.
func CloneAll(layers []Layer) []Layer {
	if layers == nil {
		return nil
	}
	out := make([]Layer, len(layers))
	for i, l := range layers {
		out[i] = l.Clone()
	}
	return out
}

// MaxID returns the largest id in the sequence, or 0.
func MaxID(layers []Layer) int64 {
	var maxID int64
	for _, l := range layers {
		if l.ID > maxID {
			maxID = l.ID
		}
	}
	return maxID
}

// Validate checks that every id is positive and unique.
func Validate(layers []Layer) error {
	seen := make(map[int64]int, len(layers))
	for i, l := range layers {
		if l.ID <= 0 {
			return fmt.Errorf("layer %d: id must be positive, got %d", i, l.ID)
		}
		if j, ok := seen[l.ID]; ok {
			return fmt.Errorf("layer %d: duplicate id %d (also used by layer %d)", i, l.ID, j)
		}
		seen[l.ID] = i
	}
	return nil
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return deepcopy.Copy(m).(map[string]any)
}
