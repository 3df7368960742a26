package overlay

import (
	"encoding/json"
	"io"

	"github.com/joeycumines/openoverlay/internal/layer"
)

// Result is what a run prints.
type Result struct {
	Layers []layer.Layer `json:"layers"`
	// Handlers maps subscribed event names to their handler counts.
	Handlers map[string]int `json:"handlers,omitempty"`
	Commits  int64          `json:"commits"`
	Error    string         `json:"error,omitempty"`
}

// WriteJSON encodes v followed by a newline, indented if requested.
func WriteJSON(w io.Writer, v any, indent bool) error {
	enc := json.NewEncoder(w)
	if indent {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
