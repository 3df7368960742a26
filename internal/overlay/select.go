package overlay

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/joeycumines/openoverlay/internal/layer"
)

// SelectEnv is the environment a selector expression runs against.
type SelectEnv struct {
	ID          int64          `expr:"id"`
	Label       string         `expr:"label"`
	ElementName string         `expr:"elementName"`
	Config      map[string]any `expr:"config"`
	Style       map[string]any `expr:"style"`
	Extra       map[string]any `expr:"extra"`
}

func envOf(l layer.Layer) SelectEnv {
	return SelectEnv{
		ID:          l.ID,
		Label:       l.Label,
		ElementName: l.ElementName,
		Config:      l.Config,
		Style:       l.Style,
		Extra:       l.Extra,
	}
}

// Selector is a compiled boolean expression over a layer, such as
//
//	elementName == "chat" && config.zoom > 1
type Selector struct {
	source  string
	program *vm.Program
}

// CompileSelector compiles source. An empty source selects everything.
func CompileSelector(source string) (*Selector, error) {
	s := &Selector{source: source}
	if source == "" {
		return s, nil
	}
	program, err := expr.Compile(source,
		expr.Env(SelectEnv{}),
		expr.AsBool(),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", source, err)
	}
	s.program = program
	return s, nil
}

// String returns the source expression.
func (s *Selector) String() string { return s.source }

// Match reports whether l satisfies the expression.
func (s *Selector) Match(l layer.Layer) (bool, error) {
	if s == nil || s.program == nil {
		return true, nil
	}
	out, err := expr.Run(s.program, envOf(l))
	if err != nil {
		return false, fmt.Errorf("selector %q on layer %d: %w", s.source, l.ID, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("selector %q returned %T", s.source, out)
	}
	return b, nil
}

// Select returns the layers that match, in order.
func (s *Selector) Select(layers []layer.Layer) ([]layer.Layer, error) {
	out := make([]layer.Layer, 0, len(layers))
	for _, l := range layers {
		ok, err := s.Match(l)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, l)
		}
	}
	return out, nil
}
