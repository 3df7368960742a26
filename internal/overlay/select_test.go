package overlay

import (
	"testing"

	"github.com/joeycumines/openoverlay/internal/layer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selectLayers() []layer.Layer {
	return []layer.Layer{
		{ID: 1, ElementName: "webcam", Label: "Camera", Config: map[string]any{"zoom": 2}},
		{ID: 2, ElementName: "chat", Label: "Chat", Config: map[string]any{"zoom": 1}},
		{ID: 3, ElementName: "text", Extra: map[string]any{"visible": false}, Config: map[string]any{"zoom": 1}},
	}
}

func ids(layers []layer.Layer) []int64 {
	out := make([]int64, len(layers))
	for i, l := range layers {
		out[i] = l.ID
	}
	return out
}

func TestSelector(t *testing.T) {
	tests := []struct {
		source string
		want   []int64
	}{
		{"", []int64{1, 2, 3}},
		{`elementName == "chat"`, []int64{2}},
		{`id >= 2`, []int64{2, 3}},
		{`config.zoom > 1`, []int64{1}},
		{`label != "" && id < 3`, []int64{1, 2}},
		{`extra.visible == false`, []int64{3}},
		{`label matches "^C"`, []int64{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			s, err := CompileSelector(tt.source)
			require.NoError(t, err)
			assert.Equal(t, tt.source, s.String())
			got, err := s.Select(selectLayers())
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestSelector_CompileErrors(t *testing.T) {
	_, err := CompileSelector(`id +`)
	assert.Error(t, err)

	_, err = CompileSelector(`id + 1`)
	assert.Error(t, err, "non-boolean expressions are rejected")
}

func TestSelector_RunError(t *testing.T) {
	s, err := CompileSelector(`style.x > 1`)
	require.NoError(t, err)
	_, err = s.Select(selectLayers())
	assert.Error(t, err)
}

func TestSelector_Nil(t *testing.T) {
	var s *Selector
	ok, err := s.Match(layer.Layer{})
	require.NoError(t, err)
	assert.True(t, ok)
}
