package scripting

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/openoverlay/internal/layer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// commitLog records commits from any goroutine.
type commitLog struct {
	mu      sync.Mutex
	commits []Commit
}

func (c *commitLog) add(cm Commit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commits = append(c.commits, cm)
}

func (c *commitLog) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.commits)
}

func (c *commitLog) last(t *testing.T) Commit {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.commits, "no commits recorded")
	return c.commits[len(c.commits)-1]
}

func newTestManager(t *testing.T, opts ManagerOptions) (*Manager, *Metrics) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	m := NewManager(opts)
	t.Cleanup(func() { _ = m.Close() })
	return m, opts.Metrics
}

// newTestSession creates a session over main and the given extra scripts,
// recording its commits. It is not started.
func newTestSession(t *testing.T, m *Manager, layers []layer.Layer, scripts map[string]string) (*Session, *commitLog) {
	t.Helper()
	commits := new(commitLog)
	s, err := m.NewSession(context.Background(), SessionConfig{
		Layers:   layers,
		Scripts:  scripts,
		OnCommit: commits.add,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, commits
}

// startScript runs main over layers in a fresh session, failing the test if it
// does not start.
func startScript(t *testing.T, layers []layer.Layer, main string) (*Session, *commitLog) {
	t.Helper()
	m, _ := newTestManager(t, ManagerOptions{})
	s, commits := newTestSession(t, m, layers, map[string]string{"main": main})
	require.NoError(t, s.Start(context.Background()))
	return s, commits
}

func sessionLayers(t *testing.T, s *Session) []layer.Layer {
	t.Helper()
	layers, err := s.Layers(context.Background())
	require.NoError(t, err)
	return layers
}

func labels(layers []layer.Layer) []string {
	out := make([]string, len(layers))
	for i, l := range layers {
		out[i] = l.Label
	}
	return out
}

func elementNames(layers []layer.Layer) []string {
	out := make([]string, len(layers))
	for i, l := range layers {
		out[i] = l.ElementName
	}
	return out
}

func sceneLayers() []layer.Layer {
	return []layer.Layer{
		{ID: 1, ElementName: "webcam", Label: "Camera", Config: map[string]any{"zoom": 1}},
		{ID: 2, ElementName: "chat", Label: "Chat"},
		{ID: 3, ElementName: "text", Label: "Title", Style: map[string]any{"x": 10}},
	}
}
