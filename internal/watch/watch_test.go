package watch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/openoverlay/internal/overlay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func receive(t *testing.T, ch <-chan []string) []string {
	t.Helper()
	select {
	case batch, ok := <-ch:
		require.True(t, ok, "channel closed")
		return batch
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
		return nil
	}
}

func TestWatch_DebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	main := filepath.Join(dir, "main.js")
	util := filepath.Join(dir, "util.js")
	require.NoError(t, os.WriteFile(main, []byte("1"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := Watch(ctx, []string{dir}, Options{
		Debounce: 100 * time.Millisecond,
		Logger:   discardLogger(),
		Match:    func(p string) bool { return strings.HasSuffix(p, ".js") },
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(main, []byte("2"), 0644))
	require.NoError(t, os.WriteFile(util, []byte("3"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	abs, err := filepath.Abs(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(abs, "main.js"), filepath.Join(abs, "util.js")}, receive(t, ch))

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestWatch_SingleFile(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "overlay.yaml")
	require.NoError(t, os.WriteFile(doc, []byte("layers: []"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := Watch(ctx, []string{doc}, Options{Debounce: 50 * time.Millisecond, Logger: discardLogger()})
	require.NoError(t, err)

	// siblings are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(doc, []byte("layers: [{}]"), 0644))

	abs, err := filepath.Abs(doc)
	require.NoError(t, err)
	assert.Equal(t, []string{abs}, receive(t, ch))
}

func TestWatch_MissingPath(t *testing.T) {
	_, err := Watch(context.Background(), []string{filepath.Join(t.TempDir(), "nope")}, Options{})
	assert.Error(t, err)
}

type fakeTarget struct {
	mu       sync.Mutex
	scripts  []map[string]string
	settings []map[string]any
}

func (f *fakeTarget) SetScripts(s map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, s)
}

func (f *fakeTarget) SetSettings(s map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = append(f.settings, s)
}

func (f *fakeTarget) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.scripts), len(f.settings)
}

func TestReloader(t *testing.T) {
	current := &overlay.Document{
		Scripts:  map[string]string{"main": "a"},
		Settings: map[string]any{"theme": "dark"},
	}
	next := current
	var loadErr error
	target := new(fakeTarget)
	r := NewReloader(current, func() (*overlay.Document, error) { return next, loadErr }, target, discardLogger())

	changed, err := r.Reload()
	require.NoError(t, err)
	assert.False(t, changed)

	next = &overlay.Document{
		Scripts:  map[string]string{"main": "b"},
		Settings: map[string]any{"theme": "dark"},
	}
	changed, err = r.Reload()
	require.NoError(t, err)
	assert.True(t, changed)
	s, st := target.counts()
	assert.Equal(t, 1, s)
	assert.Equal(t, 0, st)

	next = &overlay.Document{
		Scripts:  map[string]string{"main": "b"},
		Settings: map[string]any{"theme": "light"},
	}
	changed, err = r.Reload()
	require.NoError(t, err)
	assert.True(t, changed)
	s, st = target.counts()
	assert.Equal(t, 1, s)
	assert.Equal(t, 1, st)

	loadErr = errors.New("broken yaml")
	_, err = r.Reload()
	assert.EqualError(t, err, "broken yaml")
}

func TestReloader_Run(t *testing.T) {
	dir := t.TempDir()
	scripts := filepath.Join(dir, overlay.ScriptsDir)
	require.NoError(t, os.MkdirAll(scripts, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(scripts, "main.js"), []byte("addLayer('a');"), 0644))

	doc, err := overlay.Load(dir)
	require.NoError(t, err)

	target := new(fakeTarget)
	r := NewReloader(doc, func() (*overlay.Document, error) { return overlay.Load(dir) }, target, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := Watch(ctx, doc.WatchPaths(), Options{Debounce: 50 * time.Millisecond, Logger: discardLogger()})
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx, ch)
	}()

	require.NoError(t, os.WriteFile(filepath.Join(scripts, "main.js"), []byte("addLayer('b');"), 0644))
	require.Eventually(t, func() bool {
		n, _ := target.counts()
		return n == 1
	}, 5*time.Second, 10*time.Millisecond)

	target.mu.Lock()
	assert.Equal(t, "addLayer('b');", target.scripts[0]["main"])
	target.mu.Unlock()

	cancel()
	<-done
}
