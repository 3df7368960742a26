package command

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/joeycumines/openoverlay/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRootOptions() *RootOptions {
	return &RootOptions{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Settings: config.Settings{
			Entry:         "main",
			LoadTimeout:   5 * time.Second,
			SyncTimeout:   5 * time.Second,
			LogBufferSize: 100,
			Serve:         config.ServeSettings{WatchDebounce: 20 * time.Millisecond},
		},
	}
}

// startServe runs the serve command in the background and returns its base
// URL. The server is stopped when the test ends.
func startServe(t *testing.T, o *serveOptions, path string) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	addrs := make(chan net.Addr, 1)
	o.addr = "127.0.0.1:0"
	o.ready = func(a net.Addr) { addrs <- a }

	errCh := make(chan error, 1)
	go func() { errCh <- o.run(ctx, path) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("serve did not stop")
		}
	})

	select {
	case a := <-addrs:
		return "http://" + a.String()
	case err := <-errCh:
		t.Fatalf("serve failed: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not start")
	}
	return ""
}

func getLayerNames(t *testing.T, base string) []string {
	t.Helper()
	resp, err := http.Get(base + "/api/layers")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var layers []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&layers))
	names := make([]string, len(layers))
	for i, l := range layers {
		names[i], _ = l["elementName"].(string)
	}
	return names
}

func TestServeCommand(t *testing.T) {
	doc := writeFile(t, filepath.Join(t.TempDir(), "scene.yaml"), testDocument)
	base := startServe(t, &serveOptions{root: testRootOptions()}, doc)

	require.Eventually(t, func() bool {
		return len(getLayerNames(t, base)) == 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"webcam", "text", "alert"}, getLayerNames(t, base))

	resp, err := http.Post(base+"/api/events/zoom", "application/json", strings.NewReader(`{"level":5}`))
	require.NoError(t, err)
	var ev struct {
		Event    string `json:"event"`
		Handlers int    `json:"handlers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ev))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, ev.Handlers)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "overlay_commits_total")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestServeCommand_Watch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "overlay.yaml"), "layers:\n  - elementName: base\n")
	main := writeFile(t, filepath.Join(dir, "scripts", "main.js"), `addLayer("v1");`)

	base := startServe(t, &serveOptions{root: testRootOptions(), watch: true}, dir)
	require.Eventually(t, func() bool {
		names := getLayerNames(t, base)
		return len(names) == 2 && names[1] == "v1"
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(main, []byte(`addLayer("v2");`), 0o644))
	// the restarted session starts again from the document's layers
	require.Eventually(t, func() bool {
		names := getLayerNames(t, base)
		return len(names) == 2 && names[1] == "v2"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestServeCommand_MissingDocument(t *testing.T) {
	o := &serveOptions{root: testRootOptions(), addr: "127.0.0.1:0"}
	err := o.run(context.Background(), filepath.Join(t.TempDir(), "nothing.yaml"))
	assert.Error(t, err)
}

func TestDocumentFile(t *testing.T) {
	for path, want := range map[string]bool{
		"/x/scripts/main.js": true,
		"/x/overlay.yaml":    true,
		"/x/overlay.yml":     true,
		"/x/overlay.json":    true,
		"/x/.main.js.swp":    false,
		"/x/main.js~":        false,
		"/x/.hidden.js":      false,
		"/x/notes.txt":       false,
	} {
		assert.Equal(t, want, documentFile(path), path)
	}
}

func TestServeCommand_State(t *testing.T) {
	dir := t.TempDir()
	doc := writeFile(t, filepath.Join(dir, "scene.yaml"), `layers:
  - elementName: base
scripts:
  main: |
    on("add", (args) => addLayer(args.name));
`)
	state := filepath.Join(dir, "state", "layers.json")

	ctx, cancel := context.WithCancel(context.Background())
	o := &serveOptions{root: testRootOptions(), stateFile: state}
	addrs := make(chan net.Addr, 1)
	o.addr, o.ready = "127.0.0.1:0", func(a net.Addr) { addrs <- a }
	errCh := make(chan error, 1)
	go func() { errCh <- o.run(ctx, doc) }()
	base := "http://" + (<-addrs).String()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/state")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var st struct {
			State string `json:"state"`
		}
		return json.NewDecoder(resp.Body).Decode(&st) == nil && st.State == "running"
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Post(base+"/api/events/add", "application/json", strings.NewReader(`{"name":"saved"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	require.NoError(t, <-errCh)

	// a second server starts from the saved layers, not the document's
	second := startServe(t, &serveOptions{root: testRootOptions(), stateFile: state}, doc)
	require.Eventually(t, func() bool {
		names := getLayerNames(t, second)
		return len(names) == 2 && names[1] == "saved"
	}, 5*time.Second, 10*time.Millisecond)
}
