package command

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDocument = `layers:
  - elementName: webcam
    label: Camera
    config:
      zoom: 1
  - elementName: text
    label: Title
scripts:
  main: |
    on("zoom", (args) => { layer("Camera").config({ zoom: args.level }); });
    addLayer("alert");
    console.log("started");
settings:
  theme: dark
`

// execute runs the root command with args and an isolated config file.
func execute(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	if configPath == "" {
		configPath = filepath.Join(t.TempDir(), "config")
	}
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", configPath, "--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// decodeOutput decodes printed JSON into generic values.
func decodeOutput(t *testing.T, out string) map[string]any {
	t.Helper()
	var v map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &v), out)
	return v
}

func outputLayers(t *testing.T, v map[string]any) []map[string]any {
	t.Helper()
	raw, ok := v["layers"].([]any)
	require.True(t, ok, "layers: %#v", v["layers"])
	out := make([]map[string]any, len(raw))
	for i, l := range raw {
		out[i] = l.(map[string]any)
	}
	return out
}

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"run", "check", "legacy", "serve", "config", "version"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-format"))
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "overlay "+Version+"\n", out)
}

func TestRootCommand_InvalidLogLevel(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "config"), "--log-level", "loud", "version"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestRootCommand_InvalidConfigValue(t *testing.T) {
	cfg := writeFile(t, filepath.Join(t.TempDir(), "config"), "script.load-timeout soon\n")
	_, err := execute(t, cfg, "version")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestRootCommand_LogFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "logs", "overlay.log")
	cfg := writeFile(t, filepath.Join(dir, "config"), "log-file "+logPath+"\nlog-format json\n")

	cmd := NewRootCommand()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"--config", cfg, "--log-level", "debug", "config", "set", "--section", "serve", "addr", ":9000"})
	require.NoError(t, cmd.Execute())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"stored option"`)
}

func TestParseEvent(t *testing.T) {
	cases := []struct {
		in      string
		want    event
		wantErr bool
	}{
		{in: "tick", want: event{Name: "tick"}},
		{in: " tick ", want: event{Name: "tick"}},
		{in: `zoom={"level":2}`, want: event{Name: "zoom", Args: []any{map[string]any{"level": float64(2)}}}},
		{in: "say=\"hi\"", want: event{Name: "say", Args: []any{"hi"}}},
		{in: "n=null", want: event{Name: "n", Args: []any{nil}}},
		{in: "=1", wantErr: true},
		{in: "", wantErr: true},
		{in: "bad={", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := parseEvent(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, isTerminal(new(bytes.Buffer)))
	f, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer f.Close()
	assert.False(t, isTerminal(f))
}

func TestConfigCommand_Help(t *testing.T) {
	out, err := execute(t, "", "config")
	require.NoError(t, err)
	assert.Contains(t, out, "Global Options:")
	assert.Contains(t, out, "[serve] Options:")
	assert.Contains(t, out, "log-file")
}

func TestConfigCommand_PathSetShow(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "nested", "config")

	out, err := execute(t, cfg, "config", "path")
	require.NoError(t, err)
	assert.Equal(t, cfg+"\n", out)

	_, err = execute(t, cfg, "config", "set", "script.entry", "index")
	require.NoError(t, err)
	_, err = execute(t, cfg, "config", "set", "--section", "serve", "watch-debounce", "1s")
	require.NoError(t, err)

	data, err := os.ReadFile(cfg)
	require.NoError(t, err)
	assert.Equal(t, "script.entry index\n\n[serve]\nwatch-debounce 1s\n", string(data))

	out, err = execute(t, cfg, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "script.entry = index\n")
	assert.Contains(t, out, "\n[serve]\n")
	assert.Contains(t, out, "watch-debounce = 1s\n")
	assert.Contains(t, out, "log-buffer-size = 1000\n")
}

func TestConfigCommand_SetRejectsInvalid(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "config")
	for _, args := range [][]string{
		{"config", "set", "nope", "1"},
		{"config", "set", "log-buffer-size", "lots"},
		{"config", "set", "--section", "serve", "watch", "maybe"},
	} {
		_, err := execute(t, cfg, args...)
		assert.Error(t, err, strings.Join(args, " "))
	}
	_, err := os.Stat(cfg)
	assert.True(t, os.IsNotExist(err), "config should not have been written")
}

func TestConfigCommand_Validate(t *testing.T) {
	dir := t.TempDir()

	good := writeFile(t, filepath.Join(dir, "good"), "log-level warn\n[serve]\nwatch yes\n")
	out, err := execute(t, good, "config", "validate")
	require.NoError(t, err)
	assert.Equal(t, good+": ok\n", out)

	bad := writeFile(t, filepath.Join(dir, "bad"), "bogus 1\n[serve]\nmystery x\n")
	out, err = execute(t, bad, "config", "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 issue(s)")
	assert.Contains(t, out, `unknown global option: "bogus"`)
	assert.Contains(t, out, `unknown option for section "serve": "mystery"`)
}
