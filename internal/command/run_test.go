package command

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func labelsOf(layers []map[string]any) []any {
	out := make([]any, len(layers))
	for i, l := range layers {
		out[i] = l["elementName"]
	}
	return out
}

func TestRunCommand(t *testing.T) {
	doc := writeFile(t, filepath.Join(t.TempDir(), "scene.yaml"), testDocument)

	out, err := execute(t, "", "run", doc, "--emit", `zoom={"level":3}`)
	require.NoError(t, err)

	v := decodeOutput(t, out)
	layers := outputLayers(t, v)
	assert.Equal(t, []any{"webcam", "text", "alert"}, labelsOf(layers))
	assert.Equal(t, map[string]any{"zoom": float64(3)}, layers[0]["config"])
	assert.EqualValues(t, 3, layers[2]["id"])
	assert.Equal(t, map[string]any{"zoom": float64(1)}, v["handlers"])
	assert.GreaterOrEqual(t, v["commits"], float64(2))
	assert.NotContains(t, v, "error")
}

func TestRunCommand_Where(t *testing.T) {
	doc := writeFile(t, filepath.Join(t.TempDir(), "scene.yaml"), testDocument)

	out, err := execute(t, "", "run", doc, "--where", `elementName != "text" && id > 1`)
	require.NoError(t, err)
	assert.Equal(t, []any{"alert"}, labelsOf(outputLayers(t, decodeOutput(t, out))))

	_, err = execute(t, "", "run", doc, "--where", `elementName +`)
	assert.Error(t, err)
}

func TestRunCommand_Timers(t *testing.T) {
	doc := writeFile(t, filepath.Join(t.TempDir(), "scene.yaml"), `scripts:
  main: |
    setTimeout(() => addLayer("late"), 10);
`)
	out, err := execute(t, "", "run", doc, "--for", "200ms")
	require.NoError(t, err)
	assert.Equal(t, []any{"late"}, labelsOf(outputLayers(t, decodeOutput(t, out))))
}

func TestRunCommand_ProjectDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "overlay.yaml"), "layers:\n  - elementName: base\n")
	writeFile(t, filepath.Join(dir, "scripts", "main.js"), "import { add } from './lib';\nadd(\"extra\");\n")
	writeFile(t, filepath.Join(dir, "scripts", "lib.js"), "export function add(name) { addLayer(name); }\n")

	out, err := execute(t, "", "run", dir)
	require.NoError(t, err)
	assert.Equal(t, []any{"base", "extra"}, labelsOf(outputLayers(t, decodeOutput(t, out))))
}

func TestRunCommand_ScriptFailure(t *testing.T) {
	doc := writeFile(t, filepath.Join(t.TempDir(), "scene.yaml"), `layers:
  - elementName: base
scripts:
  main: |
    addLayer("partial");
    throw new Error("boom");
`)
	out, err := execute(t, "", "run", doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	v := decodeOutput(t, out)
	assert.Contains(t, v["error"], "boom")
	// a failed session's commits are discarded with it
	assert.Equal(t, []any{"base"}, labelsOf(outputLayers(t, v)))
}

func TestRunCommand_MissingEntry(t *testing.T) {
	doc := writeFile(t, filepath.Join(t.TempDir(), "scene.yaml"), "scripts:\n  helper: addLayer(\"x\");\n")
	out, err := execute(t, "", "run", doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no "main" script`)
	assert.Empty(t, outputLayers(t, decodeOutput(t, out)))
}

func TestRunCommand_Errors(t *testing.T) {
	dir := t.TempDir()
	doc := writeFile(t, filepath.Join(dir, "scene.yaml"), testDocument)

	_, err := execute(t, "", "run", filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	_, err = execute(t, "", "run", doc, "--emit", "=1")
	assert.Error(t, err)

	_, err = execute(t, "", "run")
	assert.Error(t, err)
}

func TestCheckCommand(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, filepath.Join(dir, "good.yaml"), `scripts:
  main: |
    import { helper } from './lib';
    helper();
  lib: |
    export function helper() {}
`)
	out, err := execute(t, "", "check", good)
	require.NoError(t, err)
	assert.Equal(t, "ok   lib\nok   main\n", out)

	bad := writeFile(t, filepath.Join(dir, "bad.yaml"), `scripts:
  lib: |
    const = ;
  other: |
    addLayer("x");
`)
	out, err = execute(t, "", "check", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 problem(s)")
	assert.Contains(t, out, "FAIL lib:")
	assert.Contains(t, out, "ok   other\n")
	assert.Contains(t, out, `FAIL no entry script "main"`)
}
