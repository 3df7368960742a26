package overlay

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sceneYAML = `
layers:
  - id: 4
    elementName: webcam
    label: Camera
    config: {zoom: 2}
    visible: true
  - elementName: chat
  - elementName: text
    style: {x: 10}
scripts:
  main: |
    layer("Camera").remove();
settings:
  theme: dark
`

func TestDecode(t *testing.T) {
	doc, err := Decode(strings.NewReader(sceneYAML))
	require.NoError(t, err)

	require.Len(t, doc.Layers, 3)
	assert.EqualValues(t, 4, doc.Layers[0].ID)
	assert.EqualValues(t, 5, doc.Layers[1].ID)
	assert.EqualValues(t, 6, doc.Layers[2].ID)
	assert.Equal(t, "Camera", doc.Layers[0].Label)
	assert.EqualValues(t, 2, doc.Layers[0].Config["zoom"])
	assert.Equal(t, map[string]any{"visible": true}, doc.Layers[0].Extra)
	assert.EqualValues(t, 10, doc.Layers[2].Style["x"])
	assert.Equal(t, "layer(\"Camera\").remove();\n", doc.Scripts["main"])
	assert.Equal(t, map[string]any{"theme": "dark"}, doc.Settings)
	assert.Equal(t, []string{"main"}, doc.ScriptNames())
}

func TestDecode_JSON(t *testing.T) {
	doc, err := Decode(strings.NewReader(`{"layers": [{"id": 1, "elementName": "a"}], "scripts": {"main": "addLayer('b');"}}`))
	require.NoError(t, err)
	require.Len(t, doc.Layers, 1)
	assert.Equal(t, "a", doc.Layers[0].ElementName)
	assert.Nil(t, doc.Settings)
}

func TestDecode_Empty(t *testing.T) {
	doc, err := Decode(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, doc.Layers)
	assert.NotNil(t, doc.Scripts)
}

func TestDecode_Errors(t *testing.T) {
	for name, src := range map[string]string{
		"duplicate ids": "layers:\n  - {id: 1}\n  - {id: 1}\n",
		"negative id":   "layers:\n  - {id: -3}\n",
		"unknown key":   "layerz: []\n",
		"bad yaml":      "layers: [\n",
		"bad layer":     "layers:\n  - {config: 12}\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(src))
			assert.Error(t, err)
		})
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scene.yaml")
	writeFile(t, path, sceneYAML)

	doc, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, doc.Path)
	assert.Len(t, doc.Layers, 3)
	assert.Equal(t, []string{path}, doc.WatchPaths())
}

func TestLoad_Directory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "overlay.yml"), "layers:\n  - {elementName: chat}\nsettings: {a: 1}\n")
	writeFile(t, filepath.Join(dir, ScriptsDir, "main.js"), `import { x } from './util';`)
	writeFile(t, filepath.Join(dir, ScriptsDir, "util.js"), `export const x = 1;`)
	writeFile(t, filepath.Join(dir, ScriptsDir, "notes.txt"), `ignored`)

	doc, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, doc.Path)
	assert.Equal(t, []string{"main", "util"}, doc.ScriptNames())
	assert.Len(t, doc.Layers, 1)
	assert.EqualValues(t, 1, doc.Settings["a"])
	assert.Equal(t, []string{dir, filepath.Join(dir, ScriptsDir)}, doc.WatchPaths())
}

func TestLoad_DirectoryScriptsOnly(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ScriptsDir, "main.js"), `addLayer("x");`)

	doc, err := Load(dir)
	require.NoError(t, err)
	assert.Empty(t, doc.Layers)
	assert.Equal(t, []string{"main"}, doc.ScriptNames())
}

func TestLoad_DirectoryErrors(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.ErrorIs(t, err, ErrNoDocument)

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "overlay.json"), `{"scripts": {"main": "1"}}`)
	writeFile(t, filepath.Join(dir, ScriptsDir, "main.js"), `2`)
	_, err = Load(dir)
	assert.ErrorContains(t, err, `script "main" is defined in both`)

	_, err = Load(filepath.Join(dir, "missing"))
	assert.True(t, os.IsNotExist(err))
}

func TestWriteJSON(t *testing.T) {
	doc, err := Decode(strings.NewReader("layers:\n  - {id: 1, elementName: a}\n"))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, Result{Layers: doc.Layers, Commits: 2}, false))
	assert.Equal(t, `{"layers":[{"elementName":"a","id":1}],"commits":2}`+"\n", buf.String())

	buf.Reset()
	require.NoError(t, WriteJSON(&buf, Result{Layers: doc.Layers, Error: "x"}, true))
	assert.Contains(t, buf.String(), "\n  \"layers\": [\n")
	assert.Contains(t, buf.String(), `"error": "x"`)
}
