// Package overlay loads overlay documents: the layers, scripts and settings a
// scripting host runs with.
package overlay

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joeycumines/openoverlay/internal/layer"
	"gopkg.in/yaml.v3"
)

// DocumentNames are the file names looked up, in order, when a directory is
// loaded.
var DocumentNames = []string{"overlay.yaml", "overlay.yml", "overlay.json"}

// ScriptsDir is the directory, relative to a project directory, holding one
// script per .js file.
const ScriptsDir = "scripts"

// ErrNoDocument is returned when a directory has no overlay document and no
// scripts.
var ErrNoDocument = errors.New("no overlay document found")

// Document is a parsed overlay.
type Document struct {
	Layers   []layer.Layer
	Scripts  map[string]string
	Settings map[string]any
	// Path is where the document was loaded from, if anywhere.
	Path string
}

type rawDocument struct {
	Layers   []map[string]any  `yaml:"layers"`
	Scripts  map[string]string `yaml:"scripts"`
	Settings map[string]any    `yaml:"settings"`
}

// Decode parses a YAML or JSON document. Layers without an id are given one
// after the largest id present.
func Decode(r io.Reader) (*Document, error) {
	var raw rawDocument
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing overlay document: %w", err)
	}

	doc := &Document{
		Layers:   make([]layer.Layer, 0, len(raw.Layers)),
		Scripts:  raw.Scripts,
		Settings: raw.Settings,
	}
	if doc.Scripts == nil {
		doc.Scripts = make(map[string]string)
	}
	for i, m := range raw.Layers {
		l, err := layer.FromMap(m)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		doc.Layers = append(doc.Layers, l)
	}
	assignIDs(doc.Layers)
	if err := layer.Validate(doc.Layers); err != nil {
		return nil, err
	}
	return doc, nil
}

func assignIDs(layers []layer.Layer) {
	next := layer.MaxID(layers)
	for i := range layers {
		if layers[i].ID == 0 {
			next++
			layers[i].ID = next
		}
	}
}

// Load reads a document file, or a project directory: an optional
// overlay.yaml|yml|json plus scripts/*.js, where each file name without its
// extension is the script name.
func Load(path string) (*Document, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return loadFile(path)
	}
	return loadDir(path)
}

func loadFile(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := Decode(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	doc.Path = path
	return doc, nil
}

func loadDir(dir string) (*Document, error) {
	var doc *Document
	for _, name := range DocumentNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		d, err := loadFile(p)
		if err != nil {
			return nil, err
		}
		doc = d
		break
	}

	scripts, err := LoadScripts(filepath.Join(dir, ScriptsDir))
	if err != nil {
		return nil, err
	}
	if doc == nil {
		if len(scripts) == 0 {
			return nil, fmt.Errorf("%s: %w", dir, ErrNoDocument)
		}
		doc = &Document{Layers: []layer.Layer{}, Scripts: make(map[string]string)}
	}
	for name, src := range scripts {
		if _, ok := doc.Scripts[name]; ok {
			return nil, fmt.Errorf("%s: script %q is defined in both the document and %s", dir, name, ScriptsDir)
		}
		doc.Scripts[name] = src
	}
	doc.Path = dir
	return doc, nil
}

// LoadScripts reads every .js file in dir. A missing dir yields no scripts.
func LoadScripts(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	scripts := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".js" {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		scripts[strings.TrimSuffix(e.Name(), ".js")] = string(b)
	}
	return scripts, nil
}

// ScriptNames returns the script names in sorted order.
func (d *Document) ScriptNames() []string {
	names := make([]string, 0, len(d.Scripts))
	for name := range d.Scripts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WatchPaths returns the files and directories whose changes should reload
// the document's scripts.
func (d *Document) WatchPaths() []string {
	if d.Path == "" {
		return nil
	}
	fi, err := os.Stat(d.Path)
	if err != nil || !fi.IsDir() {
		return []string{d.Path}
	}
	paths := []string{d.Path}
	if fi, err := os.Stat(filepath.Join(d.Path, ScriptsDir)); err == nil && fi.IsDir() {
		paths = append(paths, filepath.Join(d.Path, ScriptsDir))
	}
	return paths
}
