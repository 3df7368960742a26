package scripting

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/evanw/esbuild/pkg/api"
)

// SessionModule is the native module every compiled unit destructures its
// API from. Each session registers its own.
const SessionModule = "overlay:session"

// preamble binds the sandbox API in the unit's module scope. It shares the
// first line with the unit's code, keeping line numbers stable.
const preamble = `const { console, settings, on, off, addLayer, layer, bulkUpdate, setTimeout, setInterval, clearTimeout, clearInterval } = require("` + SessionModule + `"); `

// importPlugin names the esbuild plugin that wires imports to units.
const importPlugin = "overlay-imports"

// unitNamespace keeps esbuild from rewriting unit addresses as file paths.
const unitNamespace = "overlay-unit"

// Resolver compiles scripts and their relative imports into units of a
// session's UnitTable.
type Resolver struct {
	units *UnitTable
}

// NewResolver returns a Resolver registering units in units.
func NewResolver(units *UnitTable) *Resolver {
	return &Resolver{units: units}
}

// Compile turns the named script into a unit and returns its address.
// Dependencies are compiled first unless cache already names an address for
// them; every unit compiled, including name itself, is recorded in cache.
//
// A missing script fails with *ScriptNotFoundError, an import chain that
// revisits a script still being compiled with *CircularImportError, and
// anything else that prevents compilation with *CompileError.
func (r *Resolver) Compile(sessionID int64, name string, sources map[string]string, cache map[string]string) (string, error) {
	return r.compile(sessionID, name, "", sources, cache, nil)
}

func (r *Resolver) compile(sessionID int64, name, importer string, sources map[string]string, cache map[string]string, chain []string) (string, error) {
	key, src, ok := lookupScript(sources, name)
	if !ok {
		return "", &ScriptNotFoundError{Name: name, Importer: importer}
	}
	if slices.Contains(chain, key) {
		return "", &CircularImportError{Chain: append(slices.Clone(chain), key)}
	}
	chain = append(chain, key)

	var (
		mu      sync.Mutex
		failure error
	)
	plugin := api.Plugin{
		Name: importPlugin,
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: ".*"}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
				mu.Lock()
				defer mu.Unlock()
				if failure != nil {
					return api.OnResolveResult{Path: args.Path, External: true, Namespace: unitNamespace}, nil
				}
				addr, err := r.resolveImport(sessionID, key, args, sources, cache, chain)
				if err != nil {
					failure = err
					return api.OnResolveResult{Errors: []api.Message{{Text: err.Error()}}}, nil
				}
				return api.OnResolveResult{Path: addr, External: true, Namespace: unitNamespace}, nil
			})
		},
	}

	result := api.Build(api.BuildOptions{
		Stdin: &api.StdinOptions{
			Contents:   src,
			Sourcefile: key,
			Loader:     api.LoaderJS,
		},
		Bundle:      true,
		Format:      api.FormatCommonJS,
		Target:      api.ES2017,
		TreeShaking: api.TreeShakingFalse,
		Plugins:     []api.Plugin{plugin},
		LogLevel:    api.LogLevelSilent,
	})
	if failure != nil {
		var ce *CompileError
		if errors.As(failure, &ce) && ce.Script == key && ce.Line == 0 {
			ce.Line = pluginErrorLine(result.Errors)
		}
		return "", failure
	}
	if len(result.Errors) > 0 {
		msg := result.Errors[0]
		line := 0
		if msg.Location != nil {
			line = msg.Location.Line
		}
		return "", &CompileError{Script: key, Line: line, Err: errors.New(msg.Text)}
	}
	if len(result.OutputFiles) != 1 {
		return "", &CompileError{Script: key, Err: fmt.Errorf("expected one output, got %d", len(result.OutputFiles))}
	}
	output := result.OutputFiles[0].Contents

	code := make([]byte, 0, len(preamble)+len(output)+32)
	code = append(code, preamble...)
	code = append(code, output...)
	code = append(code, "\n//# sourceURL="+key+"\n"...)

	addr := r.units.Register(sessionID, url.PathEscape(key), code)
	cache[key] = addr
	return addr, nil
}

func (r *Resolver) dependency(sessionID int64, name, importer string, sources map[string]string, cache map[string]string, chain []string) (string, error) {
	if key, _, ok := lookupScript(sources, name); ok {
		if addr, ok := cache[key]; ok {
			return addr, nil
		}
	}
	return r.compile(sessionID, name, importer, sources, cache, chain)
}

// lookupScript finds name in sources, trying it verbatim, then with the
// ".js" suffix added or removed.
func lookupScript(sources map[string]string, name string) (string, string, bool) {
	candidates := []string{name}
	if trimmed, ok := strings.CutSuffix(name, ".js"); ok {
		candidates = append(candidates, trimmed)
	} else {
		candidates = append(candidates, name+".js")
	}
	for _, key := range candidates {
		if src, ok := sources[key]; ok {
			return key, src, true
		}
	}
	return "", "", false
}

// resolveImport maps one import of script to the address of its unit,
// compiling it first if needed. Only static imports of "./name" are wired.
func (r *Resolver) resolveImport(sessionID int64, script string, args api.OnResolveArgs, sources map[string]string, cache map[string]string, chain []string) (string, error) {
	name, relative := strings.CutPrefix(args.Path, "./")
	if args.Kind != api.ResolveJSImportStatement || !relative || name == "" || strings.Contains(name, "/") {
		return "", &CompileError{
			Script: script,
			Err:    fmt.Errorf("%w %q", ErrUnsupportedImport, args.Path),
		}
	}
	return r.dependency(sessionID, name, script, sources, cache, chain)
}

// pluginErrorLine returns the line of the import that failed to resolve.
func pluginErrorLine(msgs []api.Message) int {
	for _, msg := range msgs {
		if msg.PluginName == importPlugin && msg.Location != nil {
			return msg.Location.Line
		}
	}
	return 0
}
