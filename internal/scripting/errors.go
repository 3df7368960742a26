package scripting

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSessionClosed is returned by operations on a torn down session.
	ErrSessionClosed = errors.New("scripting: session closed")

	// ErrUnsupportedImport marks an import the resolver cannot wire: anything
	// other than a single-line import of a relative './name'.
	ErrUnsupportedImport = errors.New("unsupported import")

	// ErrLoadTimeout interrupts an entry script whose top-level code runs for
	// longer than the configured load timeout.
	ErrLoadTimeout = errors.New("load timeout exceeded")
)

// ScriptNotFoundError reports a script name absent from the scripts map.
type ScriptNotFoundError struct {
	Name string
	// Importer is the script whose import referenced Name, if any.
	Importer string
}

func (e *ScriptNotFoundError) Error() string {
	if e.Importer != "" {
		return fmt.Sprintf("script %q not found (imported by %q)", e.Name, e.Importer)
	}
	return fmt.Sprintf("script %q not found", e.Name)
}

// CircularImportError reports an import chain that leads back to a script
// still being compiled. The last name in Chain is the one imported again.
type CircularImportError struct {
	Chain []string
}

func (e *CircularImportError) Error() string {
	return "circular import: " + strings.Join(e.Chain, " -> ")
}

// CompileError reports a failure to turn a script into a loadable unit.
type CompileError struct {
	Script string
	// Line is 1-based, or 0 when unknown.
	Line int
	Err  error
}

func (e *CompileError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("compile %s:%d: %v", e.Script, e.Line, e.Err)
	}
	return fmt.Sprintf("compile %s: %v", e.Script, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// LoadError reports an exception thrown while a compiled unit was loaded and
// its top-level code run.
type LoadError struct {
	Script string
	Err    error
	// Stack is the script stack trace, when the engine provided one.
	Stack string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Script, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ScriptRuntimeError reports an exception thrown by a script body run through
// the legacy context.
type ScriptRuntimeError struct {
	Err   error
	Stack string
}

func (e *ScriptRuntimeError) Error() string {
	return fmt.Sprintf("script error: %v", e.Err)
}

func (e *ScriptRuntimeError) Unwrap() error { return e.Err }

// errorKind names err for logs and metrics labels.
func errorKind(err error) string {
	var (
		notFound *ScriptNotFoundError
		circular *CircularImportError
		compile  *CompileError
		load     *LoadError
		runtime  *ScriptRuntimeError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &notFound):
		return "not_found"
	case errors.As(err, &circular):
		return "circular"
	case errors.As(err, &compile):
		return "compile"
	case errors.As(err, &load):
		return "load"
	case errors.As(err, &runtime):
		return "runtime"
	case errors.Is(err, ErrSessionClosed):
		return "closed"
	default:
		return "other"
	}
}
