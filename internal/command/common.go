package command

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joeycumines/openoverlay/internal/scripting"
	"golang.org/x/term"
)

func (o *RootOptions) managerOptions(metrics *scripting.Metrics) scripting.ManagerOptions {
	return scripting.ManagerOptions{
		Logger:        o.Logger,
		Metrics:       metrics,
		EntryScript:   o.Settings.Entry,
		LoadTimeout:   o.Settings.LoadTimeout,
		SyncTimeout:   o.Settings.SyncTimeout,
		LogBufferSize: o.Settings.LogBufferSize,
	}
}

// event is a parsed --emit value.
type event struct {
	Name string
	Args []any
}

// parseEvent parses "name" or "name=json".
func parseEvent(s string) (event, error) {
	name, raw, hasArgs := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if name == "" {
		return event{}, fmt.Errorf("invalid event %q: missing name", s)
	}
	ev := event{Name: name}
	if hasArgs {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return event{}, fmt.Errorf("invalid event %q: %w", s, err)
		}
		ev.Args = []any{v}
	}
	return ev, nil
}

func parseEvents(values []string) ([]event, error) {
	events := make([]event, 0, len(values))
	for _, v := range values {
		ev, err := parseEvent(v)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
