package watch

import (
	"context"
	"log/slog"
	"maps"
	"reflect"

	"github.com/joeycumines/openoverlay/internal/overlay"
)

// Target is the host side of a reload.
type Target interface {
	SetScripts(scripts map[string]string)
	SetSettings(settings map[string]any)
}

// Reloader re-reads an overlay document after each change and hands the new
// scripts and settings to a Target. Layers are left alone: the host keeps the
// base layers it was started with.
type Reloader struct {
	Load   func() (*overlay.Document, error)
	Target Target
	Logger *slog.Logger

	scripts  map[string]string
	settings map[string]any
}

// NewReloader returns a Reloader primed with the document currently running,
// so that unchanged content does not restart the host.
func NewReloader(current *overlay.Document, load func() (*overlay.Document, error), target Target, logger *slog.Logger) *Reloader {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reloader{Load: load, Target: target, Logger: logger}
	if current != nil {
		r.scripts = maps.Clone(current.Scripts)
		r.settings = current.Settings
	}
	return r
}

// Reload loads the document once and applies what changed. It reports
// whether the target was updated.
func (r *Reloader) Reload() (bool, error) {
	doc, err := r.Load()
	if err != nil {
		return false, err
	}
	var changed bool
	if !maps.Equal(doc.Scripts, r.scripts) {
		r.scripts = maps.Clone(doc.Scripts)
		r.Target.SetScripts(doc.Scripts)
		changed = true
	}
	if !reflect.DeepEqual(doc.Settings, r.settings) {
		r.settings = doc.Settings
		r.Target.SetSettings(doc.Settings)
		changed = true
	}
	return changed, nil
}

// Run applies a reload for every batch received from changes, until the
// channel closes or ctx is done. Load errors are logged and the previous
// scripts keep running.
func (r *Reloader) Run(ctx context.Context, changes <-chan []string) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-changes:
			if !ok {
				return
			}
			changed, err := r.Reload()
			if err != nil {
				r.Logger.Error("reload failed, keeping the running scripts", "paths", batch, "error", err)
				continue
			}
			if changed {
				r.Logger.Info("reloaded scripts", "paths", batch)
			} else {
				r.Logger.Debug("change left scripts and settings as they were", "paths", batch)
			}
		}
	}
}
