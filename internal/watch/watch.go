// Package watch turns file system notifications into debounced reloads of a
// running host's scripts.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period used when Options.Debounce is zero.
const DefaultDebounce = 200 * time.Millisecond

// Options configures Watch.
type Options struct {
	Debounce time.Duration
	Logger   *slog.Logger
	// Match filters changed paths. Nil accepts everything.
	Match func(path string) bool
}

// Watch reports changes under paths. Each value is the sorted set of paths
// changed during one burst, sent once no further change has arrived for the
// debounce period. Directories are watched non-recursively. For a file, its
// directory is watched, so that editors replacing the file are seen. The
// channel is closed when ctx is done.
func Watch(ctx context.Context, paths []string, opts Options) (<-chan []string, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	var (
		dirs  = make(map[string]bool)
		whole = make(map[string]bool)
		only  = make(map[string]bool)
	)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			_ = fw.Close()
			return nil, err
		}
		fi, err := os.Stat(abs)
		if err != nil {
			_ = fw.Close()
			return nil, err
		}
		dir := abs
		if fi.IsDir() {
			whole[abs] = true
		} else {
			dir = filepath.Dir(abs)
			only[abs] = true
		}
		if dirs[dir] {
			continue
		}
		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
		dirs[dir] = true
	}

	relevant := func(name string) bool {
		if !whole[filepath.Dir(name)] && !only[name] {
			return false
		}
		return opts.Match == nil || opts.Match(name)
	}

	out := make(chan []string)
	go func() {
		defer close(out)
		defer fw.Close()

		pending := make(map[string]struct{})
		timer := time.NewTimer(opts.Debounce)
		timer.Stop()
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
					continue
				}
				if !relevant(ev.Name) {
					continue
				}
				opts.Logger.Debug("file changed", "path", ev.Name, "op", ev.Op.String())
				pending[ev.Name] = struct{}{}
				timer.Reset(opts.Debounce)
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				opts.Logger.Warn("watcher error", "error", err)
			case <-timer.C:
				if len(pending) == 0 {
					continue
				}
				batch := make([]string, 0, len(pending))
				for p := range pending {
					batch = append(batch, p)
				}
				slices.Sort(batch)
				clear(pending)
				select {
				case out <- batch:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
