package command

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"

	"github.com/joeycumines/openoverlay/internal/overlay"
	"github.com/joeycumines/openoverlay/internal/scripting"
	"github.com/joeycumines/openoverlay/internal/server"
	"github.com/joeycumines/openoverlay/internal/storage"
	"github.com/joeycumines/openoverlay/internal/watch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	root      *RootOptions
	addr      string
	watch     bool
	stateFile string
	// ready receives the bound address once listening.
	ready func(net.Addr)
}

// NewServeCommand creates the serve command.
func NewServeCommand(root *RootOptions) *cobra.Command {
	o := &serveOptions{root: root}
	cmd := &cobra.Command{
		Use:   "serve <document>",
		Short: "Run a document and serve its layers over HTTP and websocket",
		Long: `Serve keeps a document's entry script running, exposing the committed layers,
host state, event emission, console logs and prometheus metrics over HTTP.
Commits are streamed to websocket clients at /ws.

With --watch, the document and its scripts directory are watched and the
host restarts whenever a script or the settings change.

With --state, committed layers are saved to a file and restored on the next
start, in place of the document's layers.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("watch") {
				o.watch = root.Settings.Serve.Watch
			}
			if o.stateFile == "" {
				o.stateFile = root.Settings.Serve.StateFile
			}
			return o.run(cmd.Context(), args[0])
		},
	}
	cmd.Flags().StringVar(&o.addr, "addr", "", "listen address (default from the serve.addr option)")
	cmd.Flags().BoolVarP(&o.watch, "watch", "w", false, "reload scripts when the document changes")
	cmd.Flags().StringVar(&o.stateFile, "state", "", "file to persist committed layers in (default from the serve.state-file option)")
	return cmd
}

func (o *serveOptions) run(ctx context.Context, path string) error {
	logger := o.root.Logger
	doc, err := overlay.Load(path)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := scripting.NewManager(o.root.managerOptions(scripting.NewMetrics(reg)))
	defer m.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	layers := doc.Layers
	var saver *storage.Saver
	if o.stateFile != "" {
		store, err := storage.Open(o.stateFile)
		if err != nil {
			return fmt.Errorf("open state %s: %w", o.stateFile, err)
		}
		defer store.Close()
		snap, err := store.Load()
		if err != nil {
			return err
		}
		if snap != nil {
			layers = snap.Layers
			logger.Info("restored layers", "path", o.stateFile, "layers", len(layers), "saved", snap.SavedAt)
		}
		saver = &storage.Saver{Store: store, Interval: o.root.Settings.Serve.StateInterval, Logger: logger}
		saverDone := make(chan struct{})
		go func() {
			defer close(saverDone)
			saver.Run(ctx)
		}()
		// deferred after store.Close, so it runs first
		defer func() {
			cancel()
			<-saverDone
		}()
	}

	var srv *server.Server
	host := scripting.NewHost(ctx, m, scripting.HostConfig{
		Layers:   layers,
		Scripts:  doc.Scripts,
		Settings: doc.Settings,
		OnUpdated: func(c scripting.Commit) {
			srv.Publish(c)
			if saver != nil {
				saver.Offer(storage.Snapshot{SessionID: c.SessionID, Seq: c.Seq, Layers: c.Layers})
			}
		},
	})
	defer host.Close()
	srv = server.New(server.Options{
		Host:     host,
		Logger:   logger,
		Registry: reg,
	})

	if o.watch {
		changes, err := watch.Watch(ctx, doc.WatchPaths(), watch.Options{
			Debounce: o.root.Settings.Serve.WatchDebounce,
			Logger:   logger,
			Match:    documentFile,
		})
		if err != nil {
			return err
		}
		load := func() (*overlay.Document, error) { return overlay.Load(path) }
		go watch.NewReloader(doc, load, host, logger).Run(ctx, changes)
	}

	host.SetExecuting(true)

	addr := o.addr
	if addr == "" {
		addr = o.root.Settings.Serve.Addr
	}
	return srv.Serve(ctx, addr, o.ready)
}

// documentFile reports whether a changed path can affect a document.
func documentFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return false
	}
	switch filepath.Ext(base) {
	case ".js", ".yaml", ".yml", ".json":
		return true
	}
	return false
}
