package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/joeycumines/openoverlay/internal/layer"
	"github.com/joeycumines/openoverlay/internal/overlay"
	"github.com/joeycumines/openoverlay/internal/scripting"
	"github.com/spf13/cobra"
)

type runOptions struct {
	root     *RootOptions
	duration time.Duration
	emits    []string
	where    string
}

// NewRunCommand creates the run command.
func NewRunCommand(root *RootOptions) *cobra.Command {
	o := &runOptions{root: root}
	cmd := &cobra.Command{
		Use:   "run <document>",
		Short: "Run a document's scripts and print the resulting layers",
		Long: `Run loads an overlay document or project directory, starts its entry script,
emits any requested events, and prints the committed layers as JSON.`,
		Example: `  overlay run scene.yaml --emit 'follow={"user":"sam"}' --for 2s
  overlay run ./project --where 'elementName == "chat"'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd.Context(), args[0], cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&o.duration, "for", 0, "keep the session running this long before printing, so timers can fire")
	cmd.Flags().StringArrayVar(&o.emits, "emit", nil, "emit an event once started: name or name=json (repeatable)")
	cmd.Flags().StringVar(&o.where, "where", "", "expression selecting the layers to print, e.g. 'config.zoom > 1'")
	return cmd
}

func (o *runOptions) run(ctx context.Context, path string, out io.Writer) error {
	logger := o.root.Logger
	selector, err := overlay.CompileSelector(o.where)
	if err != nil {
		return err
	}
	events, err := parseEvents(o.emits)
	if err != nil {
		return err
	}
	doc, err := overlay.Load(path)
	if err != nil {
		return err
	}

	m := scripting.NewManager(o.root.managerOptions(nil))
	defer m.Close()

	var commits atomic.Int64
	host := scripting.NewHost(ctx, m, scripting.HostConfig{
		Layers:    doc.Layers,
		Scripts:   doc.Scripts,
		Settings:  doc.Settings,
		OnUpdated: func(scripting.Commit) { commits.Add(1) },
	})
	defer host.Close()

	host.SetExecuting(true)
	state, startErr := host.Wait(ctx)
	if startErr == nil && state != scripting.Running {
		startErr = fmt.Errorf("%s: no %q script to run", path, o.root.Settings.Entry)
	}

	if startErr == nil {
		sess := host.Session()
		for _, ev := range events {
			n, err := sess.Emit(ctx, ev.Name, ev.Args...)
			if err != nil {
				startErr = fmt.Errorf("emit %s: %w", ev.Name, err)
				break
			}
			logger.Debug("emitted event", "event", ev.Name, "handlers", n)
		}
	}
	if startErr == nil && o.duration > 0 {
		select {
		case <-time.After(o.duration):
		case <-ctx.Done():
			if !errors.Is(ctx.Err(), context.Canceled) {
				startErr = ctx.Err()
			}
		}
	}

	result := overlay.Result{Commits: commits.Load()}
	if sess := host.Session(); sess != nil {
		if c, ok := sess.LastCommit(); ok {
			result.Handlers = c.Handlers
		}
	}
	result.Layers, err = selector.Select(host.Layers())
	if err != nil {
		return err
	}
	if result.Layers == nil {
		result.Layers = []layer.Layer{}
	}
	if startErr != nil {
		result.Error = startErr.Error()
	}
	if err := overlay.WriteJSON(out, result, isTerminal(out)); err != nil {
		return err
	}
	return startErr
}
