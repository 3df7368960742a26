package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/joeycumines/openoverlay/internal/layer"
	"github.com/joeycumines/openoverlay/internal/overlay"
	"github.com/joeycumines/openoverlay/internal/scripting"
	"github.com/spf13/cobra"
)

// legacyResult is what the legacy command prints.
type legacyResult struct {
	Layers   []layer.Layer `json:"layers"`
	Modified bool          `json:"modified"`
	Updates  int64         `json:"updates"`
	Error    string        `json:"error,omitempty"`
}

type legacyOptions struct {
	root     *RootOptions
	script   string
	emits    []string
	source   string
	duration time.Duration
}

// NewLegacyCommand creates the legacy command, which runs a single
// whole-body script the old way.
func NewLegacyCommand(root *RootOptions) *cobra.Command {
	o := &legacyOptions{root: root}
	cmd := &cobra.Command{
		Use:   "legacy <document>",
		Short: "Execute a legacy overlay script against a document's layers",
		Long: `Legacy runs a script body with the overlay, setTimeout and setInterval bindings,
then optionally emits events on behalf of a source layer, and prints the layers.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd.Context(), args[0], cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&o.script, "script", "s", "", "path of the script to execute (required)")
	cmd.Flags().StringArrayVar(&o.emits, "emit", nil, "emit an event after execution: name or name=json (repeatable)")
	cmd.Flags().StringVar(&o.source, "source", "", "label or element name of the layer emitting the events")
	cmd.Flags().DurationVar(&o.duration, "for", 0, "wait this long before printing, so timers can fire")
	_ = cmd.MarkFlagRequired("script")
	return cmd
}

func (o *legacyOptions) run(ctx context.Context, path string, out io.Writer) error {
	events, err := parseEvents(o.emits)
	if err != nil {
		return err
	}
	doc, err := overlay.Load(path)
	if err != nil {
		return err
	}
	script, err := os.ReadFile(o.script)
	if err != nil {
		return err
	}

	var updates atomic.Int64
	lc, err := scripting.NewLegacyContext(ctx, scripting.LegacyOptions{
		Logger:      o.root.Logger,
		SyncTimeout: o.root.Settings.SyncTimeout,
		OnUpdated:   func([]layer.Layer) { updates.Add(1) },
	})
	if err != nil {
		return err
	}
	defer lc.Close()

	var runErr error
	if !lc.Execute(doc.Layers, string(script), time.Now()) {
		runErr = lc.LastExecutionError()
	}

	if runErr == nil && len(events) > 0 {
		source, ok := findLayer(lc.Layers(), o.source)
		if !ok {
			runErr = fmt.Errorf("no source layer %q", o.source)
		}
		for _, ev := range events {
			if runErr != nil {
				break
			}
			var args any
			if len(ev.Args) > 0 {
				args = ev.Args[0]
			}
			runErr = lc.EmitToOtherLayers(ev.Name, args, source)
		}
	}
	if runErr == nil && o.duration > 0 {
		select {
		case <-time.After(o.duration):
		case <-ctx.Done():
			if !errors.Is(ctx.Err(), context.Canceled) {
				runErr = ctx.Err()
			}
		}
	}

	result := legacyResult{
		Layers:   lc.Layers(),
		Modified: lc.HasModifiedLayers(),
		Updates:  updates.Load(),
	}
	if runErr != nil {
		result.Error = runErr.Error()
	}
	if err := overlay.WriteJSON(out, result, isTerminal(out)); err != nil {
		return err
	}
	return runErr
}

// findLayer returns the first layer labelled name, falling back to the
// first with that element name. An empty name matches nothing but still
// succeeds, with the zero layer.
func findLayer(layers []layer.Layer, name string) (layer.Layer, bool) {
	if name == "" {
		return layer.Layer{}, true
	}
	for _, l := range layers {
		if l.Label == name {
			return l, true
		}
	}
	for _, l := range layers {
		if l.ElementName == name {
			return l, true
		}
	}
	return layer.Layer{}, false
}
