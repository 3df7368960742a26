package command

import (
	"context"
	"fmt"
	"io"

	"github.com/joeycumines/openoverlay/internal/overlay"
	"github.com/joeycumines/openoverlay/internal/scripting"
	"github.com/spf13/cobra"
)

// NewCheckCommand creates the check command.
func NewCheckCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <document>",
		Short: "Compile every script of a document without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), root, args[0], cmd.OutOrStdout())
		},
	}
}

func runCheck(ctx context.Context, root *RootOptions, path string, out io.Writer) error {
	doc, err := overlay.Load(path)
	if err != nil {
		return err
	}

	m := scripting.NewManager(root.managerOptions(nil))
	defer m.Close()
	sess, err := m.NewSession(ctx, scripting.SessionConfig{
		Layers:   doc.Layers,
		Scripts:  doc.Scripts,
		Settings: doc.Settings,
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	var failed int
	entry := false
	for _, name := range doc.ScriptNames() {
		if name == m.EntryScript() || name == m.EntryScript()+".js" {
			entry = true
		}
		if _, err := sess.Compile(name); err != nil {
			failed++
			_, _ = fmt.Fprintf(out, "FAIL %s: %v\n", name, err)
			continue
		}
		_, _ = fmt.Fprintf(out, "ok   %s\n", name)
	}
	if !entry {
		failed++
		_, _ = fmt.Fprintf(out, "FAIL no entry script %q\n", m.EntryScript())
	}
	if failed > 0 {
		return fmt.Errorf("%d problem(s) in %s", failed, path)
	}
	return nil
}
