package command

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/joeycumines/openoverlay/internal/config"
	"github.com/spf13/cobra"
)

// NewConfigCommand creates the config command and its subcommands.
func NewConfigCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and edit the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprint(cmd.OutOrStdout(), config.DefaultSchema().FormatHelp())
			return err
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "path",
			Short: "Print the configuration file path",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), root.ConfigPath)
				return err
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print every option with its effective value",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return showConfig(cmd.OutOrStdout(), root.Config)
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Report unknown options and invalid values",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				issues := root.Config.GetWarnings()
				for _, issue := range issues {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), issue)
				}
				if len(issues) > 0 {
					return fmt.Errorf("%s: %d issue(s)", root.ConfigPath, len(issues))
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", root.ConfigPath)
				return err
			},
		},
		newConfigSetCommand(root),
	)
	return cmd
}

func newConfigSetCommand(root *RootOptions) *cobra.Command {
	var section string
	cmd := &cobra.Command{
		Use:     "set <key> <value>",
		Short:   "Store an option in the configuration file",
		Example: "  overlay config set log-level debug\n  overlay config set --section serve addr :9000",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			if err := config.DefaultSchema().Check(section, key, value); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(root.ConfigPath), 0o755); err != nil {
				return err
			}
			if err := config.SetKeyInFile(root.ConfigPath, section, key, value); err != nil {
				return err
			}
			root.Logger.Debug("stored option", "path", root.ConfigPath, "section", section, "key", key)
			return nil
		},
	}
	cmd.Flags().StringVar(&section, "section", "", "section to write the option in, e.g. serve")
	return cmd
}

func showConfig(w io.Writer, cfg *config.Config) error {
	schema := config.DefaultSchema()
	for _, o := range schema.GlobalOptions() {
		if _, err := fmt.Fprintf(w, "%s = %s\n", o.Key, schema.Resolve(cfg, o.Key)); err != nil {
			return err
		}
	}
	for _, sec := range schema.Sections() {
		if _, err := fmt.Fprintf(w, "\n[%s]\n", sec); err != nil {
			return err
		}
		for _, o := range schema.SectionOptions(sec) {
			if _, err := fmt.Fprintf(w, "%s = %s\n", o.Key, schema.ResolveSection(cfg, sec, o.Key)); err != nil {
				return err
			}
		}
	}
	return nil
}

// NewVersionCommand creates the version command.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "overlay %s\n", Version)
			return err
		},
	}
}
