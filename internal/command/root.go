// Package command implements the overlay command line.
package command

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/joeycumines/openoverlay/internal/config"
	"github.com/spf13/cobra"
)

// Version is reported by the version command. It is set at build time.
var Version = "0.1.0-dev"

// RootOptions holds global flags and the state resolved from them before a
// subcommand runs.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string

	Config   *config.Config
	Settings config.Settings
	Logger   *slog.Logger

	logCloser io.Closer
}

// NewRootCommand creates the overlay command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "overlay",
		Short: "Run overlay scripts against a layer stack",
		Long: `overlay loads an overlay document (layers, scripts and settings) and runs its
scripts in an isolated JavaScript session, printing or serving the resulting
layers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.resolve(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return opts.Close()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default $"+config.EnvConfigPath+" or ~/.openoverlay/config)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format: text, json")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewCheckCommand(opts))
	cmd.AddCommand(NewLegacyCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// resolve loads the config file and builds the logger. Flags win over the
// config file and the environment.
func (o *RootOptions) resolve(cmd *cobra.Command) error {
	path := o.ConfigPath
	if path == "" {
		var err error
		if path, err = config.GetConfigPath(); err != nil {
			return fmt.Errorf("failed to get config path: %w", err)
		}
	}
	cfg, err := config.LoadFromPath(path)
	if err != nil {
		return err
	}
	o.ConfigPath = path
	o.Config = cfg

	settings, err := config.DefaultSchema().Settings(cfg)
	if err != nil {
		return err
	}
	if o.LogLevel != "" {
		settings.LogLevel = o.LogLevel
	}
	if o.LogFormat != "" {
		settings.LogFormat = o.LogFormat
	}
	o.Settings = settings

	logger, closer, err := newLogger(cmd.ErrOrStderr(), settings)
	if err != nil {
		return err
	}
	o.Logger, o.logCloser = logger, closer
	return nil
}

// Close releases the log file, if any. It is safe to call more than once.
func (o *RootOptions) Close() error {
	if o.logCloser == nil {
		return nil
	}
	c := o.logCloser
	o.logCloser = nil
	return c.Close()
}
