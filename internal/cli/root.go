// Package cli implements the eventctl commands.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/internal/config"
	"github.com/terraskye/eventcore/otel"
)

// ValidOutputs defines the allowed output formats.
var ValidOutputs = []string{"json", "yaml"}

// RootOptions holds global flags and the state shared by all commands.
type RootOptions struct {
	ConfigPath string
	Output     string

	Config   config.Config
	Logger   *slog.Logger
	LogLevel *slog.LevelVar
	shutdown func(context.Context) error
}

// NewRootCommand creates the root command for eventctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{LogLevel: new(slog.LevelVar)}

	cmd := &cobra.Command{
		Use:     "eventctl",
		Short:   "Inspect and operate an event store",
		Long:    "eventctl appends to, reads from and follows an event store, and relays its events to a broker.",
		Version: eventcore.InstrumentationVersion,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidOutputs, opts.Output) {
				return fmt.Errorf("invalid output %q: must be one of %v", opts.Output, ValidOutputs)
			}
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			opts.Config = cfg
			opts.Logger = cfg.Log.Logger(cmd.ErrOrStderr(), opts.LogLevel)

			if cfg.Telemetry.Enabled {
				shutdown, err := otel.Setup(cmd.Context(), otel.Config{
					ServiceName: cfg.Telemetry.ServiceName,
					UseStdout:   cfg.Telemetry.Stdout,
				})
				if err != nil {
					return fmt.Errorf("telemetry: %w", err)
				}
				opts.shutdown = shutdown
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.shutdown != nil {
				return opts.shutdown(context.WithoutCancel(cmd.Context()))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().StringVarP(&opts.Output, "output", "o", "json", "output format (json|yaml)")

	cmd.AddCommand(NewAppendCommand(opts))
	cmd.AddCommand(NewReadCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))
	cmd.AddCommand(NewTailCommand(opts))
	cmd.AddCommand(NewRelayCommand(opts))

	return cmd
}
