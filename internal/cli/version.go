package cli

import (
	"github.com/spf13/cobra"
)

// StreamVersionView is the printed result of the version command.
type StreamVersionView struct {
	StreamID string `json:"stream_id" yaml:"stream_id"`
	Version  uint64 `json:"version" yaml:"version"`
}

// NewVersionCommand creates the version command.
func NewVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "version <stream>",
		Short:         "Print the current version of a stream, 0 if it does not exist",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, rootOpts, false)
			if err != nil {
				return err
			}
			defer store.Close()

			v, err := store.CurrentVersion(ctx, args[0])
			if err != nil {
				return err
			}
			p := newPrinter(rootOpts.Output, cmd.OutOrStdout())
			defer p.Close()
			return p.Print(StreamVersionView{StreamID: args[0], Version: uint64(v)})
		},
	}
}
