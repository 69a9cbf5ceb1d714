package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terraskye/eventcore"
)

// ReadOptions holds flags for the read command.
type ReadOptions struct {
	*RootOptions
	From  uint64
	All   bool
	Limit int
}

// NewReadCommand creates the read command.
func NewReadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "read [stream]",
		Short: "Print the events of a stream or of the global log",
		Long: `Print the events of a stream starting at --from, or with --all the
events of every stream in global order starting at global position --from.

Examples:
  eventctl read cart-1
  eventctl read cart-1 --from 3 -o yaml
  eventctl read --all --from 100 --limit 10`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case opts.All && len(args) == 1:
				return fmt.Errorf("a stream and --all are mutually exclusive")
			case !opts.All && len(args) == 0:
				return fmt.Errorf("a stream or --all is required")
			}
			stream := ""
			if len(args) == 1 {
				stream = args[0]
			}
			return runRead(opts, cmd, stream)
		},
	}

	cmd.Flags().Uint64Var(&opts.From, "from", 1, "first version (or global position with --all) to print")
	cmd.Flags().BoolVar(&opts.All, "all", false, "read the global log")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "stop after this many events (0 means no limit)")

	return cmd
}

func runRead(opts *ReadOptions, cmd *cobra.Command, streamID string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx, opts.RootOptions, false)
	if err != nil {
		return err
	}
	defer store.Close()

	var iter *eventcore.Iterator[*eventcore.Envelope]
	if opts.All {
		iter, err = store.ReadAll(ctx, opts.From)
	} else {
		iter, err = store.ReadStream(ctx, streamID, eventcore.Version(opts.From))
	}
	if err != nil {
		return err
	}

	p := newPrinter(opts.Output, cmd.OutOrStdout())
	defer p.Close()

	n := 0
	for iter.Next(ctx) {
		view, err := newEnvelopeView(iter.Value())
		if err != nil {
			return err
		}
		if err := p.Print(view); err != nil {
			return err
		}
		n++
		if opts.Limit > 0 && n >= opts.Limit {
			break
		}
	}
	return iter.Err()
}
