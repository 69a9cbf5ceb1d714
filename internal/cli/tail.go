package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terraskye/eventcore"
)

// TailOptions holds flags for the tail command.
type TailOptions struct {
	*RootOptions
	FromCheckpoint uint64
	FromNow        bool
	Streams        []string
	Limit          int
}

// NewTailCommand creates the tail command.
func NewTailCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TailOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow the global log",
		Long: `Subscribe to the store and print every event as it is committed.

Without flags the whole history is printed first. --from-checkpoint N starts
after global position N, --from-now skips the history. Appends made by other
processes are picked up every bus.follow.

Examples:
  eventctl tail
  eventctl tail --from-now --stream cart-1 --stream cart-2`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.FromNow && cmd.Flags().Changed("from-checkpoint") {
				return fmt.Errorf("--from-now and --from-checkpoint are mutually exclusive")
			}
			return runTail(opts, cmd)
		},
	}

	cmd.Flags().Uint64Var(&opts.FromCheckpoint, "from-checkpoint", 0, "start after this global position")
	cmd.Flags().BoolVar(&opts.FromNow, "from-now", false, "only print events committed from now on")
	cmd.Flags().StringSliceVar(&opts.Streams, "stream", nil, "only print events of these streams")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "exit after this many events (0 means follow forever)")

	return cmd
}

func runTail(opts *TailOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	store, err := openStore(ctx, opts.RootOptions, true)
	if err != nil {
		return err
	}
	defer store.Close()

	subOpts := []eventcore.SubscribeOption{eventcore.WithSubscriptionName("eventctl-tail")}
	if opts.FromNow {
		subOpts = append(subOpts, eventcore.FromNow())
	} else {
		subOpts = append(subOpts, eventcore.FromCheckpoint(opts.FromCheckpoint))
	}
	if len(opts.Streams) > 0 {
		subOpts = append(subOpts, eventcore.WithStreams(opts.Streams...))
	}

	sub, err := store.Subscribe(ctx, subOpts...)
	if err != nil {
		return err
	}
	defer sub.Close()

	p := newPrinter(opts.Output, cmd.OutOrStdout())
	defer p.Close()

	for n := 0; opts.Limit == 0 || n < opts.Limit; n++ {
		env, err := sub.Recv(ctx)
		if err != nil {
			if errors.Is(err, ctx.Err()) {
				return nil
			}
			return err
		}
		view, err := newEnvelopeView(env)
		if err != nil {
			return err
		}
		if err := p.Print(view); err != nil {
			return err
		}
	}
	return nil
}
