package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/codec"
)

// AppendOptions holds flags for the append command.
type AppendOptions struct {
	*RootOptions
	Type          string
	Data          string
	Expected      string
	Metadata      map[string]string
	CorrelationID string
}

// AppendResultView is the printed result of an append.
type AppendResultView struct {
	StreamID      string `json:"stream_id" yaml:"stream_id"`
	Version       uint64 `json:"version" yaml:"version"`
	GlobalVersion uint64 `json:"global_version" yaml:"global_version"`
	EventID       string `json:"event_id" yaml:"event_id"`
}

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AppendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "append <stream>",
		Short: "Append one event to a stream",
		Long: `Append one event to a stream, checking the expected version first.

--expected takes a version number, "any", "no-stream" or "exists".
A concurrency conflict exits with code 3.

Examples:
  eventctl append cart-1 --type CartCreated --data '{"cart_id":"cart-1"}' --expected no-stream
  eventctl append cart-1 --type ItemAdded --data '{"sku":"a","quantity":1}' --expected 1`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAppend(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Type, "type", "", "event type (required)")
	_ = cmd.MarkFlagRequired("type")
	cmd.Flags().StringVar(&opts.Data, "data", "{}", "event payload as JSON")
	cmd.Flags().StringVar(&opts.Expected, "expected", "any", "expected stream version")
	cmd.Flags().StringToStringVar(&opts.Metadata, "metadata", nil, "metadata key=value pairs")
	cmd.Flags().StringVar(&opts.CorrelationID, "correlation-id", "", "correlation id of the event")

	return cmd
}

// ParseExpected turns the --expected flag into a StreamState.
func ParseExpected(s string) (eventcore.StreamState, error) {
	switch s {
	case "", "any":
		return eventcore.Any{}, nil
	case "no-stream":
		return eventcore.NoStream{}, nil
	case "exists", "stream-exists":
		return eventcore.StreamExists{}, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", eventcore.ErrInvalidRevision, s)
	}
	return eventcore.Revision(v), nil
}

func runAppend(opts *AppendOptions, cmd *cobra.Command, streamID string) error {
	expected, err := ParseExpected(opts.Expected)
	if err != nil {
		return err
	}
	if !json.Valid([]byte(opts.Data)) {
		return fmt.Errorf("--data is not valid JSON")
	}

	ctx := cmd.Context()
	store, err := openStore(ctx, opts.RootOptions, false)
	if err != nil {
		return err
	}
	defer store.Close()

	appendOpts := []eventcore.AppendOption{}
	if len(opts.Metadata) > 0 {
		md := make(map[string]any, len(opts.Metadata))
		for k, v := range opts.Metadata {
			md[k] = v
		}
		appendOpts = append(appendOpts, eventcore.WithMetadata(md))
	}
	if opts.CorrelationID != "" {
		appendOpts = append(appendOpts, eventcore.WithCorrelationID(opts.CorrelationID))
	}

	ev := codec.RawEvent{Type: opts.Type, Data: json.RawMessage(opts.Data)}
	result, err := store.Append(ctx, streamID, expected, []eventcore.Event{ev}, appendOpts...)
	if err != nil {
		return err
	}
	opts.Logger.DebugContext(ctx, "event appended", slog.String("stream_id", streamID), result.NextExpectedVersion.SlogAttr())

	p := newPrinter(opts.Output, cmd.OutOrStdout())
	defer p.Close()
	return p.Print(AppendResultView{
		StreamID:      result.StreamID,
		Version:       uint64(result.NextExpectedVersion),
		GlobalVersion: result.GlobalVersion,
		EventID:       result.Envelopes[0].EventID.String(),
	})
}
