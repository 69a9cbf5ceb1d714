package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/codec"
	"github.com/terraskye/eventcore/internal/config"
	"github.com/terraskye/eventcore/logging"
	"github.com/terraskye/eventcore/otel"
	"github.com/terraskye/eventcore/projection"
	"github.com/terraskye/eventcore/relay"
	"github.com/terraskye/eventcore/relay/kafka"
	"github.com/terraskye/eventcore/relay/rabbitmq"
)

// RelayOptions holds flags for the relay command.
type RelayOptions struct {
	*RootOptions
	To    string
	Name  string
	Topic string
}

// NewRelayCommand creates the relay command.
func NewRelayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RelayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Forward committed events to Kafka or RabbitMQ",
		Long: `Forward every committed event to a broker, resuming from the checkpoint
saved under --name. Delivery is at least once: consumers deduplicate on the
event_id header.

Events appended by other processes are picked up every bus.follow (postgres
also listens for append notifications). Broker settings come from the
relay.kafka and relay.rabbitmq config keys.
Edits to log.level in the config file apply while the relay runs.

Examples:
  eventctl relay --to kafka --name carts-to-kafka
  EVENTCTL_RELAY_RABBITMQ_URL=amqp://localhost eventctl relay --to rabbitmq`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.To, "to", "kafka", "broker (kafka|rabbitmq)")
	cmd.Flags().StringVar(&opts.Name, "name", "eventctl-relay", "checkpoint name")
	cmd.Flags().StringVar(&opts.Topic, "topic", "", "topic or routing key, defaults to relay.kafka.topic")

	return cmd
}

func newProducer(opts *RelayOptions) (relay.Producer, error) {
	cfg := opts.Config.Relay
	switch opts.To {
	case "kafka":
		return kafka.NewProducer(kafka.Config{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			ClientID: opts.Name,
		})
	case "rabbitmq":
		return rabbitmq.Dial(rabbitmq.Config{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
		})
	default:
		return nil, fmt.Errorf("unknown relay target %q: must be kafka or rabbitmq", opts.To)
	}
}

func runRelay(opts *RelayOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()

	if opts.ConfigPath != "" {
		err := config.WatchLogLevel(opts.ConfigPath, opts.LogLevel, func(err error) {
			opts.Logger.Warn("config reload failed", "error", err)
		})
		if err != nil {
			return err
		}
	}

	producer, err := newProducer(opts)
	if err != nil {
		return err
	}
	defer producer.Close()

	store, err := openStore(ctx, opts.RootOptions, true)
	if err != nil {
		return err
	}
	defer store.Close()

	topic := opts.Topic
	if topic == "" {
		topic = opts.Config.Relay.Kafka.Topic
	}

	var handler eventcore.EventHandler = relay.NewHandler(producer, codec.NewJSON(eventcore.NewRegistry(), codec.WithRawFallback()), topic)
	if opts.Config.Telemetry.Enabled {
		handler = otel.WithEventHandlerTelemetry(opts.Name, handler)
	}
	handler = logging.WithLoggingMiddleware(opts.Logger, handler)

	p := projection.New(opts.Name, store, handler, store.checkpoints, projection.WithLogger(opts.Logger))
	err = p.Run(ctx)
	if errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}
