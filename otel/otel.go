package otel

import (
	"github.com/terraskye/eventcore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/terraskye/eventcore"
)

// Semantic attribute keys following OpenTelemetry conventions
const (
	// Command attributes
	AttrCommandType = attribute.Key("eventcore.command.type")
	AttrAggregateID = attribute.Key("eventcore.aggregate.id")

	// Stream attributes
	AttrStreamID        = attribute.Key("eventcore.stream.id")
	AttrStreamVersion   = attribute.Key("eventcore.stream.version")
	AttrExpectedVersion = attribute.Key("eventcore.stream.expected_version")

	// Event attributes
	AttrEventType      = attribute.Key("eventcore.event.type")
	AttrEventID        = attribute.Key("eventcore.event.id")
	AttrEventCount     = attribute.Key("eventcore.events.count")
	AttrEventGlobalPos = attribute.Key("eventcore.event.global_position")
	AttrEventStreamPos = attribute.Key("eventcore.event.stream_position")

	// Subscription attributes
	AttrSubscriptionName = attribute.Key("eventcore.subscription.name")
	AttrHandlerName      = attribute.Key("eventcore.handler.name")

	// Operation attributes
	AttrOperation = attribute.Key("eventcore.operation")
)

var (
	meter  = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(eventcore.InstrumentationVersion))
	tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(eventcore.InstrumentationVersion))

	// Command metrics
	CommandsHandled, _ = meter.Int64Counter(
		"eventcore.commands.handled",
		metric.WithDescription("Total number of commands handled"),
		metric.WithUnit("{command}"),
	)

	CommandsDuration, _ = meter.Float64Histogram(
		"eventcore.commands.duration",
		metric.WithDescription("Command handling duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000),
	)

	CommandsInFlight, _ = meter.Int64UpDownCounter(
		"eventcore.commands.in_flight",
		metric.WithDescription("Number of commands currently being processed"),
		metric.WithUnit("{command}"),
	)

	CommandsFailed, _ = meter.Int64Counter(
		"eventcore.commands.failed",
		metric.WithDescription("Number of failed commands"),
		metric.WithUnit("{command}"),
	)

	// Event metrics
	EventsAppended, _ = meter.Int64Counter(
		"eventcore.events.appended",
		metric.WithDescription("Number of events appended to streams"),
		metric.WithUnit("{event}"),
	)

	EventsLoaded, _ = meter.Int64Counter(
		"eventcore.events.loaded",
		metric.WithDescription("Number of events read from the store"),
		metric.WithUnit("{event}"),
	)

	EventsDelivered, _ = meter.Int64Counter(
		"eventcore.events.delivered",
		metric.WithDescription("Number of events delivered to subscriptions"),
		metric.WithUnit("{event}"),
	)

	// Handler metrics
	EventsHandled, _ = meter.Int64Counter(
		"eventcore.handler.events",
		metric.WithDescription("Number of events passed to event handlers"),
		metric.WithUnit("{event}"),
	)

	HandlerDuration, _ = meter.Float64Histogram(
		"eventcore.handler.duration",
		metric.WithDescription("Event handler duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)

	HandlerErrors, _ = meter.Int64Counter(
		"eventcore.handler.errors",
		metric.WithDescription("Number of event handler errors"),
		metric.WithUnit("{error}"),
	)

	// EventStore metrics
	EventStoreDuration, _ = meter.Float64Histogram(
		"eventcore.eventstore.duration",
		metric.WithDescription("Event store operation duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)

	EventStoreErrors, _ = meter.Int64Counter(
		"eventcore.eventstore.errors",
		metric.WithDescription("Number of event store errors"),
		metric.WithUnit("{error}"),
	)

	ConcurrencyConflicts, _ = meter.Int64Counter(
		"eventcore.concurrency.conflicts",
		metric.WithDescription("Number of concurrency conflicts"),
		metric.WithUnit("{conflict}"),
	)

	StreamVersionGauge, _ = meter.Int64Gauge(
		"eventcore.stream.version",
		metric.WithDescription("Version of a stream after its last append"),
		metric.WithUnit("{version}"),
	)
)
