// Package postgres is a durable EventStore on PostgreSQL (jackc/pgx/v5).
//
// An append takes a transaction-scoped advisory lock on its stream for the
// version check, then a store-wide advisory lock to assign global positions,
// so global_position follows commit order even with several writers.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	cqrs "github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/codec"
	"github.com/terraskye/eventcore/eventbus"
)

const readPage = 256

// Store is a PostgreSQL event store. Subscriptions see the events appended
// through this Store live. Events written by other processes reach them when
// the store follows the log (WithFollow), or when a later append through this
// Store reveals the positions it has not published.
type Store struct {
	pool   *pgxpool.Pool
	codec  codec.Codec
	logger *slog.Logger

	// globalMu orders the global section of appends made by this process,
	// which keeps publish order equal to global_position order.
	globalMu sync.Mutex
	bus      *eventbus.Bus
	closed   atomic.Bool
	channel  string

	stopFollow context.CancelFunc
	following  sync.WaitGroup
}

type Option func(*options)

type options struct {
	codec        codec.Codec
	backpressure cqrs.Backpressure
	logger       *slog.Logger
	schema       string
	follow       time.Duration
}

func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

func WithBackpressure(b cqrs.Backpressure) Option {
	return func(o *options) { o.backpressure = b }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithFollow makes the store LISTEN for appends committed by other processes
// and publish them to subscriptions. interval is the polling fallback for
// notifications lost while the listener reconnects. Off by default.
func WithFollow(interval time.Duration) Option {
	return func(o *options) { o.follow = interval }
}

// WithSchema keeps the tables in schema, creating it if needed.
func WithSchema(schema string) Option {
	return func(o *options) { o.schema = schema }
}

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	o := options{
		backpressure: cqrs.Unbounded(),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.codec == nil {
		o.codec = codec.NewJSON(nil)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if o.schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = o.schema
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, wrap("connect", "", 0, err)
	}
	if o.schema != "" {
		if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{o.schema}.Sanitize()); err != nil {
			pool.Close()
			return nil, wrap("create schema", "", 0, err)
		}
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, wrap("apply schema", "", 0, err)
	}

	var head int64
	if err := pool.QueryRow(ctx, `SELECT COALESCE(MAX(global_position), 0) FROM events`).Scan(&head); err != nil {
		pool.Close()
		return nil, wrap("read head", "", 0, err)
	}

	s := &Store{
		pool:    pool,
		codec:   o.codec,
		logger:  o.logger.With(slog.String("component", "eventstore.postgres")),
		channel: notifyChannel(o.schema),
	}
	s.bus = eventbus.New(s, o.backpressure, eventbus.WithLogger(o.logger), eventbus.WithHead(uint64(head)))

	if o.follow > 0 {
		followCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		s.stopFollow = cancel
		wake := make(chan struct{}, 1)
		s.following.Add(2)
		go func() {
			defer s.following.Done()
			s.listen(followCtx, o.follow, wake)
		}()
		go func() {
			defer s.following.Done()
			s.bus.Follow(followCtx, o.follow, wake)
		}()
	}
	return s, nil
}

func notifyChannel(schema string) string {
	if schema == "" {
		return "eventcore_appends"
	}
	return "eventcore_appends_" + schema
}

// listen wakes the follower on every append notification, reconnecting after
// retry until ctx ends.
func (s *Store) listen(ctx context.Context, retry time.Duration, wake chan<- struct{}) {
	for {
		err := s.waitForAppends(ctx, wake)
		if ctx.Err() != nil {
			return
		}
		s.logger.WarnContext(ctx, "listening for appends failed",
			slog.String("channel", s.channel),
			slog.Any("error", err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(retry):
		}
	}
}

func (s *Store) waitForAppends(ctx context.Context, wake chan<- struct{}) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		// A listening connection is not reused.
		_ = conn.Conn().Close(context.WithoutCancel(ctx))
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		return err
	}
	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return err
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

// Pool exposes the connection pool, for tests and tooling.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) Append(ctx context.Context, streamID string, expected cqrs.StreamState, events []cqrs.Event, opts ...cqrs.AppendOption) (cqrs.AppendResult, error) {
	if len(events) == 0 {
		return cqrs.AppendResult{}, fmt.Errorf("append to stream %q: %w", streamID, cqrs.ErrEmptyEventBatch)
	}
	if expected == nil {
		return cqrs.AppendResult{}, fmt.Errorf("append to stream %q: nil expected state: %w", streamID, cqrs.ErrInvalidRevision)
	}
	if s.closed.Load() {
		return cqrs.AppendResult{}, cqrs.ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return cqrs.AppendResult{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return cqrs.AppendResult{}, wrap("append", streamID, 0, err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1, hashtext($2))`, streamLockSpace, streamID); err != nil {
		return cqrs.AppendResult{}, wrap("append", streamID, 0, err)
	}

	var current int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM events WHERE stream_id = $1`, streamID).Scan(&current); err != nil {
		return cqrs.AppendResult{}, wrap("append", streamID, 0, err)
	}
	if !expected.Check(cqrs.Version(current)) {
		return cqrs.AppendResult{StreamID: streamID, NextExpectedVersion: cqrs.Version(current)}, &cqrs.ConcurrencyConflictError{
			StreamID: streamID,
			Expected: expected,
			Actual:   cqrs.Version(current),
		}
	}

	envs := cqrs.NewAppendConfig(opts...).Envelopes(streamID, cqrs.Version(current), events)
	batch := make([][]any, len(envs))
	for i, env := range envs {
		typ, payload, err := s.codec.Marshal(env.Event)
		if err != nil {
			return cqrs.AppendResult{}, cqrs.WrapEventStoreError("append", streamID, env.Version, err)
		}
		md, err := codec.MarshalMetadata(env.Metadata)
		if err != nil {
			return cqrs.AppendResult{}, cqrs.WrapEventStoreError("append", streamID, env.Version, err)
		}
		batch[i] = []any{streamID, int64(env.Version), env.EventID.String(), typ, payload, md, env.OccurredAt.UTC()}
	}

	s.globalMu.Lock()
	defer s.globalMu.Unlock()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, globalLockKey); err != nil {
		return cqrs.AppendResult{}, wrap("append", streamID, 0, err)
	}
	var head int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(global_position), 0) FROM events`).Scan(&head); err != nil {
		return cqrs.AppendResult{}, wrap("append", streamID, 0, err)
	}

	for i, env := range envs {
		env.GlobalVersion = uint64(head) + uint64(i) + 1
		args := append([]any{int64(env.GlobalVersion)}, batch[i]...)
		if _, err := tx.Exec(ctx, `
INSERT INTO events(global_position, stream_id, version, event_id, event_type, payload, metadata, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, args...); err != nil {
			if isUniqueViolation(err) {
				return cqrs.AppendResult{}, &cqrs.ConcurrencyConflictError{StreamID: streamID, Expected: expected, Actual: env.Version}
			}
			return cqrs.AppendResult{}, wrap("append", streamID, env.Version, err)
		}
	}

	// Delivered to listeners on commit.
	last := envs[len(envs)-1]
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel, strconv.FormatUint(last.GlobalVersion, 10)); err != nil {
		return cqrs.AppendResult{}, wrap("append", streamID, last.Version, err)
	}

	// Commit point.
	if err := ctx.Err(); err != nil {
		return cqrs.AppendResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return cqrs.AppendResult{}, wrap("append", streamID, cqrs.Version(current), err)
	}

	s.bus.Publish(envs...)

	s.logger.DebugContext(ctx, "events appended",
		slog.String("stream_id", streamID),
		last.Version.SlogAttr(),
		slog.Uint64("global_version", last.GlobalVersion),
		slog.Int("events", len(envs)))

	return cqrs.AppendResult{
		Successful:          true,
		StreamID:            streamID,
		NextExpectedVersion: last.Version,
		GlobalVersion:       last.GlobalVersion,
		Envelopes:           envs,
	}, nil
}

const selectEnvelope = `SELECT global_position, stream_id, version, event_id, event_type, payload, metadata, occurred_at FROM events`

func (s *Store) ReadStream(ctx context.Context, streamID string, from cqrs.Version) (*cqrs.Iterator[*cqrs.Envelope], error) {
	rows, err := s.pool.Query(ctx, selectEnvelope+` WHERE stream_id = $1 AND version >= $2 ORDER BY version`, streamID, int64(from))
	if err != nil {
		return nil, wrap("read stream", streamID, from, err)
	}
	envs, err := s.scanAll(rows)
	if err != nil {
		return nil, wrap("read stream", streamID, from, err)
	}
	return cqrs.NewSliceIterator(envs), nil
}

func (s *Store) CurrentVersion(ctx context.Context, streamID string) (cqrs.Version, error) {
	var v int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM events WHERE stream_id = $1`, streamID).Scan(&v); err != nil {
		return 0, wrap("current version", streamID, 0, err)
	}
	return cqrs.Version(v), nil
}

// ReadAll pages through the global log up to the last position committed
// when it was called.
func (s *Store) ReadAll(ctx context.Context, from uint64) (*cqrs.Iterator[*cqrs.Envelope], error) {
	var head int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(global_position), 0) FROM events`).Scan(&head); err != nil {
		return nil, wrap("read all", "", 0, err)
	}

	next := from
	var page []*cqrs.Envelope
	return cqrs.NewIteratorFunc(func(ctx context.Context) (*cqrs.Envelope, error) {
		if len(page) == 0 {
			if next > uint64(head) {
				return nil, io.EOF
			}
			rows, err := s.pool.Query(ctx, selectEnvelope+` WHERE global_position >= $1 AND global_position <= $2 ORDER BY global_position LIMIT $3`,
				int64(next), head, readPage)
			if err != nil {
				return nil, wrap("read all", "", 0, err)
			}
			page, err = s.scanAll(rows)
			if err != nil {
				return nil, wrap("read all", "", 0, err)
			}
			if len(page) == 0 {
				return nil, io.EOF
			}
			next = page[len(page)-1].GlobalVersion + 1
		}
		env := page[0]
		page = page[1:]
		return env, nil
	}), nil
}

// Subscribe attaches a subscription. A FromNow subscription starts after the
// last committed event, whichever process appended it.
func (s *Store) Subscribe(ctx context.Context, opts ...cqrs.SubscribeOption) (cqrs.Subscription, error) {
	if s.closed.Load() {
		return nil, cqrs.ErrStoreClosed
	}
	if cqrs.NewSubscribeConfig(opts...).FromNow {
		if _, err := s.bus.Sync(ctx); err != nil {
			return nil, wrap("subscribe", "", 0, err)
		}
	}
	return s.bus.Subscribe(ctx, opts...)
}

// Close stops following, then closes every subscription and the pool.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.stopFollow != nil {
		s.stopFollow()
		s.following.Wait()
	}
	err := s.bus.Close()
	s.pool.Close()
	return err
}

func (s *Store) scanAll(rows pgx.Rows) ([]*cqrs.Envelope, error) {
	defer rows.Close()
	var out []*cqrs.Envelope
	for rows.Next() {
		var (
			env        cqrs.Envelope
			pos        int64
			version    int64
			eventID    string
			eventType  string
			payload    []byte
			metadata   []byte
			occurredAt time.Time
		)
		if err := rows.Scan(&pos, &env.StreamID, &version, &eventID, &eventType, &payload, &metadata, &occurredAt); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(eventID)
		if err != nil {
			return nil, fmt.Errorf("event %d: parse id: %w", pos, err)
		}
		ev, err := s.codec.Unmarshal(eventType, payload)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", pos, err)
		}
		md, err := codec.UnmarshalMetadata(metadata)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", pos, err)
		}
		env.GlobalVersion = uint64(pos)
		env.Version = cqrs.Version(version)
		env.EventID = id
		env.Event = ev
		env.Metadata = md
		env.OccurredAt = occurredAt.UTC()
		out = append(out, &env)
	}
	return out, rows.Err()
}

// wrap adds context to a driver error and marks connectivity failures as
// ErrBackendUnavailable.
func wrap(op, streamID string, version cqrs.Version, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isUnavailable(err) {
		err = fmt.Errorf("%w: %w", cqrs.ErrBackendUnavailable, err)
	}
	return cqrs.WrapEventStoreError(op, streamID, version, err)
}

func isUnavailable(err error) bool {
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.Timeout(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exception. 57P0x: operator intervention.
		return len(pgErr.Code) == 5 && (pgErr.Code[:2] == "08" || pgErr.Code[:4] == "57P0")
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ cqrs.EventStore = (*Store)(nil)
