// Package sqlite is a durable EventStore on SQLite (modernc.org/sqlite, no
// cgo).
//
// SQLite has a single writer, so appends are serialized by the store. The
// write lock also covers publishing, which keeps the order seen by
// subscriptions equal to global_position order. Appends made through another
// Store on the same file are seen when the store follows the log, see
// WithFollow.
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	cqrs "github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/codec"
	"github.com/terraskye/eventcore/eventbus"
)

// readPage is the number of rows ReadAll fetches per query.
const readPage = 256

type Store struct {
	db     *sql.DB
	codec  codec.Codec
	logger *slog.Logger

	writeMu sync.Mutex
	bus     *eventbus.Bus
	closed  atomic.Bool

	stopFollow context.CancelFunc
	following  sync.WaitGroup
}

type Option func(*options)

type options struct {
	codec        codec.Codec
	backpressure cqrs.Backpressure
	logger       *slog.Logger
	follow       time.Duration
}

// WithCodec sets the codec for event payloads. Defaults to a JSON codec over
// the default event registry.
func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithBackpressure sets the default backpressure of subscriptions.
func WithBackpressure(b cqrs.Backpressure) Option {
	return func(o *options) { o.backpressure = b }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithFollow polls the log every interval for events appended by other
// processes and publishes them to subscriptions. Off by default.
func WithFollow(interval time.Duration) Option {
	return func(o *options) { o.follow = interval }
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
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

	db, err := openSQLite(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	var head uint64
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(global_position), 0) FROM events`).Scan(&head); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("read head: %w", err)
	}

	s := &Store{
		db:     db,
		codec:  o.codec,
		logger: o.logger.With(slog.String("component", "eventstore.sqlite")),
	}
	s.bus = eventbus.New(s, o.backpressure, eventbus.WithLogger(o.logger), eventbus.WithHead(head))

	if o.follow > 0 {
		followCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		s.stopFollow = cancel
		s.following.Add(1)
		go func() {
			defer s.following.Done()
			s.bus.Follow(followCtx, o.follow, nil)
		}()
	}
	return s, nil
}

func openSQLite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: pragmas apply to it and writers never race for the
	// database lock.
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

// DB exposes the underlying database, for tests and tooling.
func (s *Store) DB() *sql.DB {
	return s.db
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

	type encoded struct {
		typ      string
		payload  []byte
		metadata []byte
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return cqrs.AppendResult{}, s.wrap("append", streamID, 0, err)
	}
	defer tx.Rollback()

	var current cqrs.Version
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM events WHERE stream_id = ?`, streamID).Scan(&current); err != nil {
		return cqrs.AppendResult{}, s.wrap("append", streamID, 0, err)
	}
	if !expected.Check(current) {
		return cqrs.AppendResult{StreamID: streamID, NextExpectedVersion: current}, &cqrs.ConcurrencyConflictError{
			StreamID: streamID,
			Expected: expected,
			Actual:   current,
		}
	}

	envs := cqrs.NewAppendConfig(opts...).Envelopes(streamID, current, events)
	rows := make([]encoded, len(envs))
	for i, env := range envs {
		typ, payload, err := s.codec.Marshal(env.Event)
		if err != nil {
			return cqrs.AppendResult{}, cqrs.WrapEventStoreError("append", streamID, env.Version, err)
		}
		md, err := codec.MarshalMetadata(env.Metadata)
		if err != nil {
			return cqrs.AppendResult{}, cqrs.WrapEventStoreError("append", streamID, env.Version, err)
		}
		rows[i] = encoded{typ: typ, payload: payload, metadata: md}
	}

	for i, env := range envs {
		res, err := tx.ExecContext(ctx, `
INSERT INTO events(stream_id, version, event_id, event_type, payload, metadata, occurred_at_utc_ns)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			streamID, int64(env.Version), env.EventID.String(), rows[i].typ, string(rows[i].payload),
			nullableText(rows[i].metadata), env.OccurredAt.UTC().UnixNano())
		if err != nil {
			if isUniqueViolation(err) {
				return cqrs.AppendResult{}, &cqrs.ConcurrencyConflictError{StreamID: streamID, Expected: expected, Actual: env.Version}
			}
			return cqrs.AppendResult{}, s.wrap("append", streamID, env.Version, err)
		}
		pos, err := res.LastInsertId()
		if err != nil {
			return cqrs.AppendResult{}, s.wrap("append", streamID, env.Version, err)
		}
		env.GlobalVersion = uint64(pos)
	}

	// Commit point.
	if err := ctx.Err(); err != nil {
		return cqrs.AppendResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return cqrs.AppendResult{}, s.wrap("append", streamID, current, err)
	}

	s.bus.Publish(envs...)

	last := envs[len(envs)-1]
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

// ReadStream loads the whole requested range before returning so the
// iterator does not hold the connection.
func (s *Store) ReadStream(ctx context.Context, streamID string, from cqrs.Version) (*cqrs.Iterator[*cqrs.Envelope], error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT global_position, stream_id, version, event_id, event_type, payload, metadata, occurred_at_utc_ns
FROM events WHERE stream_id = ? AND version >= ? ORDER BY version`, streamID, int64(from))
	if err != nil {
		return nil, s.wrap("read stream", streamID, from, err)
	}
	envs, err := s.scanAll(rows)
	if err != nil {
		return nil, s.wrap("read stream", streamID, from, err)
	}
	return cqrs.NewSliceIterator(envs), nil
}

func (s *Store) CurrentVersion(ctx context.Context, streamID string) (cqrs.Version, error) {
	var v cqrs.Version
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM events WHERE stream_id = ?`, streamID).Scan(&v)
	if err != nil {
		return 0, s.wrap("current version", streamID, 0, err)
	}
	return v, nil
}

// ReadAll pages through the global log up to the last position committed
// when it was called.
func (s *Store) ReadAll(ctx context.Context, from uint64) (*cqrs.Iterator[*cqrs.Envelope], error) {
	var head uint64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(global_position), 0) FROM events`).Scan(&head); err != nil {
		return nil, s.wrap("read all", "", 0, err)
	}

	next := from
	var page []*cqrs.Envelope
	return cqrs.NewIteratorFunc(func(ctx context.Context) (*cqrs.Envelope, error) {
		if len(page) == 0 {
			if next > head {
				return nil, io.EOF
			}
			rows, err := s.db.QueryContext(ctx, `
SELECT global_position, stream_id, version, event_id, event_type, payload, metadata, occurred_at_utc_ns
FROM events WHERE global_position >= ? AND global_position <= ? ORDER BY global_position LIMIT ?`,
				int64(next), int64(head), readPage)
			if err != nil {
				return nil, s.wrap("read all", "", 0, err)
			}
			page, err = s.scanAll(rows)
			if err != nil {
				return nil, s.wrap("read all", "", 0, err)
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
// last event committed to the file, whichever Store appended it.
func (s *Store) Subscribe(ctx context.Context, opts ...cqrs.SubscribeOption) (cqrs.Subscription, error) {
	if s.closed.Load() {
		return nil, cqrs.ErrStoreClosed
	}
	if cqrs.NewSubscribeConfig(opts...).FromNow {
		if _, err := s.bus.Sync(ctx); err != nil {
			return nil, s.wrap("subscribe", "", 0, err)
		}
	}
	return s.bus.Subscribe(ctx, opts...)
}

// Close stops following, then closes every subscription and the database.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.stopFollow != nil {
		s.stopFollow()
		s.following.Wait()
	}
	return errors.Join(s.bus.Close(), s.db.Close())
}

func (s *Store) scanAll(rows *sql.Rows) ([]*cqrs.Envelope, error) {
	defer rows.Close()
	var out []*cqrs.Envelope
	for rows.Next() {
		var (
			env        cqrs.Envelope
			pos        int64
			version    int64
			eventID    string
			eventType  string
			payload    string
			metadata   sql.NullString
			occurredAt int64
		)
		if err := rows.Scan(&pos, &env.StreamID, &version, &eventID, &eventType, &payload, &metadata, &occurredAt); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(eventID)
		if err != nil {
			return nil, fmt.Errorf("event %d: parse id: %w", pos, err)
		}
		ev, err := s.codec.Unmarshal(eventType, []byte(payload))
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", pos, err)
		}
		md, err := codec.UnmarshalMetadata([]byte(metadata.String))
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", pos, err)
		}
		env.GlobalVersion = uint64(pos)
		env.Version = cqrs.Version(version)
		env.EventID = id
		env.Event = ev
		env.Metadata = md
		env.OccurredAt = time.Unix(0, occurredAt).UTC()
		out = append(out, &env)
	}
	return out, rows.Err()
}

// wrap adds context to a driver error and marks connectivity failures as
// ErrBackendUnavailable.
func (s *Store) wrap(op, streamID string, version cqrs.Version, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isUnavailable(err) {
		err = fmt.Errorf("%w: %w", cqrs.ErrBackendUnavailable, err)
	}
	return cqrs.WrapEventStoreError(op, streamID, version, err)
}

func isUnavailable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_FULL:
		return true
	}
	return false
}

func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || serr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

var _ cqrs.EventStore = (*Store)(nil)
