package sqlite_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cqrs "github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/codec"
	"github.com/terraskye/eventcore/eventstore/sqlite"
	"github.com/terraskye/eventcore/eventstore/storetest"
	"github.com/terraskye/eventcore/fixtures"
)

func cartCodec() codec.Codec {
	r := cqrs.NewRegistry()
	fixtures.RegisterCartEvents(r)
	return codec.NewJSON(r)
}

func openStore(t *testing.T, path string, opts ...sqlite.Option) *sqlite.Store {
	t.Helper()
	opts = append([]sqlite.Option{sqlite.WithCodec(cartCodec())}, opts...)
	store, err := sqlite.Open(t.Context(), path, opts...)
	require.NoError(t, err)
	return store
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) cqrs.EventStore {
		return openStore(t, filepath.Join(t.TempDir(), "events.db"))
	})
}

func TestConformance_Bounded(t *testing.T) {
	storetest.Run(t, func(t *testing.T) cqrs.EventStore {
		return openStore(t, filepath.Join(t.TempDir(), "events.db"), sqlite.WithBackpressure(cqrs.Bounded(1)))
	})
}

func TestEventsAreAppendOnlyViaTriggers(t *testing.T) {
	ctx := t.Context()
	store := openStore(t, filepath.Join(t.TempDir(), "events.db"))
	defer store.Close()

	_, err := store.Append(ctx, "cart-1", cqrs.NoStream{}, fixtures.CartEvents(fixtures.CartCreated{CartID: "cart-1"}))
	require.NoError(t, err)

	_, err = store.DB().ExecContext(ctx, `UPDATE events SET payload = '{}'`)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "append-only"), err.Error())

	_, err = store.DB().ExecContext(ctx, `DELETE FROM events`)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "append-only"), err.Error())
}

func TestReopenKeepsEventsAndPositions(t *testing.T) {
	ctx := t.Context()
	path := filepath.Join(t.TempDir(), "events.db")

	store := openStore(t, path)
	_, err := store.Append(ctx, "cart-1", cqrs.NoStream{}, fixtures.CartEvents(
		fixtures.CartCreated{CartID: "cart-1"},
		fixtures.ItemAdded{CartID: "cart-1", SKU: "sku-1", Quantity: 1},
	), cqrs.WithCorrelationID("corr-1"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store = openStore(t, path)
	defer store.Close()

	version, err := store.CurrentVersion(ctx, "cart-1")
	require.NoError(t, err)
	assert.Equal(t, cqrs.Version(2), version)

	result, err := store.Append(ctx, "cart-2", cqrs.NoStream{}, fixtures.CartEvents(fixtures.CartCreated{CartID: "cart-2"}))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), result.GlobalVersion)

	iter, err := store.ReadStream(ctx, "cart-1", 0)
	require.NoError(t, err)
	envs, err := iter.All(ctx)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, "corr-1", envs[1].Metadata[cqrs.MetadataCorrelationID])
}

func TestReadAll_Pages(t *testing.T) {
	ctx := t.Context()
	store := openStore(t, filepath.Join(t.TempDir(), "events.db"))
	defer store.Close()

	const total = 600
	events := make([]cqrs.Event, total)
	for i := range events {
		events[i] = fixtures.ItemAdded{CartID: "cart-1", SKU: "sku", Quantity: i + 1}
	}
	_, err := store.Append(ctx, "cart-1", cqrs.NoStream{}, events)
	require.NoError(t, err)

	iter, err := store.ReadAll(ctx, 10)
	require.NoError(t, err)
	envs, err := iter.All(ctx)
	require.NoError(t, err)
	require.Len(t, envs, total-9)
	for i, env := range envs {
		require.Equal(t, uint64(i+10), env.GlobalVersion)
	}
}

func TestUnknownEventTypeFailsRead(t *testing.T) {
	ctx := t.Context()
	store := openStore(t, filepath.Join(t.TempDir(), "events.db"))
	defer store.Close()

	_, err := store.Append(ctx, "misc", cqrs.NoStream{}, fixtures.TestEvents("Unregistered", 1))
	require.NoError(t, err)

	_, err = store.ReadStream(ctx, "misc", 0)
	require.ErrorIs(t, err, cqrs.ErrEventNotRegistered)
	var storeErr *cqrs.EventStoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "read stream", storeErr.Op)
}

func TestCheckpoints(t *testing.T) {
	ctx := t.Context()
	store := openStore(t, filepath.Join(t.TempDir(), "events.db"))
	defer store.Close()
	cps := store.Checkpoints()

	pos, err := cps.Load(ctx, "projector")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), pos)

	require.NoError(t, cps.Save(ctx, "projector", 7))
	require.NoError(t, cps.Save(ctx, "projector", 9))
	pos, err = cps.Load(ctx, "projector")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), pos)
}

func TestSnapshots(t *testing.T) {
	ctx := t.Context()
	store := openStore(t, filepath.Join(t.TempDir(), "events.db"))
	defer store.Close()
	snaps := store.Snapshots()

	_, ok, err := snaps.Load(ctx, "cart-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, snaps.Save(ctx, cqrs.Snapshot{StreamID: "cart-1", Version: 5, State: []byte(`{"v":5}`)}))
	require.NoError(t, snaps.Save(ctx, cqrs.Snapshot{StreamID: "cart-1", Version: 3, State: []byte(`{"v":3}`)}))

	snap, ok, err := snaps.Load(ctx, "cart-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cqrs.Version(5), snap.Version)
	assert.JSONEq(t, `{"v":5}`, string(snap.State))
}

func TestRepositoryWithSQLiteSnapshots(t *testing.T) {
	ctx := t.Context()
	store := openStore(t, filepath.Join(t.TempDir(), "events.db"))
	defer store.Close()

	repo := cqrs.NewRepository(store, fixtures.CartAggregate, cqrs.WithSnapshots(store.Snapshots(), 2))
	root, err := repo.Get(ctx, "cart-1")
	require.NoError(t, err)
	require.NoError(t, root.Record(
		fixtures.CartCreated{CartID: "cart-1"},
		fixtures.ItemAdded{CartID: "cart-1", SKU: "sku-1", Quantity: 1},
		fixtures.ItemAdded{CartID: "cart-1", SKU: "sku-2", Quantity: 1},
	))
	_, err = repo.Save(ctx, root)
	require.NoError(t, err)

	snap, ok, err := store.Snapshots().Load(ctx, "cart-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cqrs.Version(3), snap.Version)

	loaded, err := repo.Get(ctx, "cart-1")
	require.NoError(t, err)
	assert.Equal(t, root.State(), loaded.State())
	assert.Equal(t, cqrs.Version(3), loaded.Version())
}

func TestReadAll_CancelledContext(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "events.db"))
	defer store.Close()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := store.ReadAll(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)
}

func recvWithin(t *testing.T, sub cqrs.Subscription) *cqrs.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	env, err := sub.Recv(ctx)
	require.NoError(t, err)
	return env
}

func TestReopen_FromNowSkipsHistory(t *testing.T) {
	ctx := t.Context()
	path := filepath.Join(t.TempDir(), "events.db")

	store := openStore(t, path)
	_, err := store.Append(ctx, "old", cqrs.NoStream{}, fixtures.CartEvents(fixtures.CartCreated{CartID: "old"}))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store = openStore(t, path)
	defer store.Close()

	sub, err := store.Subscribe(ctx, cqrs.FromNow(), cqrs.WithBackpressure(cqrs.Bounded(1)))
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, uint64(1), sub.Checkpoint())

	// Two appends overflow the buffer and force a resync from history.
	for _, id := range []string{"cart-2", "cart-3"} {
		_, err := store.Append(ctx, id, cqrs.NoStream{}, fixtures.CartEvents(fixtures.CartCreated{CartID: id}))
		require.NoError(t, err)
	}

	first := recvWithin(t, sub)
	assert.Equal(t, "cart-2", first.StreamID)
	assert.Equal(t, uint64(2), first.GlobalVersion)
	assert.Equal(t, "cart-3", recvWithin(t, sub).StreamID)
}

func TestFollow_DeliversOtherWriters(t *testing.T) {
	ctx := t.Context()
	path := filepath.Join(t.TempDir(), "events.db")

	writer := openStore(t, path)
	defer writer.Close()
	_, err := writer.Append(ctx, "cart-1", cqrs.NoStream{}, fixtures.CartEvents(fixtures.CartCreated{CartID: "cart-1"}))
	require.NoError(t, err)

	reader := openStore(t, path, sqlite.WithFollow(20*time.Millisecond))
	defer reader.Close()

	sub, err := reader.Subscribe(ctx, cqrs.FromCheckpoint(0))
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, uint64(1), recvWithin(t, sub).GlobalVersion)

	_, err = writer.Append(ctx, "cart-2", cqrs.NoStream{}, fixtures.CartEvents(fixtures.CartCreated{CartID: "cart-2"}))
	require.NoError(t, err)

	env := recvWithin(t, sub)
	assert.Equal(t, "cart-2", env.StreamID)
	assert.Equal(t, uint64(2), env.GlobalVersion)
}

func TestSubscribeFromNow_SeesOtherWritersHead(t *testing.T) {
	ctx := t.Context()
	path := filepath.Join(t.TempDir(), "events.db")

	reader := openStore(t, path)
	defer reader.Close()
	writer := openStore(t, path)
	defer writer.Close()

	_, err := writer.Append(ctx, "cart-1", cqrs.NoStream{}, fixtures.CartEvents(
		fixtures.CartCreated{CartID: "cart-1"},
		fixtures.ItemAdded{CartID: "cart-1", SKU: "sku-1", Quantity: 1},
	))
	require.NoError(t, err)

	sub, err := reader.Subscribe(ctx, cqrs.FromNow())
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, uint64(2), sub.Checkpoint())
}

func TestAppend_RevealsOtherWriters(t *testing.T) {
	ctx := t.Context()
	path := filepath.Join(t.TempDir(), "events.db")

	local := openStore(t, path)
	defer local.Close()
	other := openStore(t, path)
	defer other.Close()

	sub, err := local.Subscribe(ctx, cqrs.FromNow())
	require.NoError(t, err)
	defer sub.Close()

	_, err = other.Append(ctx, "cart-1", cqrs.NoStream{}, fixtures.CartEvents(fixtures.CartCreated{CartID: "cart-1"}))
	require.NoError(t, err)
	_, err = local.Append(ctx, "cart-2", cqrs.NoStream{}, fixtures.CartEvents(fixtures.CartCreated{CartID: "cart-2"}))
	require.NoError(t, err)

	assert.Equal(t, "cart-1", recvWithin(t, sub).StreamID)
	assert.Equal(t, "cart-2", recvWithin(t, sub).StreamID)
}
