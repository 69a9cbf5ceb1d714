// Package storetest is the behavior every EventStore implementation must
// show. Backends run it from their own tests:
//
//	func TestConformance(t *testing.T) {
//	    storetest.Run(t, func(t *testing.T) eventcore.EventStore { return newStore(t) })
//	}
//
// Stores must be able to decode the fixtures cart events.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	es "github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/fixtures"
)

// Factory returns an empty store. The store is closed by the suite.
type Factory func(t *testing.T) es.EventStore

// Run runs the whole suite against stores created by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, store es.EventStore)
	}{
		{"AppendAndRead", testAppendAndRead},
		{"ReadFromOffsets", testReadFromOffsets},
		{"CurrentVersionOfUnknownStream", testCurrentVersionUnknown},
		{"ExpectedStates", testExpectedStates},
		{"ConflictWritesNothing", testConflictWritesNothing},
		{"EmptyBatch", testEmptyBatch},
		{"ConcurrentAppendsOneWins", testConcurrentAppendsOneWins},
		{"GlobalOrderAcrossStreams", testGlobalOrder},
		{"Metadata", testMetadata},
		{"CancelledContext", testCancelledContext},
		{"ReadIsRestartable", testReadIsRestartable},
		{"SubscribeCatchUp", testSubscribeCatchUp},
		{"SubscribeFromNow", testSubscribeFromNow},
		{"SubscribeFromCheckpoint", testSubscribeFromCheckpoint},
		{"SubscriptionClosedByStore", testSubscriptionClosedByStore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			t.Cleanup(func() { _ = store.Close() })
			tt.fn(t, store)
		})
	}
}

func ctxWithTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func readStream(t *testing.T, store es.EventStore, streamID string, from es.Version) []*es.Envelope {
	t.Helper()
	ctx := ctxWithTimeout(t)
	iter, err := store.ReadStream(ctx, streamID, from)
	require.NoError(t, err)
	envs, err := iter.All(ctx)
	require.NoError(t, err)
	return envs
}

func readAll(t *testing.T, store es.EventStore, from uint64) []*es.Envelope {
	t.Helper()
	ctx := ctxWithTimeout(t)
	iter, err := store.ReadAll(ctx, from)
	require.NoError(t, err)
	envs, err := iter.All(ctx)
	require.NoError(t, err)
	return envs
}

func cartEvents(cartID string) []es.Event {
	return fixtures.CartEvents(
		fixtures.CartCreated{CartID: cartID, CustomerID: "c-1"},
		fixtures.ItemAdded{CartID: cartID, SKU: "sku-1", Quantity: 1},
		fixtures.ItemAdded{CartID: cartID, SKU: "sku-2", Quantity: 2},
	)
}

func testAppendAndRead(t *testing.T, store es.EventStore) {
	ctx := ctxWithTimeout(t)

	result, err := store.Append(ctx, "cart-1", es.NoStream{}, cartEvents("cart-1"))
	require.NoError(t, err)
	assert.True(t, result.Successful)
	assert.Equal(t, "cart-1", result.StreamID)
	assert.Equal(t, es.Version(3), result.NextExpectedVersion)
	assert.Equal(t, uint64(3), result.GlobalVersion)
	require.Len(t, result.Envelopes, 3)

	envs := readStream(t, store, "cart-1", 0)
	require.Len(t, envs, 3)
	for i, env := range envs {
		assert.Equal(t, es.Version(i+1), env.Version)
		assert.Equal(t, uint64(i+1), env.GlobalVersion)
		assert.Equal(t, "cart-1", env.StreamID)
		assert.NotZero(t, env.EventID)
		assert.False(t, env.OccurredAt.IsZero())
		assert.Equal(t, result.Envelopes[i].EventID, env.EventID)
	}
	assert.Equal(t, fixtures.ItemAdded{CartID: "cart-1", SKU: "sku-2", Quantity: 2}, envs[2].Event)

	version, err := store.CurrentVersion(ctx, "cart-1")
	require.NoError(t, err)
	assert.Equal(t, es.Version(3), version)
}

func testReadFromOffsets(t *testing.T, store es.EventStore) {
	ctx := ctxWithTimeout(t)
	_, err := store.Append(ctx, "cart-1", es.NoStream{}, cartEvents("cart-1"))
	require.NoError(t, err)

	tests := []struct {
		from es.Version
		want []es.Version
	}{
		{from: 0, want: []es.Version{1, 2, 3}},
		{from: 1, want: []es.Version{1, 2, 3}},
		{from: 2, want: []es.Version{2, 3}},
		{from: 3, want: []es.Version{3}},
		{from: 4, want: nil},
		{from: 100, want: nil},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("from %d", tt.from), func(t *testing.T) {
			var got []es.Version
			for _, env := range readStream(t, store, "cart-1", tt.from) {
				got = append(got, env.Version)
			}
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Empty(t, readStream(t, store, "missing", 0))
}

func testCurrentVersionUnknown(t *testing.T, store es.EventStore) {
	version, err := store.CurrentVersion(ctxWithTimeout(t), "never-written")
	require.NoError(t, err)
	assert.Equal(t, es.Version(0), version)
}

func testExpectedStates(t *testing.T, store es.EventStore) {
	ctx := ctxWithTimeout(t)
	one := fixtures.CartEvents(fixtures.CartCreated{CartID: "cart-1"})

	_, err := store.Append(ctx, "cart-1", es.StreamExists{}, one)
	assert.ErrorIs(t, err, es.ErrConcurrencyConflict, "StreamExists on empty stream")

	_, err = store.Append(ctx, "cart-1", es.Revision(1), one)
	assert.ErrorIs(t, err, es.ErrConcurrencyConflict, "Revision(1) on empty stream")

	_, err = store.Append(ctx, "cart-1", es.Revision(0), one)
	require.NoError(t, err, "Revision(0) on empty stream")

	_, err = store.Append(ctx, "cart-1", es.NoStream{}, one)
	assert.ErrorIs(t, err, es.ErrConcurrencyConflict, "NoStream on existing stream")

	_, err = store.Append(ctx, "cart-1", es.StreamExists{}, one)
	require.NoError(t, err, "StreamExists on existing stream")

	result, err := store.Append(ctx, "cart-1", es.Any{}, one)
	require.NoError(t, err, "Any")
	assert.Equal(t, es.Version(3), result.NextExpectedVersion)
}

func testConflictWritesNothing(t *testing.T, store es.EventStore) {
	ctx := ctxWithTimeout(t)
	_, err := store.Append(ctx, "cart-1", es.NoStream{}, cartEvents("cart-1"))
	require.NoError(t, err)

	_, err = store.Append(ctx, "cart-1", es.Revision(1), fixtures.CartEvents(fixtures.CartCheckedOut{CartID: "cart-1"}))
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)

	var conflict *es.ConcurrencyConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "cart-1", conflict.StreamID)
	assert.Equal(t, es.Revision(1), conflict.Expected)
	assert.Equal(t, es.Version(3), conflict.Actual)

	assert.Len(t, readStream(t, store, "cart-1", 0), 3)
	assert.Len(t, readAll(t, store, 0), 3)
}

func testEmptyBatch(t *testing.T, store es.EventStore) {
	_, err := store.Append(ctxWithTimeout(t), "cart-1", es.Any{}, nil)
	require.ErrorIs(t, err, es.ErrEmptyEventBatch)
}

func testConcurrentAppendsOneWins(t *testing.T, store es.EventStore) {
	ctx := ctxWithTimeout(t)
	_, err := store.Append(ctx, "cart-1", es.NoStream{}, cartEvents("cart-1"))
	require.NoError(t, err)

	const writers = 8
	errs := make([]error, writers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = store.Append(ctx, "cart-1", es.Revision(3), fixtures.CartEvents(
				fixtures.ItemAdded{CartID: "cart-1", SKU: fmt.Sprintf("w-%d", i), Quantity: 1},
				fixtures.ItemAdded{CartID: "cart-1", SKU: fmt.Sprintf("w-%d", i), Quantity: 1},
			))
		}(i)
	}
	close(start)
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var conflict *es.ConcurrencyConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, es.Revision(3), conflict.Expected)
		assert.Equal(t, es.Version(5), conflict.Actual)
	}
	assert.Equal(t, 1, wins)

	version, err := store.CurrentVersion(ctx, "cart-1")
	require.NoError(t, err)
	assert.Equal(t, es.Version(5), version)
}

func testGlobalOrder(t *testing.T, store es.EventStore) {
	ctx := ctxWithTimeout(t)
	const streams, perStream = 6, 10

	var wg sync.WaitGroup
	errs := make(chan error, streams)
	for s := 0; s < streams; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			id := fmt.Sprintf("cart-%d", s)
			for i := 0; i < perStream; i++ {
				_, err := store.Append(ctx, id, es.Revision(i), fixtures.CartEvents(
					fixtures.ItemAdded{CartID: id, SKU: fmt.Sprintf("sku-%d", i), Quantity: 1},
				))
				if err != nil {
					errs <- err
					return
				}
			}
		}(s)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	all := readAll(t, store, 0)
	require.Len(t, all, streams*perStream)
	last := map[string]es.Version{}
	for i, env := range all {
		assert.Equal(t, uint64(i+1), env.GlobalVersion)
		assert.Equal(t, last[env.StreamID]+1, env.Version, "stream %s out of order", env.StreamID)
		last[env.StreamID] = env.Version
	}

	tail := readAll(t, store, 51)
	require.Len(t, tail, 10)
	assert.Equal(t, uint64(51), tail[0].GlobalVersion)
}

func testMetadata(t *testing.T, store es.EventStore) {
	ctx := ctxWithTimeout(t)
	_, err := store.Append(ctx, "cart-1", es.NoStream{}, cartEvents("cart-1")[:1],
		es.WithCorrelationID("corr-1"),
		es.WithCausationID("cause-1"),
		es.WithMetadata(map[string]any{"user": "alice"}),
	)
	require.NoError(t, err)

	envs := readStream(t, store, "cart-1", 0)
	require.Len(t, envs, 1)
	assert.Equal(t, "corr-1", envs[0].Metadata[es.MetadataCorrelationID])
	assert.Equal(t, "cause-1", envs[0].Metadata[es.MetadataCausationID])
	assert.Equal(t, "alice", envs[0].Metadata["user"])
}

func testCancelledContext(t *testing.T, store es.EventStore) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := store.Append(ctx, "cart-1", es.Any{}, cartEvents("cart-1"))
	require.ErrorIs(t, err, context.Canceled)

	version, err := store.CurrentVersion(ctxWithTimeout(t), "cart-1")
	require.NoError(t, err)
	assert.Equal(t, es.Version(0), version)
}

func testReadIsRestartable(t *testing.T, store es.EventStore) {
	ctx := ctxWithTimeout(t)
	_, err := store.Append(ctx, "cart-1", es.NoStream{}, cartEvents("cart-1"))
	require.NoError(t, err)

	iter, err := store.ReadStream(ctx, "cart-1", 0)
	require.NoError(t, err)
	require.True(t, iter.Next(ctx))

	// A later append is not visible to the open iterator's snapshot but is to a
	// new read.
	_, err = store.Append(ctx, "cart-1", es.Revision(3), fixtures.CartEvents(fixtures.CartCheckedOut{CartID: "cart-1"}))
	require.NoError(t, err)

	first := readStream(t, store, "cart-1", 0)
	second := readStream(t, store, "cart-1", 0)
	assert.Len(t, first, 4)
	assert.Equal(t, first, second)
}

func recvN(t *testing.T, sub es.Subscription, n int) []*es.Envelope {
	t.Helper()
	ctx := ctxWithTimeout(t)
	out := make([]*es.Envelope, 0, n)
	for len(out) < n {
		env, err := sub.Recv(ctx)
		require.NoError(t, err, "after %d envelopes", len(out))
		out = append(out, env)
	}
	return out
}

func assertNoMore(t *testing.T, sub es.Subscription) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	env, err := sub.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "unexpected envelope %+v", env)
}

func testSubscribeCatchUp(t *testing.T, store es.EventStore) {
	ctx := ctxWithTimeout(t)
	for i := 0; i < 5; i++ {
		_, err := store.Append(ctx, fmt.Sprintf("cart-%d", i), es.NoStream{}, cartEvents(fmt.Sprintf("cart-%d", i))[:1])
		require.NoError(t, err)
	}

	sub, err := store.Subscribe(ctx, es.FromBeginning(), es.WithSubscriptionName("catch-up"))
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, "catch-up", sub.Name())

	done := make(chan error, 1)
	go func() {
		for i := 5; i < 12; i++ {
			if _, err := store.Append(ctx, fmt.Sprintf("cart-%d", i), es.NoStream{}, cartEvents(fmt.Sprintf("cart-%d", i))[:1]); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	envs := recvN(t, sub, 12)
	require.NoError(t, <-done)
	for i, env := range envs {
		assert.Equal(t, uint64(i+1), env.GlobalVersion)
	}
	assert.Equal(t, uint64(12), sub.Checkpoint())
	assertNoMore(t, sub)
	assert.Equal(t, es.SubscriptionLive, sub.State())
}

func testSubscribeFromNow(t *testing.T, store es.EventStore) {
	ctx := ctxWithTimeout(t)
	_, err := store.Append(ctx, "cart-1", es.NoStream{}, cartEvents("cart-1"))
	require.NoError(t, err)

	sub, err := store.Subscribe(ctx, es.FromNow())
	require.NoError(t, err)
	defer sub.Close()

	_, err = store.Append(ctx, "cart-2", es.NoStream{}, cartEvents("cart-2")[:1])
	require.NoError(t, err)

	envs := recvN(t, sub, 1)
	assert.Equal(t, "cart-2", envs[0].StreamID)
	assert.Equal(t, uint64(4), envs[0].GlobalVersion)
	assertNoMore(t, sub)
}

func testSubscribeFromCheckpoint(t *testing.T, store es.EventStore) {
	ctx := ctxWithTimeout(t)
	_, err := store.Append(ctx, "cart-1", es.NoStream{}, cartEvents("cart-1"))
	require.NoError(t, err)

	sub, err := store.Subscribe(ctx, es.FromCheckpoint(2))
	require.NoError(t, err)
	defer sub.Close()

	envs := recvN(t, sub, 1)
	assert.Equal(t, uint64(3), envs[0].GlobalVersion)
	assertNoMore(t, sub)
}

func testSubscriptionClosedByStore(t *testing.T, store es.EventStore) {
	ctx := ctxWithTimeout(t)
	sub, err := store.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, store.Close())
	_, err = sub.Recv(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, es.ErrSubscriptionClosed))
	assert.Equal(t, es.SubscriptionClosed, sub.State())
}
