package eventcore_test

import (
	"errors"
	"reflect"
	"testing"

	cqrs "github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/fixtures"
)

func TestRepositoryCartLifecycle(t *testing.T) {
	ctx := t.Context()
	store := fixtures.NewStoreSpy()
	repo := cqrs.NewRepository(store, fixtures.CartAggregate)

	root, err := repo.Get(ctx, "cart-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := root.Record(
		fixtures.CartCreated{CartID: "cart-1", CustomerID: "c-1"},
		fixtures.ItemAdded{CartID: "cart-1", SKU: "a", Quantity: 2},
	); err != nil {
		t.Fatalf("record: %v", err)
	}

	result, err := repo.Save(ctx, root)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !result.Successful || result.NextExpectedVersion != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
	if root.Version() != 2 || root.HasPending() {
		t.Fatalf("root not advanced: version %d, pending %v", root.Version(), root.Pending())
	}
	if _, ok := store.LastAppendExpected.(cqrs.Revision); !ok || store.LastAppendExpected.String() != "0" {
		t.Errorf("expected revision 0, got %v", store.LastAppendExpected)
	}

	// the same root records again without reloading
	if err := root.Record(fixtures.CartCheckedOut{CartID: "cart-1"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := repo.Save(ctx, root); err != nil {
		t.Fatalf("second save: %v", err)
	}

	reloaded, err := repo.GetExisting(ctx, "cart-1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Version() != 3 || !reloaded.State().CheckedOut {
		t.Fatalf("unexpected reloaded root: version %d, state %+v", reloaded.Version(), reloaded.State())
	}
}

func TestRepositorySaveWithoutPending(t *testing.T) {
	store := fixtures.NewStoreSpy()
	seedCart(t, store, "cart-1", fixtures.CartCreated{CartID: "cart-1"})
	repo := cqrs.NewRepository(store, fixtures.CartAggregate)

	root, err := repo.Get(t.Context(), "cart-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	result, err := repo.Save(t.Context(), root)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Successful || result.NextExpectedVersion != 1 {
		t.Errorf("unexpected result %+v", result)
	}
	if appends, _ := store.Calls(); appends != 0 {
		t.Errorf("expected no append, got %d", appends)
	}
}

func TestRepositoryGetExistingMissing(t *testing.T) {
	repo := cqrs.NewRepository(fixtures.NewStoreSpy(), fixtures.CartAggregate)

	_, err := repo.GetExisting(t.Context(), "cart-none")
	if !errors.Is(err, cqrs.ErrStreamNotFound) {
		t.Fatalf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestRepositoryConflictKeepsPending(t *testing.T) {
	ctx := t.Context()
	store := fixtures.NewStoreSpy()
	seedCart(t, store, "cart-1", fixtures.CartCreated{CartID: "cart-1"})
	repo := cqrs.NewRepository(store, fixtures.CartAggregate)

	root, err := repo.Get(ctx, "cart-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := root.Record(fixtures.ItemAdded{CartID: "cart-1", SKU: "a", Quantity: 1}); err != nil {
		t.Fatalf("record: %v", err)
	}

	// another writer moves the stream first
	seedCart(t, store, "cart-1", fixtures.ItemAdded{CartID: "cart-1", SKU: "b", Quantity: 1})

	_, err = repo.Save(ctx, root)
	if !errors.Is(err, cqrs.ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}

	var conflict *cqrs.ConcurrencyConflictError
	if !errors.As(err, &conflict) || conflict.Actual != 2 {
		t.Fatalf("expected conflict at actual version 2, got %v", err)
	}

	if root.Version() != 1 {
		t.Errorf("Version() = %d, want 1", root.Version())
	}
	if pending := root.Pending(); len(pending) != 1 || pending[0].EventType() != "ItemAdded" {
		t.Errorf("pending = %v, want the unsaved ItemAdded", pending)
	}

	version, err := store.CurrentVersion(ctx, "cart-1")
	if err != nil || version != 2 {
		t.Errorf("CurrentVersion() = %d, %v; want 2", version, err)
	}
}

func TestRepositoryStoreFailure(t *testing.T) {
	appendErr := errors.New("disk full")
	store := fixtures.NewStoreSpy().FailOnAppend(appendErr)
	repo := cqrs.NewRepository(store, fixtures.CartAggregate)

	root := cqrs.NewRoot(fixtures.CartAggregate, "cart-1")
	if err := root.Record(fixtures.CartCreated{CartID: "cart-1"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	if _, err := repo.Save(t.Context(), root); !errors.Is(err, appendErr) {
		t.Fatalf("expected %v, got %v", appendErr, err)
	}
	if !root.HasPending() {
		t.Error("expected pending events to be kept")
	}
}

func TestRepositoryCausationAndMetadata(t *testing.T) {
	store := fixtures.NewStoreSpy()
	repo := cqrs.NewRepository(store, fixtures.CartAggregate,
		cqrs.WithAppendOptions(cqrs.WithCorrelationID("corr-1")))

	root := cqrs.NewRoot(fixtures.CartAggregate, "cart-1")
	if err := root.Record(fixtures.CartCreated{CartID: "cart-1"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	ctx := cqrs.WithCausation(t.Context(), "cmd-1")
	result, err := repo.Save(ctx, root, cqrs.WithMetadata(map[string]any{"user": "u-1"}))
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	env := result.Envelopes[0]
	if got := env.Metadata[cqrs.MetadataCausationID]; got != "cmd-1" {
		t.Errorf("causation = %v, want cmd-1", got)
	}
	if got := env.Metadata[cqrs.MetadataCorrelationID]; got != "corr-1" {
		t.Errorf("correlation = %v, want corr-1", got)
	}
	if env.Metadata["user"] != "u-1" {
		t.Errorf("Metadata = %v", env.Metadata)
	}
}

func TestRepositorySnapshots(t *testing.T) {
	ctx := t.Context()
	store := fixtures.NewStoreSpy()
	snapshots := cqrs.NewMemorySnapshotStore()
	repo := cqrs.NewRepository(store, fixtures.CartAggregate, cqrs.WithSnapshots(snapshots, 2))

	root := cqrs.NewRoot(fixtures.CartAggregate, "cart-1")
	if err := root.Record(
		fixtures.CartCreated{CartID: "cart-1"},
		fixtures.ItemAdded{CartID: "cart-1", SKU: "a", Quantity: 1},
	); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := repo.Save(ctx, root); err != nil {
		t.Fatalf("save: %v", err)
	}

	snap, ok, err := snapshots.Load(ctx, "cart-1")
	if err != nil || !ok {
		t.Fatalf("expected a snapshot, got ok=%v err=%v", ok, err)
	}
	if snap.Version != 2 {
		t.Fatalf("snapshot version = %d, want 2", snap.Version)
	}

	seedCart(t, store, "cart-1", fixtures.ItemAdded{CartID: "cart-1", SKU: "b", Quantity: 4})

	loaded, err := repo.Get(ctx, "cart-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if store.LastReadFrom != 3 {
		t.Errorf("expected replay to start after the snapshot, read from %d", store.LastReadFrom)
	}
	if loaded.Version() != 3 || loaded.State().Items["a"] != 1 || loaded.State().Items["b"] != 4 {
		t.Errorf("unexpected root: version %d, state %+v", loaded.Version(), loaded.State())
	}
}

func TestRepositoryCorruptSnapshotReplays(t *testing.T) {
	ctx := t.Context()
	store := fixtures.NewStoreSpy()
	seedCart(t, store, "cart-1",
		fixtures.CartCreated{CartID: "cart-1"},
		fixtures.ItemAdded{CartID: "cart-1", SKU: "a", Quantity: 1},
	)
	snapshots := cqrs.NewMemorySnapshotStore()
	if err := snapshots.Save(ctx, cqrs.Snapshot{StreamID: "cart-1", Version: 2, State: []byte("{not json")}); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	repo := cqrs.NewRepository(store, fixtures.CartAggregate, cqrs.WithSnapshots(snapshots, 10))

	root, err := repo.Get(ctx, "cart-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if store.LastReadFrom != 1 {
		t.Errorf("expected a full replay, read from %d", store.LastReadFrom)
	}
	if root.Version() != 2 || root.State().Items["a"] != 1 {
		t.Errorf("unexpected root: version %d, state %+v", root.Version(), root.State())
	}
}

func TestCartScenario(t *testing.T) {
	ctx := t.Context()
	store := fixtures.NewStoreSpy()

	result, err := store.Append(ctx, "cart-1", cqrs.Revision(0),
		fixtures.CartEvents(fixtures.ItemAdded{CartID: "cart-1", SKU: "7", Quantity: 1}))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if result.NextExpectedVersion != 1 {
		t.Fatalf("NextExpectedVersion = %d, want 1", result.NextExpectedVersion)
	}

	root, err := cqrs.NewRepository(store, fixtures.CartAggregate).Get(ctx, "cart-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if root.Version() != 1 || len(root.State().Items) != 1 || root.State().Items["7"] != 1 {
		t.Fatalf("unexpected root: version %d, state %+v", root.Version(), root.State())
	}

	// a second actor still believes the stream is empty
	_, err = store.Append(ctx, "cart-1", cqrs.Revision(0),
		fixtures.CartEvents(fixtures.ItemAdded{CartID: "cart-1", SKU: "8", Quantity: 1}))
	var conflict *cqrs.ConcurrencyConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected a ConcurrencyConflictError, got %v", err)
	}
	if conflict.Expected.String() != "0" || conflict.Actual != 1 {
		t.Fatalf("conflict = {expected %s, actual %d}, want {expected 0, actual 1}", conflict.Expected, conflict.Actual)
	}
}

func TestReplayIsDeterministic(t *testing.T) {
	store := fixtures.NewStoreSpy()
	seedCart(t, store, "cart-1",
		fixtures.CartCreated{CartID: "cart-1", CustomerID: "c-1"},
		fixtures.ItemAdded{CartID: "cart-1", SKU: "a", Quantity: 2},
		fixtures.ItemAdded{CartID: "cart-1", SKU: "a", Quantity: 1},
		fixtures.ItemAdded{CartID: "cart-1", SKU: "b", Quantity: 5},
		fixtures.ItemRemoved{CartID: "cart-1", SKU: "b"},
	)
	repo := cqrs.NewRepository(store, fixtures.CartAggregate)

	first, err := repo.Get(t.Context(), "cart-1")
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	second, err := repo.Get(t.Context(), "cart-1")
	if err != nil {
		t.Fatalf("second load: %v", err)
	}

	if !reflect.DeepEqual(first.State(), second.State()) || first.Version() != second.Version() {
		t.Fatalf("replays differ: %+v@%d vs %+v@%d", first.State(), first.Version(), second.State(), second.Version())
	}
	if first.State().Items["a"] != 3 {
		t.Fatalf("Items = %v, want a:3", first.State().Items)
	}
}
