package localstore

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/usedtobeme/docsync/internal/model"
	"github.com/usedtobeme/docsync/internal/persistence"
)

func newTestStore(t *testing.T) (*LocalStore, *persistence.DB) {
	t.Helper()

	db := setupTestDB(t)
	store := New(db, nil, log.New(io.Discard, "", 0))
	if err := store.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start local store: %v", err)
	}
	return store, db
}

func setMutation(key model.DocumentKey, fields map[string]any) model.Mutation {
	return model.Mutation{Kind: model.MutationSet, Key: key, Fields: fields}
}

func TestWriteShowsLocalMutations(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, err := store.Write(ctx, []model.Mutation{
		setMutation("rooms/a", map[string]any{"title": "draft"}),
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if id <= 0 {
		t.Errorf("batch id = %d, want positive", id)
	}

	docs, err := store.ExecuteQuery(ctx, model.NewQuery("rooms"))
	if err != nil {
		t.Fatalf("ExecuteQuery failed: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("got %d documents, want 1", len(docs))
	}
	if !docs[0].HasLocalMutations {
		t.Error("HasLocalMutations = false for an unconfirmed write")
	}
	if docs[0].Fields["title"] != "draft" {
		t.Errorf("title = %v, want draft", docs[0].Fields["title"])
	}
	if store.OutstandingWrites() != 1 {
		t.Errorf("OutstandingWrites = %d, want 1", store.OutstandingWrites())
	}
}

func TestWriteFailsAtomicallyWhenUnhealthy(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	db.SetHealthy(false)
	_, err := store.Write(ctx, []model.Mutation{
		setMutation("rooms/a", map[string]any{"title": "lost"}),
	})
	if !persistence.IsUnavailable(err) {
		t.Fatalf("Write error = %v, want ErrUnavailable", err)
	}

	// Nothing may have leaked into the overlay or the queue.
	if store.OutstandingWrites() != 0 {
		t.Errorf("OutstandingWrites = %d after failed write, want 0", store.OutstandingWrites())
	}
	docs, err := store.ExecuteQuery(ctx, model.NewQuery("rooms"))
	if err != nil {
		t.Fatalf("ExecuteQuery failed: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("failed write produced %d visible documents", len(docs))
	}

	// The write succeeds unchanged once the store recovers.
	db.SetHealthy(true)
	if _, err := store.Write(ctx, []model.Mutation{
		setMutation("rooms/a", map[string]any{"title": "kept"}),
	}); err != nil {
		t.Fatalf("Write after recovery failed: %v", err)
	}
	if store.OutstandingWrites() != 1 {
		t.Errorf("OutstandingWrites = %d, want 1", store.OutstandingWrites())
	}
}

func TestAcknowledgeBatchConfirmsDocuments(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, err := store.Write(ctx, []model.Mutation{
		setMutation("rooms/a", map[string]any{"title": "v1"}),
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	keys, err := store.AcknowledgeBatch(ctx, id, []model.SnapshotVersion{42})
	if err != nil {
		t.Fatalf("AcknowledgeBatch failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != "rooms/a" {
		t.Errorf("keys = %v, want [rooms/a]", keys)
	}
	if store.OutstandingWrites() != 0 {
		t.Errorf("OutstandingWrites = %d after ack, want 0", store.OutstandingWrites())
	}

	docs, err := store.ExecuteQuery(ctx, model.NewQuery("rooms"))
	if err != nil {
		t.Fatalf("ExecuteQuery failed: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("got %d documents, want 1", len(docs))
	}
	if docs[0].HasLocalMutations {
		t.Error("HasLocalMutations = true after acknowledgment")
	}
	if docs[0].Version != 42 {
		t.Errorf("Version = %d, want server-assigned 42", docs[0].Version)
	}
}

func TestAcknowledgeBatchFailureKeepsPending(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	id, err := store.Write(ctx, []model.Mutation{
		setMutation("rooms/a", map[string]any{"title": "v1"}),
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	db.SetHealthy(false)
	if _, err := store.AcknowledgeBatch(ctx, id, []model.SnapshotVersion{42}); !persistence.IsUnavailable(err) {
		t.Fatalf("AcknowledgeBatch error = %v, want ErrUnavailable", err)
	}

	// The batch must still be pending so the ack can be re-delivered.
	if store.OutstandingWrites() != 1 {
		t.Errorf("OutstandingWrites = %d after failed ack, want 1", store.OutstandingWrites())
	}
	docs, err := store.ExecuteQuery(ctx, model.NewQuery("rooms"))
	if err != nil {
		t.Fatalf("ExecuteQuery failed: %v", err)
	}
	if len(docs) != 1 || !docs[0].HasLocalMutations {
		t.Error("optimistic overlay lost after failed acknowledgment")
	}

	// Re-delivery after recovery succeeds.
	db.SetHealthy(true)
	if _, err := store.AcknowledgeBatch(ctx, id, []model.SnapshotVersion{42}); err != nil {
		t.Fatalf("re-delivered AcknowledgeBatch failed: %v", err)
	}
	if store.OutstandingWrites() != 0 {
		t.Errorf("OutstandingWrites = %d, want 0", store.OutstandingWrites())
	}
}

func TestRejectBatchDropsOverlayOnly(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	// Seed a confirmed document, then write a rejected change over it.
	seedID, err := store.Write(ctx, []model.Mutation{
		setMutation("rooms/a", map[string]any{"title": "confirmed"}),
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := store.AcknowledgeBatch(ctx, seedID, []model.SnapshotVersion{1}); err != nil {
		t.Fatalf("AcknowledgeBatch failed: %v", err)
	}

	badID, err := store.Write(ctx, []model.Mutation{
		setMutation("rooms/a", map[string]any{"title": "rejected"}),
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	keys, err := store.RejectBatch(ctx, badID, "permission denied")
	if err != nil {
		t.Fatalf("RejectBatch failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != "rooms/a" {
		t.Errorf("keys = %v, want [rooms/a]", keys)
	}

	docs, err := store.ExecuteQuery(ctx, model.NewQuery("rooms"))
	if err != nil {
		t.Fatalf("ExecuteQuery failed: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("got %d documents, want 1", len(docs))
	}
	if docs[0].Fields["title"] != "confirmed" {
		t.Errorf("title = %v, want confirmed state restored", docs[0].Fields["title"])
	}
	if docs[0].HasLocalMutations {
		t.Error("HasLocalMutations = true after rejection")
	}
}

func TestApplyRemoteEventVersionGuard(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	newer := model.Document{Key: "rooms/a", Version: 10, Fields: map[string]any{"title": "new"}}
	if _, err := store.ApplyRemoteEvent(ctx, model.RemoteEvent{
		SnapshotVersion: 10,
		Documents:       []model.Document{newer},
	}); err != nil {
		t.Fatalf("ApplyRemoteEvent failed: %v", err)
	}

	// A replayed older state must not move the document backwards.
	stale := model.Document{Key: "rooms/a", Version: 5, Fields: map[string]any{"title": "old"}}
	changed, err := store.ApplyRemoteEvent(ctx, model.RemoteEvent{
		SnapshotVersion: 5,
		Documents:       []model.Document{stale},
	})
	if err != nil {
		t.Fatalf("ApplyRemoteEvent failed: %v", err)
	}
	if len(changed) != 0 {
		t.Errorf("stale event changed %v, want nothing", changed)
	}

	docs, err := store.ExecuteQuery(ctx, model.NewQuery("rooms"))
	if err != nil {
		t.Fatalf("ExecuteQuery failed: %v", err)
	}
	if docs[0].Fields["title"] != "new" {
		t.Errorf("title = %v, want new", docs[0].Fields["title"])
	}
}

func TestApplyRemoteEventDeliversTombstones(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	doc := model.Document{Key: "rooms/a", Version: 1, Fields: map[string]any{"x": 1}}
	if _, err := store.ApplyRemoteEvent(ctx, model.RemoteEvent{
		SnapshotVersion: 1, Documents: []model.Document{doc},
	}); err != nil {
		t.Fatalf("ApplyRemoteEvent failed: %v", err)
	}

	tombstone := model.Document{Key: "rooms/a", Version: 2, Deleted: true}
	if _, err := store.ApplyRemoteEvent(ctx, model.RemoteEvent{
		SnapshotVersion: 2, Documents: []model.Document{tombstone},
	}); err != nil {
		t.Fatalf("ApplyRemoteEvent failed: %v", err)
	}

	docs, err := store.ExecuteQuery(ctx, model.NewQuery("rooms"))
	if err != nil {
		t.Fatalf("ExecuteQuery failed: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("deleted document still visible: %v", docs)
	}
}

func TestTargetCurrentFlags(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	target, err := store.AllocateTarget(ctx, model.NewQuery("rooms"))
	if err != nil {
		t.Fatalf("AllocateTarget failed: %v", err)
	}
	if store.IsTargetCurrent(target.ID) {
		t.Error("new target already marked current")
	}

	if _, err := store.ApplyRemoteEvent(ctx, model.RemoteEvent{
		SnapshotVersion: 1,
		TargetChanges: map[model.TargetID]model.TargetChange{
			target.ID: {TargetID: target.ID, Current: true, ResumeToken: []byte{0x01}},
		},
		Documents: []model.Document{{Key: "rooms/a", Version: 1, Fields: map[string]any{}}},
	}); err != nil {
		t.Fatalf("ApplyRemoteEvent failed: %v", err)
	}
	if !store.IsTargetCurrent(target.ID) {
		t.Error("target not marked current after caught-up event")
	}

	store.ClearTargetCurrents()
	if store.IsTargetCurrent(target.ID) {
		t.Error("ClearTargetCurrents left the flag set")
	}
}

func TestAllocateTargetUnavailable(t *testing.T) {
	store, db := newTestStore(t)

	db.SetHealthy(false)
	_, err := store.AllocateTarget(context.Background(), model.NewQuery("rooms"))
	if !errors.Is(err, ErrTargetAllocation) {
		t.Errorf("error = %v, want ErrTargetAllocation", err)
	}
}

func TestExecuteQueryServesCacheWhileUnhealthy(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	if _, err := store.ApplyRemoteEvent(ctx, model.RemoteEvent{
		SnapshotVersion: 1,
		Documents:       []model.Document{{Key: "rooms/a", Version: 1, Fields: map[string]any{"title": "cached"}}},
	}); err != nil {
		t.Fatalf("ApplyRemoteEvent failed: %v", err)
	}

	db.SetHealthy(false)
	docs, err := store.ExecuteQuery(ctx, model.NewQuery("rooms"))
	if err != nil {
		t.Fatalf("ExecuteQuery failed during outage: %v", err)
	}
	if len(docs) != 1 || docs[0].Fields["title"] != "cached" {
		t.Errorf("docs = %v, want cached document", docs)
	}
}

func TestStartReloadsPendingQueue(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	first := New(db, nil, log.New(io.Discard, "", 0))
	if err := first.Start(ctx); err != nil {
		t.Fatalf("Failed to start store: %v", err)
	}
	if _, err := first.Write(ctx, []model.Mutation{
		setMutation("rooms/a", map[string]any{"title": "draft"}),
	}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// A fresh instance over the same database recovers the overlay.
	second := New(db, nil, log.New(io.Discard, "", 0))
	if err := second.Start(ctx); err != nil {
		t.Fatalf("Failed to start second store: %v", err)
	}
	if second.OutstandingWrites() != 1 {
		t.Errorf("OutstandingWrites = %d after restart, want 1", second.OutstandingWrites())
	}
	docs, err := second.ExecuteQuery(ctx, model.NewQuery("rooms"))
	if err != nil {
		t.Fatalf("ExecuteQuery failed: %v", err)
	}
	if len(docs) != 1 || !docs[0].HasLocalMutations {
		t.Error("restart lost the optimistic overlay")
	}
}

func TestRefreshFromDurableDetectsResolution(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	// Two instances share one database; the first resolves a batch the
	// second still holds as pending.
	primary := New(db, nil, log.New(io.Discard, "", 0))
	if err := primary.Start(ctx); err != nil {
		t.Fatalf("Failed to start primary: %v", err)
	}
	id, err := primary.Write(ctx, []model.Mutation{
		setMutation("rooms/a", map[string]any{"title": "draft"}),
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	secondary := New(db, nil, log.New(io.Discard, "", 0))
	if err := secondary.Start(ctx); err != nil {
		t.Fatalf("Failed to start secondary: %v", err)
	}

	if _, err := primary.AcknowledgeBatch(ctx, id, []model.SnapshotVersion{7}); err != nil {
		t.Fatalf("AcknowledgeBatch failed: %v", err)
	}

	resolved, keys, err := secondary.RefreshFromDurable(ctx)
	if err != nil {
		t.Fatalf("RefreshFromDurable failed: %v", err)
	}
	if len(resolved) != 1 || resolved[0] != id {
		t.Errorf("resolved = %v, want [%d]", resolved, id)
	}
	if len(keys) != 1 || keys[0] != "rooms/a" {
		t.Errorf("keys = %v, want [rooms/a]", keys)
	}
	if secondary.OutstandingWrites() != 0 {
		t.Errorf("OutstandingWrites = %d after refresh, want 0", secondary.OutstandingWrites())
	}
}

func TestResolvedBatchState(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	a, err := store.Write(ctx, []model.Mutation{setMutation("rooms/a", map[string]any{"x": 1})})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	b, err := store.Write(ctx, []model.Mutation{setMutation("rooms/b", map[string]any{"x": 1})})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// Rejecting b keeps it durable behind pending a, so its state is
	// readable; once a resolves too the front eviction removes both.
	if _, err := store.RejectBatch(ctx, b, "bad data"); err != nil {
		t.Fatalf("RejectBatch failed: %v", err)
	}
	state, reason, ok, err := store.ResolvedBatchState(ctx, b)
	if err != nil {
		t.Fatalf("ResolvedBatchState failed: %v", err)
	}
	if !ok || state != model.BatchRejected || reason != "bad data" {
		t.Errorf("state = %v/%q/%v, want rejected/bad data/true", state, reason, ok)
	}

	if _, err := store.AcknowledgeBatch(ctx, a, []model.SnapshotVersion{1}); err != nil {
		t.Fatalf("AcknowledgeBatch failed: %v", err)
	}
	_, _, ok, err = store.ResolvedBatchState(ctx, b)
	if err != nil {
		t.Fatalf("ResolvedBatchState failed: %v", err)
	}
	if ok {
		t.Error("evicted batch still reports a durable state")
	}
}

func TestPendingOverlayOrdering(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	// Later batches win over earlier ones for the same key.
	if _, err := store.Write(ctx, []model.Mutation{
		setMutation("rooms/a", map[string]any{"title": "first"}),
	}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := store.Write(ctx, []model.Mutation{
		{Kind: model.MutationPatch, Key: "rooms/a", Fields: map[string]any{"title": "second"}},
	}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	docs, err := store.ExecuteQuery(ctx, model.NewQuery("rooms"))
	if err != nil {
		t.Fatalf("ExecuteQuery failed: %v", err)
	}
	if docs[0].Fields["title"] != "second" {
		t.Errorf("title = %v, want second", docs[0].Fields["title"])
	}
}

func TestPendingPatchBringsDocumentIntoView(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	// A cached document outside the query's result set.
	if _, err := store.ApplyRemoteEvent(ctx, model.RemoteEvent{
		SnapshotVersion: 1,
		Documents: []model.Document{
			{Key: "rooms/a", Version: 1, Fields: map[string]any{"open": false, "title": "standup"}},
		},
	}); err != nil {
		t.Fatalf("ApplyRemoteEvent failed: %v", err)
	}

	// A pending patch flips the filtered field; the confirmed fields
	// must survive the merge.
	if _, err := store.Write(ctx, []model.Mutation{
		{Kind: model.MutationPatch, Key: "rooms/a", Fields: map[string]any{"open": true}},
	}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	docs, err := store.ExecuteQuery(ctx, model.NewQuery("rooms").Where("open", true))
	if err != nil {
		t.Fatalf("ExecuteQuery failed: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("got %d documents, want the patched document to match", len(docs))
	}
	if docs[0].Fields["open"] != true || docs[0].Fields["title"] != "standup" {
		t.Errorf("fields = %v, want open=true with title preserved", docs[0].Fields)
	}
	if !docs[0].HasLocalMutations {
		t.Error("HasLocalMutations = false for a patched document")
	}
}
