package localstore

import (
	"context"
	"testing"

	"github.com/usedtobeme/docsync/internal/model"
	"github.com/usedtobeme/docsync/internal/persistence"
)

func cacheSet(t *testing.T, db *persistence.DB, c *DocumentCache, doc model.Document) {
	t.Helper()

	runTxn(t, db, func(txn *persistence.Txn) error {
		return c.Set(txn, doc)
	})
}

func TestDocumentCacheRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	c := NewDocumentCache(db)
	ctx := context.Background()

	want := model.Document{
		Key:     "rooms/a",
		Version: 7,
		Fields:  map[string]any{"title": "hello", "count": float64(3)},
	}
	cacheSet(t, db, c, want)

	got, ok, err := c.Get(ctx, "rooms/a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok {
		t.Fatal("document not found")
	}
	if got.Version != want.Version || got.Fields["title"] != "hello" || got.Fields["count"] != float64(3) {
		t.Errorf("got %+v, want %+v", got, want)
	}

	_, ok, err = c.Get(ctx, "rooms/missing")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok {
		t.Error("missing document reported as found")
	}
}

func TestDocumentCacheTombstone(t *testing.T) {
	db := setupTestDB(t)
	c := NewDocumentCache(db)
	ctx := context.Background()

	cacheSet(t, db, c, model.Document{Key: "rooms/a", Version: 1, Fields: map[string]any{"x": 1}})
	cacheSet(t, db, c, model.Document{Key: "rooms/a", Version: 2, Deleted: true})

	got, ok, err := c.Get(ctx, "rooms/a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok || !got.Deleted {
		t.Errorf("got %+v, want tombstone", got)
	}

	docs, err := c.GetMatching(ctx, model.NewQuery("rooms"))
	if err != nil {
		t.Fatalf("GetMatching failed: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("GetMatching returned tombstone: %v", docs)
	}
}

func TestGetMatchingExcludesSubcollections(t *testing.T) {
	db := setupTestDB(t)
	c := NewDocumentCache(db)
	ctx := context.Background()

	cacheSet(t, db, c, model.Document{Key: "rooms/a", Version: 1, Fields: map[string]any{"open": true}})
	cacheSet(t, db, c, model.Document{Key: "rooms/a/messages/m1", Version: 1, Fields: map[string]any{"open": true}})
	cacheSet(t, db, c, model.Document{Key: "roomsx/b", Version: 1, Fields: map[string]any{"open": true}})

	docs, err := c.GetMatching(ctx, model.NewQuery("rooms"))
	if err != nil {
		t.Fatalf("GetMatching failed: %v", err)
	}
	if len(docs) != 1 || docs[0].Key != "rooms/a" {
		t.Errorf("GetMatching = %v, want just rooms/a", docs)
	}
}

func TestGetMatchingAppliesFilters(t *testing.T) {
	db := setupTestDB(t)
	c := NewDocumentCache(db)
	ctx := context.Background()

	cacheSet(t, db, c, model.Document{Key: "rooms/a", Version: 1, Fields: map[string]any{"open": true}})
	cacheSet(t, db, c, model.Document{Key: "rooms/b", Version: 1, Fields: map[string]any{"open": false}})

	docs, err := c.GetMatching(ctx, model.NewQuery("rooms").Where("open", true))
	if err != nil {
		t.Fatalf("GetMatching failed: %v", err)
	}
	if len(docs) != 1 || docs[0].Key != "rooms/a" {
		t.Errorf("GetMatching = %v, want just rooms/a", docs)
	}
}
