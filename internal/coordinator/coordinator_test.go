package coordinator

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/usedtobeme/docsync/internal/engine"
	"github.com/usedtobeme/docsync/internal/localstore"
	"github.com/usedtobeme/docsync/internal/persistence"
	"github.com/usedtobeme/docsync/internal/scheduler"
)

// newTestEngine builds an engine with no remote store over the shared
// database; coordinator tests only care about primary transitions.
func newTestEngine(t *testing.T, db *persistence.DB) *engine.Engine {
	t.Helper()

	logger := log.New(io.Discard, "", 0)
	local := localstore.New(db, nil, logger)
	if err := local.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start local store: %v", err)
	}
	sched := scheduler.New(logger)
	t.Cleanup(sched.Shutdown)
	return engine.New(local, nil, sched, &engine.Config{Logger: logger})
}

func newTestCoordinator(t *testing.T, db *persistence.DB, clientID string) *Coordinator {
	t.Helper()

	config := &Config{
		LeaseDuration:   200 * time.Millisecond,
		RefreshInterval: 50 * time.Millisecond,
		Logger:          log.New(io.Discard, "", 0),
	}
	c, err := New(db, nil, newTestEngine(t, db), clientID, config)
	if err != nil {
		t.Fatalf("Failed to create coordinator: %v", err)
	}
	return c
}

func openDB(t *testing.T) *persistence.DB {
	t.Helper()

	db, err := persistence.Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestFirstClientBecomesPrimary(t *testing.T) {
	db := openDB(t)
	c := newTestCoordinator(t, db, "client-1")

	c.Heartbeat()
	if !c.IsPrimary() {
		t.Error("sole client did not acquire the lease")
	}

	owner, expires, ok, err := c.LeaseHolder(context.Background())
	if err != nil {
		t.Fatalf("LeaseHolder failed: %v", err)
	}
	if !ok || owner != "client-1" {
		t.Errorf("lease owner = %q/%v, want client-1", owner, ok)
	}
	if !expires.After(time.Now()) {
		t.Error("fresh lease already expired")
	}
}

func TestSecondClientStaysSecondary(t *testing.T) {
	db := openDB(t)
	first := newTestCoordinator(t, db, "client-1")
	second := newTestCoordinator(t, db, "client-2")

	first.Heartbeat()
	second.Heartbeat()

	if !first.IsPrimary() {
		t.Error("first client lost the lease")
	}
	if second.IsPrimary() {
		t.Error("second client acquired a held lease")
	}
}

func TestHeartbeatRefreshesOwnLease(t *testing.T) {
	db := openDB(t)
	c := newTestCoordinator(t, db, "client-1")

	c.Heartbeat()
	_, firstExpiry, _, err := c.LeaseHolder(context.Background())
	if err != nil {
		t.Fatalf("LeaseHolder failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	c.Heartbeat()
	if !c.IsPrimary() {
		t.Error("refresh demoted the holder")
	}
	_, secondExpiry, _, err := c.LeaseHolder(context.Background())
	if err != nil {
		t.Fatalf("LeaseHolder failed: %v", err)
	}
	if !secondExpiry.After(firstExpiry) {
		t.Error("refresh did not extend the lease")
	}
}

func TestTakeoverAfterExpiry(t *testing.T) {
	db := openDB(t)
	first := newTestCoordinator(t, db, "client-1")
	second := newTestCoordinator(t, db, "client-2")

	first.Heartbeat()
	if !first.IsPrimary() {
		t.Fatal("first client did not acquire the lease")
	}

	// The first client goes silent; once the lease expires the second
	// takes over.
	time.Sleep(250 * time.Millisecond)
	second.Heartbeat()
	if !second.IsPrimary() {
		t.Error("second client did not take over an expired lease")
	}

	// The stale holder notices on its next heartbeat and demotes.
	first.Heartbeat()
	if first.IsPrimary() {
		t.Error("stale holder kept the lease after takeover")
	}
}

func TestHeartbeatFailureDemotes(t *testing.T) {
	db := openDB(t)
	c := newTestCoordinator(t, db, "client-1")

	c.Heartbeat()
	if !c.IsPrimary() {
		t.Fatal("client did not acquire the lease")
	}

	// A client that cannot write its heartbeat must stop acting as
	// primary even though the row still names it.
	db.SetHealthy(false)
	c.Heartbeat()
	if c.IsPrimary() {
		t.Error("client stayed primary through a failed heartbeat")
	}

	db.SetHealthy(true)
	c.Heartbeat()
	if !c.IsPrimary() {
		t.Error("client did not reacquire after recovery")
	}
}

func TestStopReleasesLease(t *testing.T) {
	db := openDB(t)
	first := newTestCoordinator(t, db, "client-1")
	second := newTestCoordinator(t, db, "client-2")

	if err := first.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !first.IsPrimary() {
		t.Fatal("first client did not acquire the lease")
	}
	if err := first.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// A clean shutdown deletes the row; the peer takes over without
	// waiting out the lease duration.
	_, _, ok, err := second.LeaseHolder(context.Background())
	if err != nil {
		t.Fatalf("LeaseHolder failed: %v", err)
	}
	if ok {
		t.Error("lease row survived a clean shutdown")
	}
	second.Heartbeat()
	if !second.IsPrimary() {
		t.Error("peer could not take over after clean shutdown")
	}
}

func TestStartRunsRefreshLoop(t *testing.T) {
	db := openDB(t)
	c := newTestCoordinator(t, db, "client-1")

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Stop()

	if err := c.Start(); err == nil {
		t.Error("second Start succeeded, want error")
	}

	// The loop keeps the lease alive well past one lease duration.
	time.Sleep(400 * time.Millisecond)
	if !c.IsPrimary() {
		t.Error("refresh loop let the lease lapse")
	}
}
