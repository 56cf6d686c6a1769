// Package engine implements the sync engine: the orchestrator that
// accepts user operations (listen, unlisten, write), applies remote
// events, recomputes query views, and emits ordered event batches to
// listeners.
//
// The engine owns no durable state. Persistence and network faults
// are absorbed here and converted into connectivity transitions plus
// scheduled recovery retries; only faults tied to a specific query or
// write reach that query's or write's caller.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"reflect"
	"time"

	"github.com/usedtobeme/docsync/internal/localstore"
	"github.com/usedtobeme/docsync/internal/model"
	"github.com/usedtobeme/docsync/internal/persistence"
	"github.com/usedtobeme/docsync/internal/remote"
	"github.com/usedtobeme/docsync/internal/scheduler"
)

// ErrUnavailable is the only store-related error surfaced to
// application callers: the operation could not make progress at all
// (e.g. a brand-new target could not be allocated). Raw persistence
// errors never escape the engine.
var ErrUnavailable = errors.New("unavailable")

// WriteError reports a server-side rejection of a mutation batch.
// Terminal for that batch.
type WriteError struct {
	BatchID model.BatchID
	Reason  string
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %d rejected: %s", e.BatchID, e.Reason)
}

// Snapshot is one batched view event for a query.
type Snapshot struct {
	Query     model.Query
	Documents []model.Document
	FromCache bool
}

// Listener receives view events for one query registration.
type Listener interface {
	// OnSnapshot delivers a recomputed view. Called once per remote
	// event or local write affecting the query, never per document.
	OnSnapshot(snap Snapshot)

	// OnError delivers a terminal query-level error. No further
	// snapshots follow.
	OnError(query model.Query, err error)
}

// WriteCallback resolves a local write: nil once the batch is durably
// acknowledged, a *WriteError if the server rejected it.
type WriteCallback func(err error)

// Config holds engine configuration.
type Config struct {
	// RecoveryDelay is the pause before retrying work that failed on
	// an unavailable store (default 1s).
	RecoveryDelay time.Duration

	// Logger for engine activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RecoveryDelay: time.Second,
		Logger:        log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// queryView tracks one watched query, its durable target, its
// listeners, and the last emitted snapshot.
type queryView struct {
	query     model.Query
	targetID  model.TargetID
	listeners []Listener
	last      *Snapshot
}

// Engine is the sync engine. All public methods serialize through the
// scheduler; remote.SyncCallbacks methods are invoked by the remote
// store already on the scheduler and must not be called directly.
type Engine struct {
	local  *localstore.LocalStore
	remote *remote.Store
	sched  *scheduler.Scheduler
	config *Config

	isPrimary bool

	views         map[string]*queryView
	viewsByTarget map[model.TargetID]*queryView
	writeCallback map[model.BatchID]WriteCallback

	recoveryScheduled bool
}

// New creates the engine and wires itself as the remote store's
// callback surface. remoteStore may be nil for read-only tools.
func New(local *localstore.LocalStore, remoteStore *remote.Store, sched *scheduler.Scheduler, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if config.RecoveryDelay <= 0 {
		config.RecoveryDelay = time.Second
	}

	e := &Engine{
		local:         local,
		remote:        remoteStore,
		sched:         sched,
		config:        config,
		views:         make(map[string]*queryView),
		viewsByTarget: make(map[model.TargetID]*queryView),
		writeCallback: make(map[model.BatchID]WriteCallback),
	}
	if remoteStore != nil {
		remoteStore.SetCallbacks(e)
	}
	return e
}

// Listen registers a listener for a query. The listener immediately
// receives an initial snapshot from cache; if this client is primary
// and online the target also goes on the wire.
//
// When the target cannot be allocated because the store is down, the
// listener observes ErrUnavailable (and the same error is returned)
// instead of hanging.
func (e *Engine) Listen(ctx context.Context, query model.Query, l Listener) error {
	var retErr error
	e.sched.Run(func() { retErr = e.doListen(ctx, query, l) })
	return retErr
}

// Unlisten removes a listener. The last listener releases the durable
// target and stops the remote watch.
func (e *Engine) Unlisten(ctx context.Context, query model.Query, l Listener) {
	e.sched.Run(func() { e.doUnlisten(ctx, query, l) })
}

// Write enqueues a mutation batch, emits the optimistic view update,
// and (when primary) forwards the batch to the remote store. cb fires
// when the batch is durably resolved; it may be nil.
func (e *Engine) Write(ctx context.Context, mutations []model.Mutation, cb WriteCallback) (model.BatchID, error) {
	var (
		id     model.BatchID
		retErr error
	)
	e.sched.Run(func() { id, retErr = e.doWrite(ctx, mutations, cb) })
	return id, retErr
}

// ApplyPrimaryState promotes or demotes this client. Only the primary
// drives the remote store.
func (e *Engine) ApplyPrimaryState(ctx context.Context, isPrimary bool) {
	e.sched.Run(func() { e.doApplyPrimaryState(ctx, isPrimary) })
}

// IsPrimary reports whether this client currently drives the network.
func (e *Engine) IsPrimary() bool {
	var p bool
	e.sched.Run(func() { p = e.isPrimary })
	return p
}

// OutstandingWrites reports the number of unresolved local writes.
func (e *Engine) OutstandingWrites() int {
	var n int
	e.sched.Run(func() { n = e.local.OutstandingWrites() })
	return n
}

// SynchronizeFromDurable catches this client up with state a peer
// committed: resolved writes get their callbacks, affected views
// recompute, and a primary forwards batches that secondaries
// enqueued. Driven by cross-process notifications.
func (e *Engine) SynchronizeFromDurable(ctx context.Context) {
	e.sched.Run(func() { e.doSynchronizeFromDurable(ctx) })
}

// --- user operations, on the scheduler ---

func (e *Engine) doListen(ctx context.Context, query model.Query, l Listener) error {
	target, err := e.local.AllocateTarget(ctx, query)
	if err != nil {
		if errors.Is(err, localstore.ErrTargetAllocation) {
			unavail := fmt.Errorf("%w: cannot allocate target for %q", ErrUnavailable, query.CanonicalID())
			l.OnError(query, unavail)
			e.absorbPersistenceFailure(err)
			return unavail
		}
		return err
	}

	canonical := query.CanonicalID()
	view, ok := e.views[canonical]
	if !ok {
		view = &queryView{query: query, targetID: target.ID}
		e.views[canonical] = view
		e.viewsByTarget[target.ID] = view
	}
	view.listeners = append(view.listeners, l)

	snap, err := e.computeSnapshot(ctx, view)
	if err != nil {
		e.config.Logger.Printf("Failed to compute initial view for %q: %v", canonical, err)
		snap = Snapshot{Query: query, FromCache: true}
	}
	view.last = &snap
	l.OnSnapshot(snap)

	if e.isPrimary && !ok && e.remote != nil {
		e.remote.Listen(ctx, target)
	}
	return nil
}

func (e *Engine) doUnlisten(ctx context.Context, query model.Query, l Listener) {
	canonical := query.CanonicalID()
	view, ok := e.views[canonical]
	if !ok {
		return
	}

	for i, other := range view.listeners {
		if other == l {
			view.listeners = append(view.listeners[:i], view.listeners[i+1:]...)
			break
		}
	}

	removed, err := e.local.ReleaseTarget(ctx, view.targetID)
	if err != nil {
		e.config.Logger.Printf("Failed to release target %d: %v", view.targetID, err)
		e.absorbPersistenceFailure(err)
	}

	if len(view.listeners) == 0 {
		delete(e.views, canonical)
		delete(e.viewsByTarget, view.targetID)
		if removed && e.isPrimary && e.remote != nil {
			e.remote.Unlisten(ctx, view.targetID)
		}
	}
}

func (e *Engine) doWrite(ctx context.Context, mutations []model.Mutation, cb WriteCallback) (model.BatchID, error) {
	id, err := e.local.Write(ctx, mutations)
	if err != nil {
		if persistence.IsUnavailable(err) {
			e.absorbPersistenceFailure(err)
			return 0, fmt.Errorf("%w: cannot enqueue write", ErrUnavailable)
		}
		return 0, err
	}

	if cb != nil {
		e.writeCallback[id] = cb
	}

	keys := make([]model.DocumentKey, 0, len(mutations))
	for _, m := range mutations {
		keys = append(keys, m.Key)
	}
	e.emitForKeys(ctx, keys)

	if e.isPrimary && e.remote != nil {
		e.remote.FillWritePipeline(ctx)
	}
	return id, nil
}

func (e *Engine) doApplyPrimaryState(ctx context.Context, isPrimary bool) {
	if e.isPrimary == isPrimary {
		return
	}
	e.isPrimary = isPrimary

	if e.remote == nil {
		return
	}
	if isPrimary {
		e.config.Logger.Println("Promoted to primary")
		e.remote.EnableNetwork(ctx)
	} else {
		e.config.Logger.Println("Demoted to secondary")
		e.remote.DisableNetwork()
	}
}

func (e *Engine) doSynchronizeFromDurable(ctx context.Context) {
	resolved, keys, err := e.local.RefreshFromDurable(ctx)
	if err != nil {
		e.config.Logger.Printf("Failed to refresh from durable state: %v", err)
		return
	}

	for _, id := range resolved {
		cb, ok := e.writeCallback[id]
		if !ok {
			continue
		}
		delete(e.writeCallback, id)

		state, reason, found, err := e.local.ResolvedBatchState(ctx, id)
		if err != nil {
			e.config.Logger.Printf("Failed to read resolution of batch %d: %v", id, err)
		}
		if found && state == model.BatchRejected {
			cb(&WriteError{BatchID: id, Reason: reason})
		} else {
			// Acknowledged, or already evicted after acknowledgment.
			cb(nil)
		}
	}

	if len(keys) > 0 {
		e.emitForKeys(ctx, keys)
	} else {
		// A remote-event notification without resolved writes; the
		// document cache may still have moved.
		e.emitAll(ctx)
	}

	// On the primary the refreshed queue may now hold batches a
	// secondary enqueued; put them on the wire.
	if e.isPrimary && e.remote != nil {
		e.remote.FillWritePipeline(ctx)
	}
}

// --- remote.SyncCallbacks (already on the scheduler) ---

// HandleRemoteEvent applies a server snapshot through the local store
// and re-emits every affected view as one batched event.
func (e *Engine) HandleRemoteEvent(ev model.RemoteEvent) error {
	ctx := context.Background()
	changed, err := e.local.ApplyRemoteEvent(ctx, ev)
	if err != nil {
		return err
	}

	affected := e.collectViews(changed)
	for id := range ev.TargetChanges {
		if view, ok := e.viewsByTarget[id]; ok {
			affected[view] = struct{}{}
		}
	}
	e.emitViews(ctx, affected)
	return nil
}

// HandleRejectedListen surfaces a server listen rejection to exactly
// the listeners for that target.
func (e *Engine) HandleRejectedListen(targetID model.TargetID, err error) {
	view, ok := e.viewsByTarget[targetID]
	if !ok {
		return
	}
	delete(e.viewsByTarget, targetID)
	delete(e.views, view.query.CanonicalID())

	for _, l := range view.listeners {
		l.OnError(view.query, err)
	}

	// Each listener holds one durable reference; drop them all so the
	// registration disappears instead of being re-listened on the next
	// reconnect.
	ctx := context.Background()
	for range view.listeners {
		removed, relErr := e.local.ReleaseTarget(ctx, targetID)
		if relErr != nil {
			e.config.Logger.Printf("Failed to release rejected target %d: %v", targetID, relErr)
			break
		}
		if removed {
			break
		}
	}
}

// HandleSuccessfulWrite durably commits a server acknowledgment, then
// fires the write callback and re-emits affected views. A returned
// persistence error means nothing was committed and the remote store
// must re-deliver the acknowledgment later.
func (e *Engine) HandleSuccessfulWrite(batchID model.BatchID, versions []model.SnapshotVersion) error {
	ctx := context.Background()
	changed, err := e.local.AcknowledgeBatch(ctx, batchID, versions)
	if err != nil {
		return err
	}

	if cb, ok := e.writeCallback[batchID]; ok {
		delete(e.writeCallback, batchID)
		cb(nil)
	}
	e.emitForKeys(ctx, changed)
	return nil
}

// HandleFailedWrite durably commits a server rejection, then fires the
// write callback with a WriteError and re-emits affected views so the
// optimistic overlay disappears.
func (e *Engine) HandleFailedWrite(batchID model.BatchID, reason string) error {
	ctx := context.Background()
	changed, err := e.local.RejectBatch(ctx, batchID, reason)
	if err != nil {
		return err
	}

	if cb, ok := e.writeCallback[batchID]; ok {
		delete(e.writeCallback, batchID)
		cb(&WriteError{BatchID: batchID, Reason: reason})
	}
	e.emitForKeys(ctx, changed)
	return nil
}

// HandlePersistenceFailure absorbs a failed durable commit: network
// off, remote targets cleared, views and pending writes untouched,
// one recovery retry scheduled. No events fire.
func (e *Engine) HandlePersistenceFailure(err error) {
	e.absorbPersistenceFailure(err)
}

// HandleConnectivityChange re-emits views as from-cache when the
// stream drops; listeners keep receiving data during outages instead
// of errors.
func (e *Engine) HandleConnectivityChange(state remote.ConnectivityState) {
	if state != remote.StateOffline {
		return
	}
	ctx := context.Background()
	for _, view := range e.views {
		if view.last != nil && !view.last.FromCache {
			e.recomputeAndEmit(ctx, view)
		}
	}
}

// --- failure absorption and view emission ---

func (e *Engine) absorbPersistenceFailure(err error) {
	e.config.Logger.Printf("Durable store unavailable, going offline: %v", err)

	if e.remote != nil && e.isPrimary {
		e.remote.DisableNetwork()
	}
	if e.recoveryScheduled {
		return
	}
	e.recoveryScheduled = true
	e.sched.RunDelayed(scheduler.TimerPersistenceRetry, e.config.RecoveryDelay, e.recover)
}

// recover re-drives exactly the work that failed: undelivered write
// results first, then the streams.
func (e *Engine) recover() {
	e.recoveryScheduled = false
	ctx := context.Background()

	if e.remote != nil {
		e.remote.RedeliverResults()
		if e.remote.UndeliveredResults() > 0 {
			// Store still down; absorbPersistenceFailure already ran
			// via the redelivery path and scheduled the next retry.
			return
		}
		if e.isPrimary {
			e.remote.EnableNetwork(ctx)
		}
	}
}

func (e *Engine) collectViews(keys []model.DocumentKey) map[*queryView]struct{} {
	affected := make(map[*queryView]struct{})
	for _, key := range keys {
		for _, view := range e.views {
			if view.query.CollectionPath == key.CollectionPath() {
				affected[view] = struct{}{}
			}
		}
	}
	return affected
}

func (e *Engine) emitForKeys(ctx context.Context, keys []model.DocumentKey) {
	e.emitViews(ctx, e.collectViews(keys))
}

func (e *Engine) emitAll(ctx context.Context) {
	all := make(map[*queryView]struct{}, len(e.views))
	for _, view := range e.views {
		all[view] = struct{}{}
	}
	e.emitViews(ctx, all)
}

func (e *Engine) emitViews(ctx context.Context, affected map[*queryView]struct{}) {
	for view := range affected {
		e.recomputeAndEmit(ctx, view)
	}
}

func (e *Engine) recomputeAndEmit(ctx context.Context, view *queryView) {
	snap, err := e.computeSnapshot(ctx, view)
	if err != nil {
		e.config.Logger.Printf("Failed to recompute view for %q: %v", view.query.CanonicalID(), err)
		return
	}
	if view.last != nil && snapshotsEqual(*view.last, snap) {
		return
	}
	view.last = &snap
	for _, l := range view.listeners {
		l.OnSnapshot(snap)
	}
}

func (e *Engine) computeSnapshot(ctx context.Context, view *queryView) (Snapshot, error) {
	docs, err := e.local.ExecuteQuery(ctx, view.query)
	if err != nil {
		return Snapshot{}, err
	}

	online := e.remote != nil && e.isPrimary && e.remote.State() == remote.StateOnline
	fromCache := !online || !e.local.IsTargetCurrent(view.targetID)

	for i := range docs {
		docs[i].FromCache = fromCache
	}
	return Snapshot{Query: view.query, Documents: docs, FromCache: fromCache}, nil
}

func snapshotsEqual(a, b Snapshot) bool {
	return a.FromCache == b.FromCache && reflect.DeepEqual(a.Documents, b.Documents)
}
