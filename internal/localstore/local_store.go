package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/usedtobeme/docsync/internal/model"
	"github.com/usedtobeme/docsync/internal/persistence"
)

// ErrTargetAllocation indicates a target could not be registered
// because the durable store was unavailable. The listener for the
// query must observe an error event rather than hang.
var ErrTargetAllocation = errors.New("target allocation failed")

// LocalStore composes the mutation queue, target registry, and
// document cache behind one durable transaction boundary.
//
// Pending local mutations are durable only as queue entries; the
// per-document optimistic state is an in-memory mirror of the pending
// queue, rebuilt on startup and updated strictly after a durable
// commit succeeds. A failed commit therefore leaves both durable and
// in-memory state exactly as they were.
type LocalStore struct {
	db       *persistence.DB
	queue    *MutationQueue
	registry *TargetRegistry
	cache    *DocumentCache
	notifier *persistence.Notifier
	logger   *log.Logger

	mu             sync.Mutex
	pending        []model.MutationBatch
	currentTargets map[model.TargetID]bool
}

// New creates a LocalStore over the shared database. notifier may be
// nil when cross-process notifications are not needed (tests,
// single-client tools). If logger is nil a default stderr logger is
// used.
func New(db *persistence.DB, notifier *persistence.Notifier, logger *log.Logger) *LocalStore {
	if logger == nil {
		logger = log.New(os.Stderr, "[localstore] ", log.LstdFlags)
	}
	return &LocalStore{
		db:             db,
		queue:          NewMutationQueue(db),
		registry:       NewTargetRegistry(db),
		cache:          NewDocumentCache(db),
		notifier:       notifier,
		logger:         logger,
		currentTargets: make(map[model.TargetID]bool),
	}
}

// Queue exposes the mutation queue for read-only inspection.
func (s *LocalStore) Queue() *MutationQueue {
	return s.queue
}

// Registry exposes the target registry for read-only inspection.
func (s *LocalStore) Registry() *TargetRegistry {
	return s.registry
}

// Start loads the pending queue into memory. Called once before any
// other operation; it is also the crash-recovery path, since whatever
// was last durably committed is exactly what gets reloaded.
func (s *LocalStore) Start(ctx context.Context) error {
	pending, err := s.queue.PendingBatches(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending batches: %w", err)
	}

	s.mu.Lock()
	s.pending = pending
	s.mu.Unlock()

	s.logger.Printf("Started with %d pending batches", len(pending))
	return nil
}

// Write appends a mutation batch to the durable queue and returns its
// id. The optimistic overlay picks the batch up only after the commit
// succeeds; on failure nothing changes anywhere.
func (s *LocalStore) Write(ctx context.Context, mutations []model.Mutation) (model.BatchID, error) {
	if len(mutations) == 0 {
		return 0, fmt.Errorf("write requires at least one mutation")
	}
	for i, m := range mutations {
		if err := m.Validate(); err != nil {
			return 0, fmt.Errorf("mutation %d: %w", i, err)
		}
	}

	var batch model.MutationBatch
	err := s.db.RunTransaction(ctx, "localWrite", func(txn *persistence.Txn) error {
		id, err := s.queue.NextBatchID(txn)
		if err != nil {
			return err
		}
		batch = model.MutationBatch{
			ID:             id,
			State:          model.BatchPending,
			Mutations:      mutations,
			LocalWriteTime: model.Now(),
		}
		if err := s.queue.AddBatch(txn, batch); err != nil {
			return err
		}
		return s.appendNotification(txn, persistence.KindWriteState, batch.ID, string(model.BatchPending))
	})
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.pending = append(s.pending, batch)
	s.mu.Unlock()
	s.announce()

	return batch.ID, nil
}

// AcknowledgeBatch durably records a server acknowledgment: the batch
// state, the server-assigned document versions, and the eviction of
// the finished queue front, all in one transaction. Returns the keys
// whose cached state changed.
//
// If the transaction fails the batch stays pending everywhere and the
// caller must re-deliver the acknowledgment later.
func (s *LocalStore) AcknowledgeBatch(ctx context.Context, id model.BatchID, resultVersions []model.SnapshotVersion) ([]model.DocumentKey, error) {
	batch, ok := s.lookupPending(id)
	if !ok {
		return nil, fmt.Errorf("batch %d is not pending", id)
	}

	err := s.db.RunTransaction(ctx, "acknowledgeBatch", func(txn *persistence.Txn) error {
		if err := s.queue.Acknowledge(txn, id, resultVersions); err != nil {
			return err
		}

		// Fold the confirmed mutations into the document cache so the
		// write survives even if the watch stream never echoes it.
		for i, m := range batch.Mutations {
			base, _, err := s.cache.GetTxn(txn, m.Key)
			if err != nil {
				return err
			}
			confirmed := m.Apply(base)
			confirmed.HasLocalMutations = false
			if i < len(resultVersions) && resultVersions[i] > confirmed.Version {
				confirmed.Version = resultVersions[i]
			}
			if err := s.cache.Set(txn, confirmed); err != nil {
				return err
			}
		}

		if _, err := s.queue.RemoveFinishedBatches(txn); err != nil {
			return err
		}
		return s.appendNotification(txn, persistence.KindWriteState, id, string(model.BatchAcknowledged))
	})
	if err != nil {
		return nil, err
	}

	s.removePending(id)
	s.announce()
	return batch.Keys(), nil
}

// RejectBatch durably records a server rejection and evicts the
// finished queue front. The cached documents are untouched; the
// affected keys are returned so views drop the optimistic overlay.
func (s *LocalStore) RejectBatch(ctx context.Context, id model.BatchID, reason string) ([]model.DocumentKey, error) {
	batch, ok := s.lookupPending(id)
	if !ok {
		return nil, fmt.Errorf("batch %d is not pending", id)
	}

	err := s.db.RunTransaction(ctx, "rejectBatch", func(txn *persistence.Txn) error {
		if err := s.queue.Reject(txn, id, reason); err != nil {
			return err
		}
		if _, err := s.queue.RemoveFinishedBatches(txn); err != nil {
			return err
		}
		return s.appendNotification(txn, persistence.KindWriteState, id, string(model.BatchRejected))
	})
	if err != nil {
		return nil, err
	}

	s.removePending(id)
	s.announce()
	return batch.Keys(), nil
}

// ApplyRemoteEvent durably merges server-confirmed document states and
// target resume tokens in one transaction and returns the keys whose
// cached state changed. Stale document versions are ignored.
func (s *LocalStore) ApplyRemoteEvent(ctx context.Context, ev model.RemoteEvent) ([]model.DocumentKey, error) {
	var changed []model.DocumentKey

	err := s.db.RunTransaction(ctx, "applyRemoteEvent", func(txn *persistence.Txn) error {
		changed = changed[:0]

		for _, doc := range ev.Documents {
			cached, ok, err := s.cache.GetTxn(txn, doc.Key)
			if err != nil {
				return err
			}
			if ok && cached.Version > doc.Version {
				// Resumed streams can replay old states; never move a
				// document backwards.
				continue
			}
			if doc.Version == 0 {
				doc.Version = ev.SnapshotVersion
			}
			if err := s.cache.Set(txn, doc); err != nil {
				return err
			}
			changed = append(changed, doc.Key)
		}

		for _, tc := range ev.TargetChanges {
			if err := s.registry.UpdateResumeToken(txn, tc.TargetID, tc.ResumeToken); err != nil {
				return err
			}
		}

		if len(changed) > 0 {
			return s.appendNotification(txn, persistence.KindRemoteEvent, 0, "")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Current flags are in-memory only; they describe the live stream,
	// not durable state.
	s.mu.Lock()
	for _, tc := range ev.TargetChanges {
		if tc.Current {
			s.currentTargets[tc.TargetID] = true
		}
	}
	s.mu.Unlock()

	if len(changed) > 0 {
		s.announce()
	}
	return changed, nil
}

// AllocateTarget registers (or retains) the watch target for a query.
// A store outage surfaces as ErrTargetAllocation so the sync engine
// can fail exactly that listener instead of the whole client.
func (s *LocalStore) AllocateTarget(ctx context.Context, query model.Query) (model.Target, error) {
	var target model.Target
	err := s.db.RunTransaction(ctx, "allocateTarget", func(txn *persistence.Txn) error {
		var err error
		target, _, err = s.registry.Allocate(txn, query)
		return err
	})
	if err != nil {
		if persistence.IsUnavailable(err) {
			return model.Target{}, fmt.Errorf("%w: %v", ErrTargetAllocation, err)
		}
		return model.Target{}, err
	}
	return target, nil
}

// ReleaseTarget drops one listener reference; the registry row is
// removed when the count reaches zero. Returns true when removed.
func (s *LocalStore) ReleaseTarget(ctx context.Context, id model.TargetID) (bool, error) {
	var removed bool
	err := s.db.RunTransaction(ctx, "releaseTarget", func(txn *persistence.Txn) error {
		var err error
		removed, err = s.registry.Release(txn, id)
		return err
	})
	if err != nil {
		return false, err
	}
	if removed {
		s.mu.Lock()
		delete(s.currentTargets, id)
		s.mu.Unlock()
	}
	return removed, nil
}

// ExecuteQuery computes the local view of a query: cached documents
// overlaid with every pending mutation that affects them. Non-durable
// read; it keeps working from cache during a store outage.
func (s *LocalStore) ExecuteQuery(ctx context.Context, query model.Query) ([]model.Document, error) {
	// The base is the whole collection, not just the documents that
	// currently match: a pending patch can move a cached document into
	// the result set, and its confirmed fields must survive the merge.
	cached, err := s.cache.GetCollection(ctx, query.CollectionPath)
	if err != nil {
		return nil, err
	}

	byKey := make(map[model.DocumentKey]model.Document, len(cached))
	for _, doc := range cached {
		byKey[doc.Key] = doc
	}

	s.mu.Lock()
	pending := make([]model.MutationBatch, len(s.pending))
	copy(pending, s.pending)
	s.mu.Unlock()

	// Replay pending batches in queue order over the confirmed state.
	for _, batch := range pending {
		for _, m := range batch.Mutations {
			if m.Key.CollectionPath() != query.CollectionPath {
				continue
			}
			base := byKey[m.Key]
			byKey[m.Key] = m.Apply(base)
		}
	}

	var docs []model.Document
	for _, doc := range byKey {
		if query.Matches(doc) {
			docs = append(docs, doc.Clone())
		}
	}
	model.ByKey(docs)
	return docs, nil
}

// IsTargetCurrent reports whether the live watch stream has declared
// the target caught up.
func (s *LocalStore) IsTargetCurrent(id model.TargetID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTargets[id]
}

// ClearTargetCurrents resets the caught-up flags, e.g. when the
// network drops and every view falls back to cache.
func (s *LocalStore) ClearTargetCurrents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentTargets = make(map[model.TargetID]bool)
}

// PendingBatches returns a copy of the in-memory pending queue in
// order; the remote store fills its write pipeline from it.
func (s *LocalStore) PendingBatches() []model.MutationBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.MutationBatch, len(s.pending))
	copy(out, s.pending)
	return out
}

// OutstandingWrites returns the number of unresolved batches.
func (s *LocalStore) OutstandingWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// RefreshFromDurable reloads the pending queue from the shared store
// and returns the keys of batches that were resolved elsewhere.
// Secondaries call this when a write-state notification arrives: the
// primary resolved a batch, and the durable state is the only channel
// that fact travels through.
func (s *LocalStore) RefreshFromDurable(ctx context.Context) ([]model.BatchID, []model.DocumentKey, error) {
	pending, err := s.queue.PendingBatches(ctx)
	if err != nil {
		return nil, nil, err
	}

	alive := make(map[model.BatchID]struct{}, len(pending))
	for _, b := range pending {
		alive[b.ID] = struct{}{}
	}

	s.mu.Lock()
	var resolved []model.BatchID
	var keys []model.DocumentKey
	for _, b := range s.pending {
		if _, ok := alive[b.ID]; !ok {
			resolved = append(resolved, b.ID)
			keys = append(keys, b.Keys()...)
		}
	}
	s.pending = pending
	s.mu.Unlock()

	return resolved, keys, nil
}

// ResolvedBatchState reads the durable state of a batch that is no
// longer pending locally. ok=false means the batch was already
// evicted from the queue.
func (s *LocalStore) ResolvedBatchState(ctx context.Context, id model.BatchID) (model.BatchState, string, bool, error) {
	var state, reason string
	err := s.db.QueryRow(ctx,
		"SELECT state, COALESCE(rejection_reason, '') FROM mutation_batches WHERE batch_id = ?",
		int64(id),
	).Scan(&state, &reason)
	if err == sql.ErrNoRows {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("failed to read batch %d state: %w", id, err)
	}
	return model.BatchState(state), reason, true, nil
}

func (s *LocalStore) lookupPending(id model.BatchID) (model.MutationBatch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.pending {
		if b.ID == id {
			return b, true
		}
	}
	return model.MutationBatch{}, false
}

func (s *LocalStore) removePending(id model.BatchID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, b := range s.pending {
		if b.ID == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func (s *LocalStore) appendNotification(txn *persistence.Txn, kind persistence.NotificationKind, id model.BatchID, state string) error {
	if s.notifier == nil {
		return nil
	}
	payload := ""
	if id != 0 {
		b, err := json.Marshal(map[string]any{"batch_id": id, "state": state})
		if err != nil {
			return fmt.Errorf("failed to marshal notification payload: %w", err)
		}
		payload = string(b)
	}
	return s.notifier.Append(txn, kind, payload)
}

func (s *LocalStore) announce() {
	if s.notifier != nil {
		s.notifier.Announce()
	}
}
