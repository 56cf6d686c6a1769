// Package localstore composes the mutation queue, the target
// registry, and the server-confirmed document cache behind a single
// durable transaction boundary, and computes the local view of a
// query (cache plus pending local mutations).
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/usedtobeme/docsync/internal/model"
	"github.com/usedtobeme/docsync/internal/persistence"
)

// batchIDCounterKey is the metadata row holding the durable batch id
// counter. It only ever increases, so batch ids stay strictly
// increasing across restarts.
const batchIDCounterKey = "next_batch_id"

// MutationQueue is the ordered durable log of pending local writes.
//
// All mutating methods are transaction-scoped: they take the caller's
// Txn so queue changes commit atomically with the document-cache
// updates that belong to the same logical operation.
type MutationQueue struct {
	db *persistence.DB
}

// NewMutationQueue creates a queue over the shared store.
func NewMutationQueue(db *persistence.DB) *MutationQueue {
	return &MutationQueue{db: db}
}

// NextBatchID allocates the next batch id from the durable counter.
func (q *MutationQueue) NextBatchID(txn *persistence.Txn) (model.BatchID, error) {
	res, err := txn.Exec(
		"UPDATE metadata SET value = value + 1 WHERE key = ?", batchIDCounterKey,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to advance batch counter: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if _, err := txn.Exec(
			"INSERT INTO metadata (key, value) VALUES (?, 1)", batchIDCounterKey,
		); err != nil {
			return 0, fmt.Errorf("failed to seed batch counter: %w", err)
		}
	}

	var id int64
	if err := txn.QueryRow(
		"SELECT value FROM metadata WHERE key = ?", batchIDCounterKey,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to read batch counter: %w", err)
	}
	return model.BatchID(id), nil
}

// AddBatch appends a batch to the queue. The batch must already carry
// the id allocated by NextBatchID in the same transaction.
func (q *MutationQueue) AddBatch(txn *persistence.Txn, batch model.MutationBatch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	mutJSON, err := json.Marshal(batch.Mutations)
	if err != nil {
		return fmt.Errorf("failed to marshal mutations: %w", err)
	}

	_, err = txn.Exec(`
		INSERT INTO mutation_batches (batch_id, state, mutations, local_write_time)
		VALUES (?, ?, ?, ?)`,
		int64(batch.ID),
		string(model.BatchPending),
		string(mutJSON),
		batch.LocalWriteTime.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to append batch %d: %w", batch.ID, err)
	}
	return nil
}

// Acknowledge marks a pending batch acknowledged and records the
// server-assigned result versions. The caller must commit document
// cache updates in the same transaction.
func (q *MutationQueue) Acknowledge(txn *persistence.Txn, id model.BatchID, resultVersions []model.SnapshotVersion) error {
	verJSON, err := json.Marshal(resultVersions)
	if err != nil {
		return fmt.Errorf("failed to marshal result versions: %w", err)
	}

	res, err := txn.Exec(`
		UPDATE mutation_batches SET state = ?, result_versions = ?
		WHERE batch_id = ? AND state = ?`,
		string(model.BatchAcknowledged), string(verJSON),
		int64(id), string(model.BatchPending),
	)
	if err != nil {
		return fmt.Errorf("failed to acknowledge batch %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("batch %d is not pending", id)
	}
	return nil
}

// Reject marks a pending batch rejected with the server's reason.
func (q *MutationQueue) Reject(txn *persistence.Txn, id model.BatchID, reason string) error {
	res, err := txn.Exec(`
		UPDATE mutation_batches SET state = ?, rejection_reason = ?
		WHERE batch_id = ? AND state = ?`,
		string(model.BatchRejected), reason,
		int64(id), string(model.BatchPending),
	)
	if err != nil {
		return fmt.Errorf("failed to reject batch %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("batch %d is not pending", id)
	}
	return nil
}

// RemoveFinishedBatches evicts the contiguous run of acknowledged or
// rejected batches at the front of the queue and returns their ids.
//
// Only the front may be removed: a finished batch behind a pending one
// stays until the pending one resolves, keeping the queue a contiguous
// ordered sequence. The operation is idempotent; re-running it after a
// crash-recovery replay removes nothing extra.
func (q *MutationQueue) RemoveFinishedBatches(txn *persistence.Txn) ([]model.BatchID, error) {
	rows, err := txn.Query(
		"SELECT batch_id, state FROM mutation_batches ORDER BY batch_id ASC",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan queue front: %w", err)
	}

	var removable []model.BatchID
	for rows.Next() {
		var id int64
		var state string
		if err := rows.Scan(&id, &state); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		if model.BatchState(state) == model.BatchPending {
			break
		}
		removable = append(removable, model.BatchID(id))
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating queue: %w", err)
	}
	rows.Close()

	for _, id := range removable {
		if _, err := txn.Exec(
			"DELETE FROM mutation_batches WHERE batch_id = ?", int64(id),
		); err != nil {
			return nil, fmt.Errorf("failed to remove batch %d: %w", id, err)
		}
	}
	return removable, nil
}

// PendingBatches returns all not-yet-resolved batches in queue order.
// Non-durable read; used to fill the write pipeline and to rebuild the
// optimistic overlay.
func (q *MutationQueue) PendingBatches(ctx context.Context) ([]model.MutationBatch, error) {
	rows, err := q.db.Query(ctx, `
		SELECT batch_id, state, mutations, result_versions, rejection_reason, local_write_time
		FROM mutation_batches WHERE state = ? ORDER BY batch_id ASC`,
		string(model.BatchPending),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending batches: %w", err)
	}
	defer rows.Close()

	return scanBatches(rows)
}

// PendingCount returns the number of unresolved batches.
func (q *MutationQueue) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := q.db.QueryRow(ctx,
		"SELECT COUNT(*) FROM mutation_batches WHERE state = ?",
		string(model.BatchPending),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending batches: %w", err)
	}
	return count, nil
}

// scanBatches reads batches from query results.
func scanBatches(rows *sql.Rows) ([]model.MutationBatch, error) {
	var batches []model.MutationBatch

	for rows.Next() {
		var (
			id        int64
			state     string
			mutJSON   string
			verJSON   sql.NullString
			reason    sql.NullString
			writeTime string
		)
		if err := rows.Scan(&id, &state, &mutJSON, &verJSON, &reason, &writeTime); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}

		batch := model.MutationBatch{
			ID:              model.BatchID(id),
			State:           model.BatchState(state),
			RejectionReason: reason.String,
		}
		if err := json.Unmarshal([]byte(mutJSON), &batch.Mutations); err != nil {
			return nil, fmt.Errorf("failed to unmarshal mutations for batch %d: %w", id, err)
		}
		if verJSON.Valid && verJSON.String != "" {
			if err := json.Unmarshal([]byte(verJSON.String), &batch.ResultVersions); err != nil {
				return nil, fmt.Errorf("failed to unmarshal result versions for batch %d: %w", id, err)
			}
		}
		if t, err := time.Parse(time.RFC3339Nano, writeTime); err == nil {
			batch.LocalWriteTime = t
		}

		batches = append(batches, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating batches: %w", err)
	}
	return batches, nil
}
