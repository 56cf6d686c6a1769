package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/usedtobeme/docsync/internal/model"
	"github.com/usedtobeme/docsync/internal/persistence"
)

// targetIDCounterKey is the metadata row holding the durable target id
// counter.
const targetIDCounterKey = "next_target_id"

// TargetRegistry is the durable record of which queries are being
// watched, their resume tokens, and their listener reference counts.
type TargetRegistry struct {
	db *persistence.DB
}

// NewTargetRegistry creates a registry over the shared store.
func NewTargetRegistry(db *persistence.DB) *TargetRegistry {
	return &TargetRegistry{db: db}
}

// Allocate returns the target for a query, creating it if this is the
// first listener and bumping the reference count either way. The
// second return is true when the target was newly created.
func (r *TargetRegistry) Allocate(txn *persistence.Txn, query model.Query) (model.Target, bool, error) {
	if err := query.Validate(); err != nil {
		return model.Target{}, false, fmt.Errorf("invalid query: %w", err)
	}

	canonical := query.CanonicalID()

	var (
		id       int64
		token    []byte
		refCount int
	)
	err := txn.QueryRow(
		"SELECT target_id, resume_token, listener_count FROM targets WHERE canonical_id = ?",
		canonical,
	).Scan(&id, &token, &refCount)
	if err == nil {
		if _, err := txn.Exec(
			"UPDATE targets SET listener_count = listener_count + 1, updated_at = ? WHERE target_id = ?",
			now(), id,
		); err != nil {
			return model.Target{}, false, fmt.Errorf("failed to retain target %d: %w", id, err)
		}
		return model.Target{
			ID:            model.TargetID(id),
			Query:         query,
			ResumeToken:   token,
			ListenerCount: refCount + 1,
		}, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Target{}, false, fmt.Errorf("failed to load target for %q: %w", canonical, err)
	}

	// Not watched yet; allocate a fresh id and register it.
	res, err := txn.Exec(
		"UPDATE metadata SET value = value + 1 WHERE key = ?", targetIDCounterKey,
	)
	if err != nil {
		return model.Target{}, false, fmt.Errorf("failed to advance target counter: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if _, err := txn.Exec(
			"INSERT INTO metadata (key, value) VALUES (?, 1)", targetIDCounterKey,
		); err != nil {
			return model.Target{}, false, fmt.Errorf("failed to seed target counter: %w", err)
		}
	}
	if err := txn.QueryRow(
		"SELECT value FROM metadata WHERE key = ?", targetIDCounterKey,
	).Scan(&id); err != nil {
		return model.Target{}, false, fmt.Errorf("failed to read target counter: %w", err)
	}

	queryJSON, err := json.Marshal(query)
	if err != nil {
		return model.Target{}, false, fmt.Errorf("failed to marshal query: %w", err)
	}

	if _, err := txn.Exec(`
		INSERT INTO targets (target_id, canonical_id, query, listener_count, updated_at)
		VALUES (?, ?, ?, 1, ?)`,
		id, canonical, string(queryJSON), now(),
	); err != nil {
		return model.Target{}, false, fmt.Errorf("failed to register target for %q: %w", canonical, err)
	}

	return model.Target{
		ID:            model.TargetID(id),
		Query:         query,
		ListenerCount: 1,
	}, true, nil
}

// Release decrements the reference count and removes the target when
// it reaches zero. Returns true when the target was removed.
func (r *TargetRegistry) Release(txn *persistence.Txn, id model.TargetID) (bool, error) {
	var refCount int
	err := txn.QueryRow(
		"SELECT listener_count FROM targets WHERE target_id = ?", int64(id),
	).Scan(&refCount)
	if err != nil {
		return false, fmt.Errorf("failed to load target %d: %w", id, err)
	}

	if refCount <= 1 {
		if _, err := txn.Exec("DELETE FROM targets WHERE target_id = ?", int64(id)); err != nil {
			return false, fmt.Errorf("failed to remove target %d: %w", id, err)
		}
		return true, nil
	}

	if _, err := txn.Exec(
		"UPDATE targets SET listener_count = listener_count - 1, updated_at = ? WHERE target_id = ?",
		now(), int64(id),
	); err != nil {
		return false, fmt.Errorf("failed to release target %d: %w", id, err)
	}
	return false, nil
}

// UpdateResumeToken persists the latest resume token for a target. A
// missing target is not an error; the release may already have
// committed while a straggler snapshot was in flight.
func (r *TargetRegistry) UpdateResumeToken(txn *persistence.Txn, id model.TargetID, token []byte) error {
	if len(token) == 0 {
		return nil
	}
	if _, err := txn.Exec(
		"UPDATE targets SET resume_token = ?, updated_at = ? WHERE target_id = ?",
		token, now(), int64(id),
	); err != nil {
		return fmt.Errorf("failed to update resume token for target %d: %w", id, err)
	}
	return nil
}

// ActiveTargets returns every registered target in id order.
// Non-durable read; the remote store uses it to re-listen after a
// reconnect.
func (r *TargetRegistry) ActiveTargets(ctx context.Context) ([]model.Target, error) {
	rows, err := r.db.Query(ctx,
		"SELECT target_id, query, resume_token, listener_count FROM targets ORDER BY target_id ASC",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query targets: %w", err)
	}
	defer rows.Close()

	var targets []model.Target
	for rows.Next() {
		var (
			id        int64
			queryJSON string
			token     []byte
			refCount  int
		)
		if err := rows.Scan(&id, &queryJSON, &token, &refCount); err != nil {
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}

		var q model.Query
		if err := json.Unmarshal([]byte(queryJSON), &q); err != nil {
			return nil, fmt.Errorf("failed to unmarshal query for target %d: %w", id, err)
		}

		targets = append(targets, model.Target{
			ID:            model.TargetID(id),
			Query:         q,
			ResumeToken:   token,
			ListenerCount: refCount,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating targets: %w", err)
	}
	return targets, nil
}

// now returns the schema timestamp format used across the registry.
func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
