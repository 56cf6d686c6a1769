// Package remote manages the logical watch and write streams to the
// backend: opening and closing the connection, mapping server events
// to target and mutation state changes, and reporting connectivity.
package remote

import (
	"context"

	"github.com/usedtobeme/docsync/internal/model"
)

// WatchChange is one event from the server's watch stream.
//
// A change with a non-zero SnapshotVersion marks a consistent point:
// everything received since the previous snapshot forms one remote
// event and is applied to the local store as a unit.
type WatchChange struct {
	// TargetIDs lists the targets the change applies to. Empty means
	// all active targets.
	TargetIDs []model.TargetID

	// Document carries a changed document state (tombstones included);
	// nil for target-only changes.
	Document *model.Document

	// ResumeToken, when present, replaces the stored token for the
	// listed targets.
	ResumeToken []byte

	// Current marks the listed targets as caught up.
	Current bool

	// SnapshotVersion closes a consistent snapshot when non-zero.
	SnapshotVersion model.SnapshotVersion
}

// TransportHandler receives protocol events from the transport.
// Callbacks arrive on the transport's goroutine; the remote store
// re-serializes them onto the scheduler.
type TransportHandler interface {
	OnWatchChange(change WatchChange)
	OnWatchError(targetID model.TargetID, err error)
	OnWriteAck(batchID model.BatchID, versions []model.SnapshotVersion)
	OnWriteError(batchID model.BatchID, reason string)
	OnStreamClose(err error)
}

// Transport is the wire connection to the backend. Only protocol
// semantics matter here; the encoding is the transport's business.
type Transport interface {
	// Connect opens the stream. The handler must be set first.
	Connect(ctx context.Context) error

	// Close tears the stream down. Safe to call when not connected.
	Close() error

	SendListen(ctx context.Context, target model.Target) error
	SendUnlisten(ctx context.Context, targetID model.TargetID) error
	SendWrite(ctx context.Context, batch model.MutationBatch) error

	// SetHandler registers the event sink. Must be called before
	// Connect.
	SetHandler(h TransportHandler)
}
