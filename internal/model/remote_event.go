package model

// TargetChange carries per-target bookkeeping from a remote snapshot:
// the resume token to persist so the stream can resume rather than
// restart after a disconnect.
type TargetChange struct {
	TargetID    TargetID
	ResumeToken []byte

	// Current is true once the server has declared the target caught
	// up to the snapshot version; views drop FromCache at that point.
	Current bool
}

// RemoteEvent is one server-confirmed batch of changes, accumulated
// from the watch stream and applied to the local store in a single
// durable transaction.
type RemoteEvent struct {
	SnapshotVersion SnapshotVersion
	TargetChanges   map[TargetID]TargetChange

	// Documents are server-authoritative document states (including
	// tombstones for deletions).
	Documents []Document
}
