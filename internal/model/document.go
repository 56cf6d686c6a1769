// Package model defines the core data types shared across the sync
// subsystem: documents, mutations, mutation batches, queries, and
// watch targets.
//
// Everything here is a plain value type. Durability and lifecycle
// rules live in the localstore and persistence packages; the types in
// this package only capture shape and a few pure operations
// (mutation application, query matching).
package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SnapshotVersion is a logical timestamp assigned by the server.
// Zero means "unknown" (a document that has never been confirmed
// remotely).
type SnapshotVersion int64

// DocumentKey identifies a document by its slash-separated path,
// e.g. "rooms/alpha". The last segment is the document id, the prefix
// is the collection path.
type DocumentKey string

// CollectionPath returns the collection portion of the key.
func (k DocumentKey) CollectionPath() string {
	idx := strings.LastIndex(string(k), "/")
	if idx < 0 {
		return ""
	}
	return string(k)[:idx]
}

// Validate checks that the key has at least a collection and a
// document id segment.
func (k DocumentKey) Validate() error {
	if k == "" {
		return fmt.Errorf("document key cannot be empty")
	}
	parts := strings.Split(string(k), "/")
	if len(parts)%2 != 0 {
		return fmt.Errorf("document key %q must have an even number of segments", k)
	}
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("document key %q contains an empty segment", k)
		}
	}
	return nil
}

// Document is one cached document as seen by a view.
//
// HasLocalMutations is true while any pending mutation batch touches
// the document. FromCache is true when the containing view has not
// been confirmed current by the server.
type Document struct {
	Key     DocumentKey
	Version SnapshotVersion
	Fields  map[string]any

	HasLocalMutations bool
	FromCache         bool

	// Deleted marks a tombstone: the server (or a pending delete
	// mutation) says the document does not exist. Tombstones are kept
	// in the cache so a resumed watch stream does not resurrect them.
	Deleted bool
}

// Clone returns a deep copy. Views hand documents to application
// callbacks, so shared field maps would be a data race waiting to
// happen.
func (d Document) Clone() Document {
	out := d
	if d.Fields != nil {
		out.Fields = make(map[string]any, len(d.Fields))
		for k, v := range d.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// ByKey sorts documents lexicographically by key. Views emit documents
// in this order so event batches are deterministic.
func ByKey(docs []Document) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].Key < docs[j].Key })
}

// Now returns the current wall-clock time truncated to millisecond
// precision, the resolution stored in the durable schema.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
