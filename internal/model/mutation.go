package model

import (
	"fmt"
	"time"
)

// MutationKind is the type of a single write intent.
type MutationKind string

const (
	// MutationSet replaces the whole document value.
	MutationSet MutationKind = "set"
	// MutationPatch merges fields into the existing value, creating
	// the document if it does not exist.
	MutationPatch MutationKind = "patch"
	// MutationDelete removes the document.
	MutationDelete MutationKind = "delete"
)

// Mutation is a single write intent on one document. Immutable once
// created.
type Mutation struct {
	Kind   MutationKind   `json:"kind"`
	Key    DocumentKey    `json:"key"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Validate checks structural validity of the mutation.
func (m Mutation) Validate() error {
	if err := m.Key.Validate(); err != nil {
		return err
	}
	switch m.Kind {
	case MutationSet, MutationPatch:
		if m.Fields == nil {
			return fmt.Errorf("%s mutation on %s requires fields", m.Kind, m.Key)
		}
	case MutationDelete:
		if m.Fields != nil {
			return fmt.Errorf("delete mutation on %s must not carry fields", m.Key)
		}
	default:
		return fmt.Errorf("unknown mutation kind %q", m.Kind)
	}
	return nil
}

// Apply projects the mutation onto a base document and returns the
// result. base may be the zero Document when nothing is cached yet.
// The returned document keeps the base version; versions only advance
// when the server confirms a write.
func (m Mutation) Apply(base Document) Document {
	out := base
	out.Key = m.Key
	out.HasLocalMutations = true

	switch m.Kind {
	case MutationSet:
		out.Fields = make(map[string]any, len(m.Fields))
		for k, v := range m.Fields {
			out.Fields[k] = v
		}
		out.Deleted = false
	case MutationPatch:
		merged := make(map[string]any, len(base.Fields)+len(m.Fields))
		if !base.Deleted {
			for k, v := range base.Fields {
				merged[k] = v
			}
		}
		for k, v := range m.Fields {
			merged[k] = v
		}
		out.Fields = merged
		out.Deleted = false
	case MutationDelete:
		out.Fields = nil
		out.Deleted = true
	}
	return out
}

// BatchID identifies a mutation batch. Ids are assigned from a durable
// counter and are strictly increasing across the life of the store,
// including restarts.
type BatchID int64

// BatchState is the durable lifecycle state of a mutation batch.
type BatchState string

const (
	// BatchPending means the batch is enqueued and not yet resolved by
	// the server (or its resolution has not durably committed).
	BatchPending BatchState = "pending"
	// BatchAcknowledged means the server applied the batch and the
	// acknowledgment has been durably committed.
	BatchAcknowledged BatchState = "acknowledged"
	// BatchRejected means the server refused the batch and the
	// rejection has been durably committed.
	BatchRejected BatchState = "rejected"
)

// MutationBatch is an ordered, non-empty group of mutations sharing
// one batch id.
type MutationBatch struct {
	ID             BatchID
	State          BatchState
	Mutations      []Mutation
	LocalWriteTime time.Time

	// ResultVersions holds the per-mutation version assigned by the
	// server on acknowledgment, parallel to Mutations. Nil until then.
	ResultVersions []SnapshotVersion

	// RejectionReason records why the server refused the batch.
	RejectionReason string
}

// Validate checks structural validity of the batch.
func (b MutationBatch) Validate() error {
	if b.ID <= 0 {
		return fmt.Errorf("batch id must be positive, got %d", b.ID)
	}
	if len(b.Mutations) == 0 {
		return fmt.Errorf("batch %d has no mutations", b.ID)
	}
	for i, m := range b.Mutations {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("batch %d mutation %d: %w", b.ID, i, err)
		}
	}
	return nil
}

// Keys returns the set of document keys the batch touches.
func (b MutationBatch) Keys() []DocumentKey {
	seen := make(map[DocumentKey]struct{}, len(b.Mutations))
	var keys []DocumentKey
	for _, m := range b.Mutations {
		if _, ok := seen[m.Key]; ok {
			continue
		}
		seen[m.Key] = struct{}{}
		keys = append(keys, m.Key)
	}
	return keys
}
