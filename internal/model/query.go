package model

import (
	"fmt"
	"sort"
	"strings"
)

// FieldFilter is a single equality constraint on a document field.
// Only equality is supported; richer operators belong to the query
// layer above this subsystem.
type FieldFilter struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// Query describes a watched set of documents: everything in one
// collection, optionally narrowed by equality filters.
type Query struct {
	CollectionPath string        `json:"collection"`
	Filters        []FieldFilter `json:"filters,omitempty"`
}

// NewQuery returns a query over a whole collection.
func NewQuery(collectionPath string) Query {
	return Query{CollectionPath: collectionPath}
}

// Where returns a copy of the query with an extra equality filter.
func (q Query) Where(field string, value any) Query {
	filters := make([]FieldFilter, len(q.Filters), len(q.Filters)+1)
	copy(filters, q.Filters)
	q.Filters = append(filters, FieldFilter{Field: field, Value: value})
	return q
}

// Validate checks structural validity of the query.
func (q Query) Validate() error {
	if q.CollectionPath == "" {
		return fmt.Errorf("query collection path cannot be empty")
	}
	if strings.HasSuffix(q.CollectionPath, "/") {
		return fmt.Errorf("query collection path %q must not end with a slash", q.CollectionPath)
	}
	for _, f := range q.Filters {
		if f.Field == "" {
			return fmt.Errorf("query filter field cannot be empty")
		}
	}
	return nil
}

// CanonicalID returns a stable textual identity for the query.
// Two queries with the same canonical id share one watch target.
func (q Query) CanonicalID() string {
	var sb strings.Builder
	sb.WriteString(q.CollectionPath)
	if len(q.Filters) > 0 {
		parts := make([]string, len(q.Filters))
		for i, f := range q.Filters {
			parts[i] = fmt.Sprintf("%s==%v", f.Field, f.Value)
		}
		sort.Strings(parts)
		sb.WriteString("|")
		sb.WriteString(strings.Join(parts, ","))
	}
	return sb.String()
}

// Matches reports whether a document belongs to the query's result
// set. Tombstones never match.
func (q Query) Matches(doc Document) bool {
	if doc.Deleted {
		return false
	}
	if doc.Key.CollectionPath() != q.CollectionPath {
		return false
	}
	for _, f := range q.Filters {
		v, ok := doc.Fields[f.Field]
		if !ok || v != f.Value {
			return false
		}
	}
	return true
}

// TargetID identifies a watch target in the durable registry and on
// the wire.
type TargetID int32

// Target is a durably registered watched query.
type Target struct {
	ID          TargetID
	Query       Query
	ResumeToken []byte

	// ListenerCount is the number of local listeners holding the
	// target. The target is released when it reaches zero.
	ListenerCount int
}
