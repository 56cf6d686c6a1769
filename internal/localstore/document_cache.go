package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/usedtobeme/docsync/internal/model"
	"github.com/usedtobeme/docsync/internal/persistence"
)

// DocumentCache is the durable cache of server-confirmed document
// state. Pending local mutations never touch it; they live in the
// mutation queue and are overlaid at read time.
type DocumentCache struct {
	db *persistence.DB
}

// NewDocumentCache creates a cache over the shared store.
func NewDocumentCache(db *persistence.DB) *DocumentCache {
	return &DocumentCache{db: db}
}

// Set upserts a server-confirmed document state, tombstones included.
func (c *DocumentCache) Set(txn *persistence.Txn, doc model.Document) error {
	var fieldsJSON sql.NullString
	if doc.Fields != nil {
		b, err := json.Marshal(doc.Fields)
		if err != nil {
			return fmt.Errorf("failed to marshal fields for %s: %w", doc.Key, err)
		}
		fieldsJSON = sql.NullString{String: string(b), Valid: true}
	}

	deleted := 0
	if doc.Deleted {
		deleted = 1
	}

	_, err := txn.Exec(`
		INSERT INTO documents (path, version, fields, deleted, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			version = excluded.version,
			fields = excluded.fields,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at`,
		string(doc.Key), int64(doc.Version), fieldsJSON, deleted, now(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert document %s: %w", doc.Key, err)
	}
	return nil
}

// GetTxn reads one cached document inside a transaction. Returns a
// zero document with ok=false when nothing is cached.
func (c *DocumentCache) GetTxn(txn *persistence.Txn, key model.DocumentKey) (model.Document, bool, error) {
	row := txn.QueryRow(
		"SELECT path, version, fields, deleted FROM documents WHERE path = ?",
		string(key),
	)
	return scanDocument(row)
}

// Get reads one cached document outside any transaction.
func (c *DocumentCache) Get(ctx context.Context, key model.DocumentKey) (model.Document, bool, error) {
	row := c.db.QueryRow(ctx,
		"SELECT path, version, fields, deleted FROM documents WHERE path = ?",
		string(key),
	)
	return scanDocument(row)
}

// GetMatching returns all cached non-tombstone documents in the
// query's collection that pass its filters.
func (c *DocumentCache) GetMatching(ctx context.Context, query model.Query) ([]model.Document, error) {
	all, err := c.GetCollection(ctx, query.CollectionPath)
	if err != nil {
		return nil, err
	}
	var docs []model.Document
	for _, doc := range all {
		if query.Matches(doc) {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// GetCollection returns every cached non-tombstone document directly
// in a collection, unfiltered. The read path needs the full base: a
// pending patch can move a document into a query's result set, so
// filters only run after the overlay is applied.
func (c *DocumentCache) GetCollection(ctx context.Context, collectionPath string) ([]model.Document, error) {
	prefix := collectionPath + "/"
	rows, err := c.db.Query(ctx, `
		SELECT path, version, fields, deleted FROM documents
		WHERE path LIKE ? AND path NOT LIKE ? AND deleted = 0
		ORDER BY path ASC`,
		prefix+"%", prefix+"%/%",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents for %q: %w", collectionPath, err)
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		doc, ok, err := scanDocumentRows(rows)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}
	return docs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row *sql.Row) (model.Document, bool, error) {
	return scanDocumentFrom(row)
}

func scanDocumentRows(rows *sql.Rows) (model.Document, bool, error) {
	return scanDocumentFrom(rows)
}

func scanDocumentFrom(s rowScanner) (model.Document, bool, error) {
	var (
		path       string
		version    int64
		fieldsJSON sql.NullString
		deleted    int
	)
	if err := s.Scan(&path, &version, &fieldsJSON, &deleted); err != nil {
		if err == sql.ErrNoRows {
			return model.Document{}, false, nil
		}
		return model.Document{}, false, fmt.Errorf("failed to scan document: %w", err)
	}

	doc := model.Document{
		Key:     model.DocumentKey(path),
		Version: model.SnapshotVersion(version),
		Deleted: deleted != 0,
	}
	if fieldsJSON.Valid && fieldsJSON.String != "" {
		if err := json.Unmarshal([]byte(fieldsJSON.String), &doc.Fields); err != nil {
			return model.Document{}, false, fmt.Errorf("failed to unmarshal fields for %s: %w", path, err)
		}
	}
	return doc, true, nil
}
