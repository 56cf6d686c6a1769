package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

// setupTestDB opens a store in a temp directory.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenCreatesSchema(t *testing.T) {
	db := setupTestDB(t)

	// Every table the subsystem needs must exist after Open.
	tables := []string{
		"documents", "mutation_batches", "metadata",
		"targets", "client_leases", "notify_log",
	}
	for _, table := range tables {
		var name string
		row := db.QueryRow(context.Background(),
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table)
		if err := row.Scan(&name); err != nil {
			t.Errorf("Table %q missing: %v", table, err)
		}
	}
}

func TestRunTransactionCommits(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	err := db.RunTransaction(ctx, "Insert metadata", func(txn *Txn) error {
		_, err := txn.Exec(`INSERT INTO metadata (key, value) VALUES ('k', 7)`)
		return err
	})
	if err != nil {
		t.Fatalf("RunTransaction failed: %v", err)
	}

	var value int
	if err := db.QueryRow(ctx, `SELECT value FROM metadata WHERE key='k'`).Scan(&value); err != nil {
		t.Fatalf("Failed to read committed row: %v", err)
	}
	if value != 7 {
		t.Errorf("value = %d, want 7", value)
	}
}

func TestRunTransactionRollsBackOnError(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	wantErr := errors.New("boom")
	err := db.RunTransaction(ctx, "Insert then fail", func(txn *Txn) error {
		if _, err := txn.Exec(`INSERT INTO metadata (key, value) VALUES ('k', 1)`); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("RunTransaction error = %v, want %v", err, wantErr)
	}

	var count int
	if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM metadata`).Scan(&count); err != nil {
		t.Fatalf("Failed to count rows: %v", err)
	}
	if count != 0 {
		t.Errorf("rolled-back transaction left %d rows", count)
	}
}

func TestRunTransactionWhileUnhealthy(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	db.SetHealthy(false)

	ran := false
	err := db.RunTransaction(ctx, "Should not run", func(txn *Txn) error {
		ran = true
		return nil
	})
	if !IsUnavailable(err) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
	if ran {
		t.Error("transaction body ran against unhealthy store")
	}
}

func TestRunTransactionUnhealthyBeforeCommit(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	// The flag flips mid-transaction; the commit check must abort and
	// leave no durable trace.
	err := db.RunTransaction(ctx, "Flag flips mid-txn", func(txn *Txn) error {
		if _, err := txn.Exec(`INSERT INTO metadata (key, value) VALUES ('k', 1)`); err != nil {
			return err
		}
		db.SetHealthy(false)
		return nil
	})
	if !IsUnavailable(err) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}

	var count int
	if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM metadata`).Scan(&count); err != nil {
		t.Fatalf("Failed to count rows: %v", err)
	}
	if count != 0 {
		t.Errorf("aborted transaction left %d rows", count)
	}
}

func TestReadsBypassHealthFlag(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	err := db.RunTransaction(ctx, "Seed", func(txn *Txn) error {
		_, err := txn.Exec(`INSERT INTO metadata (key, value) VALUES ('k', 3)`)
		return err
	})
	if err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	db.SetHealthy(false)

	var value int
	if err := db.QueryRow(ctx, `SELECT value FROM metadata WHERE key='k'`).Scan(&value); err != nil {
		t.Fatalf("Read failed while unhealthy: %v", err)
	}
	if value != 3 {
		t.Errorf("value = %d, want 3", value)
	}
}

func TestRecoveryAfterHealthRestored(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	db.SetHealthy(false)
	if err := db.RunTransaction(ctx, "Fails", func(txn *Txn) error { return nil }); !IsUnavailable(err) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}

	db.SetHealthy(true)
	err := db.RunTransaction(ctx, "Succeeds", func(txn *Txn) error {
		_, err := txn.Exec(`INSERT INTO metadata (key, value) VALUES ('k', 1)`)
		return err
	})
	if err != nil {
		t.Fatalf("RunTransaction after recovery failed: %v", err)
	}
}

func TestErrorLabel(t *testing.T) {
	db := setupTestDB(t)
	db.SetHealthy(false)

	err := db.RunTransaction(context.Background(), "Acknowledge batch", func(txn *Txn) error { return nil })
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); got != "Acknowledge batch: persistence unavailable" {
		t.Errorf("error = %q, want label-prefixed message", got)
	}
}
