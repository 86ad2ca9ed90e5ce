// Package testutil holds the fixtures and fakes shared by ponder's tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/quantumlife/ponder/internal/ledger"
	"github.com/quantumlife/ponder/internal/storage"
)

// TestDB opens a migrated in-memory database that is closed with the test.
func TestDB(t *testing.T) *storage.DB {
	t.Helper()

	db, err := storage.Open(storage.Config{InMemory: true})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return db
}

// TestLedger creates the ledger table in db
func TestLedger(t *testing.T, db *storage.DB) *ledger.Store {
	t.Helper()
	led := ledger.NewStore(db.Conn())
	if err := led.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure ledger schema: %v", err)
	}
	return led
}

// SeedNotes stores notes in db and returns the note store
func SeedNotes(t *testing.T, db *storage.DB, notes ...*storage.Note) *storage.NoteStore {
	t.Helper()
	store := storage.NewNoteStore(db)
	for _, n := range notes {
		if err := store.Create(context.Background(), n); err != nil {
			t.Fatalf("seed note %q: %v", n.Title, err)
		}
	}
	return store
}

// TestContext returns a context cancelled after 30s or when the test ends.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}
