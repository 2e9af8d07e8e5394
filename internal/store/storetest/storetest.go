// Package storetest opens throwaway databases for package tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"expocheckin/internal/store"
)

// Open returns a migrated SQLite database in a per-test directory.
func Open(t testing.TB) *store.DB {
	t.Helper()
	db, err := store.NewDB("sqlite", store.SQLiteDSN(filepath.Join(t.TempDir(), "expo.db")))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}
