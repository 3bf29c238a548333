package store

import (
	"context"
	"os"
	"testing"

	"github.com/tutorloop/sync-server/internal/db"
)

// getTestStore connects to the database named by TEST_DATABASE_URL,
// migrates, and truncates the sync tables so every test starts clean.
func getTestStore(t *testing.T) Store {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration tests")
	}

	ctx := context.Background()
	pool, err := db.Open(ctx, dbURL, 4)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := Migrate(ctx, pool); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		DELETE FROM sync_oplog;
		DELETE FROM sync_records;
		DELETE FROM sync_owners;
	`); err != nil {
		t.Fatalf("Failed to clean test database: %v", err)
	}

	return NewPostgres(pool, testSchemas(t))
}

func TestPostgresStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return getTestStore(t)
	})
}
