// Package testing provides testing utilities and helpers for the allocator project.
package testing

import (
	"fmt"
	"os"
	"testing"

	"github.com/billmoling/allocator/internal/database"
)

// NewTestDB creates a temporary SQLite database for testing with automatic schema migration.
// Returns the database instance and a cleanup function that closes the connection.
//
// Supported schema names: "history", "portfolio", "ledger", "universe".
// Unknown names create an empty database.
func NewTestDB(t *testing.T, name string) (*database.DB, func()) {
	t.Helper()
	return newTestDB(t, name, database.ProfileStandard, "")
}

// NewTestDBWithProfile is NewTestDB with an explicit connection profile
func NewTestDBWithProfile(t *testing.T, name string, profile database.DatabaseProfile) (*database.DB, func()) {
	t.Helper()
	return newTestDB(t, name, profile, "")
}

// NewTestDBWithSchema creates a temporary database and executes schema on it instead of migrating.
func NewTestDBWithSchema(t *testing.T, name string, schema string) (*database.DB, func()) {
	t.Helper()
	return newTestDB(t, name, database.ProfileStandard, schema)
}

func newTestDB(t *testing.T, name string, profile database.DatabaseProfile, schema string) (*database.DB, func()) {
	t.Helper()

	// A temporary file per test keeps databases isolated
	tmpFile, err := os.CreateTemp("", fmt.Sprintf("test_%s_*.db", name))
	if err != nil {
		t.Fatalf("Failed to create temporary database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: profile,
		Name:    name,
	})
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to create test database %s: %v", name, err)
	}

	if schema != "" {
		_, err = db.Conn().Exec(schema)
	} else {
		err = db.Migrate()
	}
	if err != nil {
		_ = db.Close()
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to prepare test database %s: %v", name, err)
	}

	closed := false
	return db, func() {
		if closed {
			return
		}
		closed = true
		if err := db.Close(); err != nil {
			t.Logf("Warning: Failed to close test database %s: %v", name, err)
		}
		for _, suffix := range []string{"", "-wal", "-shm"} {
			_ = os.Remove(tmpPath + suffix)
		}
	}
}
