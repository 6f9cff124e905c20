// Package dbtest provides a migrated sqlite store for tests in other packages.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/abdulachik/schedpost/internal/db"
	"github.com/stretchr/testify/require"
)

// NewStore returns a migrated store in a temporary directory, closed when the
// test finishes.
func NewStore(t testing.TB) *db.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	ctx := context.Background()
	store, err := db.NewStore(ctx, dbPath)
	require.NoError(t, err)

	require.NoError(t, store.Migrate(ctx))

	t.Cleanup(func() {
		store.Close()
	})

	return store
}
