package sqlite_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pbinitiative/zenbatch/pkg/storage"
	"github.com/pbinitiative/zenbatch/pkg/storage/sqlite"
	"github.com/pbinitiative/zenbatch/pkg/storage/storagetest"
)

func TestSqliteStorage(t *testing.T) {
	store, err := sqlite.NewStorage(filepath.Join(t.TempDir(), "zenbatch-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	var s storage.Storage = store

	tester := storagetest.StorageTester{}

	tests := tester.GetTests()
	tester.PrepareTestData(s, t)
	for name, testFunc := range tests {
		t.Run(name, testFunc(s, t))
	}
}

// Reopening the database runs the migrations again, they must be
// idempotent.
func TestSqliteStorageReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zenbatch-test.db")

	store, err := sqlite.NewStorage(path)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = sqlite.NewStorage(path)
	require.NoError(t, err)
	require.NoError(t, store.Close())
}
