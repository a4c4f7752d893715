package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/web-archiver/internal/archive"
	"github.com/JakeFAU/web-archiver/internal/storage/storagetest"
)

func TestJobStoreConformance(t *testing.T) {
	t.Parallel()
	storagetest.Run(t, func(t *testing.T) archive.JobStore {
		store, err := Open(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestJobStoreReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)
	storagetest.MustCreate(t, store, storagetest.NewJob("job-1", 0))
	require.NoError(t, store.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, archive.StatusPending, got.Status)
	require.NoError(t, reopened.Ping(context.Background()))
}

func TestOpenRequiresDir(t *testing.T) {
	t.Parallel()
	_, err := Open("")
	require.Error(t, err)
}
