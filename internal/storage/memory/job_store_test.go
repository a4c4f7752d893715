package memory

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
	storagetest.Run(t, func(*testing.T) archive.JobStore { return NewJobStore() })
}

// TestJobStoreReturnsCopies guards against callers mutating stored state.
func TestJobStoreReturnsCopies(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	storagetest.MustCreate(t, store, storagetest.NewJob("job-1", 0))

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	got.Status = archive.StatusCompleted
	got.URL = "modified"

	again, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, archive.StatusPending, again.Status)
	assert.Equal(t, "https://example.com/job-1", again.URL)
}
