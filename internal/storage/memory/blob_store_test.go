package memory

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/web-archiver/internal/archive"
)

func TestBlobStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	uri, err := store.PutObject(ctx, "archives/job-1/archive-job-1.wacz", "application/wacz", strings.NewReader("payload"))
	require.NoError(t, err)
	assert.Equal(t, "mem://archives/job-1/archive-job-1.wacz", uri)

	rc, info, err := store.GetObject(ctx, "archives/job-1/archive-job-1.wacz")
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))
	assert.Equal(t, int64(7), info.Size)
	assert.Equal(t, "application/wacz", info.ContentType)
}

func TestBlobStoreDeletePrefix(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	for _, key := range []string{"archives/a/x.wacz", "archives/a/y.json", "archives/b/z.wacz"} {
		_, err := store.PutObject(ctx, key, "", strings.NewReader(key))
		require.NoError(t, err)
	}
	require.NoError(t, store.DeletePrefix(ctx, "archives/a/"))
	assert.Equal(t, []string{"archives/b/z.wacz"}, store.Keys())

	_, _, err := store.GetObject(ctx, "archives/a/x.wacz")
	require.ErrorIs(t, err, archive.ErrObjectNotFound)
	require.Error(t, store.DeletePrefix(ctx, " "))
}
