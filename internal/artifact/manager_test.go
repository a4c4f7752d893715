package artifact

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/web-archiver/internal/archive"
	"github.com/JakeFAU/web-archiver/internal/storage/local"
	"github.com/JakeFAU/web-archiver/internal/storage/memory"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0o600))
	return p
}

func TestPersistAndOpenRoundTrip(t *testing.T) {
	t.Parallel()

	blobs, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	mgr, err := NewManager(blobs, "archives", zap.NewNop())
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("PK\x03\x04wacz"), 1024)
	src := writeFile(t, "crawl.wacz", payload)

	ref, err := mgr.Persist(context.Background(), "job-1", src)
	require.NoError(t, err)
	assert.Equal(t, "job-1/archive-job-1.wacz", ref.Key)
	assert.Equal(t, "archive-job-1.wacz", ref.Filename)
	assert.Equal(t, int64(len(payload)), ref.Size)
	assert.Len(t, ref.SHA256, 64)
	assert.Equal(t, "file://"+filepath.Join(blobs.BaseDir(), "archives", "job-1", "archive-job-1.wacz"), ref.URI)

	rc, info, err := mgr.Open(context.Background(), "job-1", ref.Filename)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, "application/wacz", info.ContentType)
}

func TestPersistIsIdempotent(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	mgr, err := NewManager(blobs, "", nil)
	require.NoError(t, err)
	src := writeFile(t, "out.warc.gz", []byte("warc-data"))

	first, err := mgr.Persist(context.Background(), "job-1", src)
	require.NoError(t, err)
	second, err := mgr.Persist(context.Background(), "job-1", src)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "archive-job-1.warc.gz", first.Filename)
	assert.Equal(t, []string{"archives/job-1/archive-job-1.warc.gz"}, blobs.Keys())
}

func TestOpenMissingReturnsNotFound(t *testing.T) {
	t.Parallel()

	mgr, err := NewManager(memory.NewBlobStore(), "archives", nil)
	require.NoError(t, err)

	_, _, err = mgr.Open(context.Background(), "job-1", "archive-job-1.wacz")
	require.ErrorIs(t, err, archive.ErrNotFound)

	_, _, err = mgr.Open(context.Background(), "job-1", "../job-2/archive-job-2.wacz")
	require.ErrorIs(t, err, archive.ErrNotFound)
}

func TestRemoveDeletesJobPrefixOnly(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	mgr, err := NewManager(blobs, "archives", nil)
	require.NoError(t, err)
	src := writeFile(t, "crawl.json", []byte(`{"pages":[]}`))

	_, err = mgr.Persist(context.Background(), "job-1", src)
	require.NoError(t, err)
	_, err = mgr.Persist(context.Background(), "job-10", src)
	require.NoError(t, err)

	require.NoError(t, mgr.Remove(context.Background(), "job-1"))
	assert.Equal(t, []string{"archives/job-10/archive-job-10.json"}, blobs.Keys())
}

type failingBlobs struct{ archive.BlobStore }

func (failingBlobs) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket unavailable")
}

func TestPersistWrapsStorageErrors(t *testing.T) {
	t.Parallel()

	mgr, err := NewManager(failingBlobs{}, "archives", nil)
	require.NoError(t, err)

	_, err = mgr.Persist(context.Background(), "job-1", writeFile(t, "a.wacz", []byte("x")))
	require.ErrorIs(t, err, archive.ErrStorage)
	assert.Contains(t, err.Error(), "bucket unavailable")

	_, err = mgr.Persist(context.Background(), "job-1", filepath.Join(t.TempDir(), "missing.wacz"))
	require.ErrorIs(t, err, archive.ErrStorage)
}

func TestExt(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ".wacz", Ext("/tmp/x/crawl.WACZ"))
	assert.Equal(t, ".warc.gz", Ext("rec-1.warc.gz"))
	assert.Equal(t, ".json", Ext("site.json"))
	assert.Equal(t, "", Ext("noext"))
}
