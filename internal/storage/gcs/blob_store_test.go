package gcs_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/web-archiver/internal/archive"
	"github.com/JakeFAU/web-archiver/internal/storage/gcs"
)

const bucketName = "test-bucket"

// newTestStore points a real GCS client at an httptest server.
func newTestStore(t *testing.T, handler http.Handler) *gcs.BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(
		context.Background(),
		option.WithEndpoint(server.URL),
		option.WithoutAuthentication(),
		storage.WithJSONReads(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := gcs.New(client, gcs.Config{Bucket: bucketName})
	require.NoError(t, err)
	return store
}

func TestNewValidation(t *testing.T) {
	_, err := gcs.New(nil, gcs.Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()
	_, err = gcs.New(client, gcs.Config{})
	require.Error(t, err)
}

func TestPutObject(t *testing.T) {
	key := "archives/job-1/archive-job-1.wacz"
	data := "wacz-data"

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, fmt.Sprintf("/b/%s/o", bucketName))
		assert.Equal(t, key, r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), data)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"bucket":%q,"name":%q,"size":"%d"}`, bucketName, key, len(data))
	})

	store := newTestStore(t, handler)
	uri, err := store.PutObject(context.Background(), key, "application/wacz", strings.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "gs://test-bucket/"+key, uri)
}

func TestPutObjectError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	store := newTestStore(t, handler)

	_, err := store.PutObject(context.Background(), "archives/job-1/a.wacz", "", strings.NewReader("x"))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), " ", "", strings.NewReader("x"))
	require.Error(t, err)
}

func TestGetObjectNotFound(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	store := newTestStore(t, handler)

	_, _, err := store.GetObject(context.Background(), "archives/missing/a.wacz")
	require.ErrorIs(t, err, archive.ErrObjectNotFound)
}

func TestDeletePrefix(t *testing.T) {
	var (
		mu      sync.Mutex
		deleted []string
	)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			assert.Equal(t, "archives/job-1/", r.URL.Query().Get("prefix"))
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"kind":"storage#objects","items":[`+
				`{"bucket":"test-bucket","name":"archives/job-1/archive-job-1.wacz"},`+
				`{"bucket":"test-bucket","name":"archives/job-1/archive-job-1.json"}]}`)
		case http.MethodDelete:
			mu.Lock()
			deleted = append(deleted, r.URL.Path)
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	store := newTestStore(t, handler)

	require.NoError(t, store.DeletePrefix(context.Background(), "archives/job-1/"))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, deleted, 2)
	assert.Contains(t, deleted[0], "archive-job-1.wacz")
	assert.Contains(t, deleted[1], "archive-job-1.json")

	require.Error(t, store.DeletePrefix(context.Background(), ""))
}
