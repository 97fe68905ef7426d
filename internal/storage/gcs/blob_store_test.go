package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/crash-processor/internal/crash"
)

// newTestStore creates a BlobStore pointed at a test server.
func newTestStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(
		context.Background(),
		option.WithEndpoint(server.URL),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "crashes", Prefix: "prod"})
	require.NoError(t, err)
	return store
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	assert.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()
	_, err = New(client, Config{})
	assert.Error(t, err)
}

func TestPutObjectUploadsToPrefixedName(t *testing.T) {
	t.Parallel()

	objectData := []byte(`{"signature":"foo::crash()"}`)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/crashes/o")
		assert.Equal(t, "prod/v1/processed_crash/abc-123", r.URL.Query().Get("name"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), string(objectData))

		fmt.Fprintln(w, `{ "name": "prod/v1/processed_crash/abc-123", "bucket": "crashes" }`)
	})

	store := newTestStore(t, handler)
	uri, err := store.PutObject(
		context.Background(),
		"v1/processed_crash/abc-123",
		"application/json",
		bytes.NewReader(objectData),
	)
	require.NoError(t, err)
	assert.Equal(t, "gs://crashes/prod/v1/processed_crash/abc-123", uri)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	store := newTestStore(t, handler)
	store.client.SetRetry(storage.WithPolicy(storage.RetryNever))

	_, err := store.PutObject(context.Background(), "v1/dump/abc-123", "", bytes.NewReader([]byte("x")))
	assert.Error(t, err)
}

func TestGetObjectNotFound(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	store := newTestStore(t, handler)

	_, err := store.GetObject(context.Background(), "v1/raw_crash/undated/abc-123")
	require.ErrorIs(t, err, crash.ErrObjectNotFound)
}
