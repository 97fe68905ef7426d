package memory

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crash-processor/internal/crash"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "v1/dump/abc", "application/octet-stream", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://v1/dump/abc" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'C'
	stored := string(store.data["v1/dump/abc"])
	if stored != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", stored)
	}
}

func TestBlobStoreGetObject(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()

	_, err := store.GetObject(ctx, "missing")
	require.ErrorIs(t, err, crash.ErrObjectNotFound)

	_, err = store.PutObject(ctx, "a/b", "", bytes.NewReader([]byte("v1")))
	require.NoError(t, err)
	_, err = store.PutObject(ctx, "a/b", "", bytes.NewReader([]byte("v2")))
	require.NoError(t, err)

	rc, err := store.GetObject(ctx, "a/b")
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "v2", string(got))
	require.Equal(t, 2, store.Writes("a/b"))
	require.Equal(t, []string{"a/b"}, store.Keys("a/"))
}
