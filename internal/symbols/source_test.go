package symbols

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crash-processor/internal/crash"
)

func TestSymbolFileName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "xul.sym", SymbolFileName("xul.pdb"))
	assert.Equal(t, "libxul.so.sym", SymbolFileName("libxul.so"))
	assert.Equal(t, "XUL.sym", SymbolFileName("XUL"))
}

func TestHTTPSourceFetch(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "crash-processor-test", r.Header.Get("User-Agent"))
		switch r.URL.Path {
		case "/symbols/libfoo.so/ABC123/libfoo.so.sym":
			_, _ = io.WriteString(w, "MODULE Linux x86_64 ABC123 libfoo.so\n")
		case "/symbols/broken.so/ABC123/broken.so.sym":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)

	src, err := NewHTTPSource(HTTPConfig{
		BaseURL:   server.URL + "/symbols/",
		Timeout:   time.Second,
		UserAgent: "crash-processor-test",
	}, server.Client())
	require.NoError(t, err)

	ctx := context.Background()
	body, err := src.Fetch(ctx, libfoo)
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	assert.Equal(t, "MODULE Linux x86_64 ABC123 libfoo.so\n", string(data))

	_, err = src.Fetch(ctx, crash.SymbolRef{Module: "libnone.so", DebugID: "ABC123"})
	require.ErrorIs(t, err, ErrMissing)

	_, err = src.Fetch(ctx, crash.SymbolRef{Module: "broken.so", DebugID: "ABC123"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMissing)
}

func TestHTTPSourceTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})

	src, err := NewHTTPSource(HTTPConfig{BaseURL: server.URL, Timeout: 50 * time.Millisecond}, server.Client())
	require.NoError(t, err)

	start := time.Now()
	_, err = src.Fetch(context.Background(), libfoo)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMissing)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestNewHTTPSourceValidates(t *testing.T) {
	t.Parallel()

	_, err := NewHTTPSource(HTTPConfig{}, nil)
	assert.Error(t, err)
	_, err = NewHTTPSource(HTTPConfig{BaseURL: "ftp://symbols"}, nil)
	assert.Error(t, err)
}
