package symbols

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/crash-processor/internal/crash"
	"github.com/JakeFAU/crash-processor/internal/policy/ratelimit"
)

// ErrMissing reports that the symbol service has no file for a reference.
var ErrMissing = errors.New("symbol file missing")

// Source fetches symbol file contents from the authoritative symbol service.
// Implementations return ErrMissing when the file does not exist.
type Source interface {
	Fetch(ctx context.Context, ref crash.SymbolRef) (io.ReadCloser, error)
}

// HTTPConfig configures an HTTPSource.
type HTTPConfig struct {
	BaseURL   string
	Timeout   time.Duration
	RPS       float64
	Burst     int
	UserAgent string
}

// HTTPSource fetches Breakpad symbol files laid out as
// <base>/<module>/<debug id>/<symbol file name>.
type HTTPSource struct {
	base      *url.URL
	client    *http.Client
	limiter   *ratelimit.Limiter
	timeout   time.Duration
	userAgent string
}

// NewHTTPSource validates cfg and builds a source. A nil client uses http.DefaultClient.
func NewHTTPSource(cfg HTTPConfig, client *http.Client) (*HTTPSource, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("symbols.base_url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse symbols.base_url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("symbols.base_url must be http or https, got %q", cfg.BaseURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "crash-processor"
	}
	return &HTTPSource{
		base:      base,
		client:    client,
		limiter:   ratelimit.New(ratelimit.Config{DefaultRPS: cfg.RPS, DefaultBurst: cfg.Burst}),
		timeout:   timeout,
		userAgent: ua,
	}, nil
}

// URL returns the download location for ref.
func (s *HTTPSource) URL(ref crash.SymbolRef) string {
	u := *s.base
	u.Path = strings.Join([]string{
		u.Path,
		ref.Module,
		ref.DebugID,
		SymbolFileName(ref.Module),
	}, "/")
	return u.String()
}

// Fetch downloads the symbol file. The per-request timeout covers reading the
// body, so callers must Close the returned reader.
func (s *HTTPSource) Fetch(ctx context.Context, ref crash.SymbolRef) (io.ReadCloser, error) {
	target := s.URL(ref)
	if err := s.limiter.Wait(ctx, target); err != nil {
		return nil, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build symbol request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	resp, err := s.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
	case resp.StatusCode == http.StatusNotFound:
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("fetch %s: %w", target, ErrMissing)
	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("fetch %s: unexpected status %d", target, resp.StatusCode)
	}
}

// SymbolFileName maps a module name to its Breakpad symbol file name:
// "xul.pdb" becomes "xul.sym", "libxul.so" becomes "libxul.so.sym".
func SymbolFileName(module string) string {
	if stem, ok := strings.CutSuffix(module, ".pdb"); ok {
		return stem + ".sym"
	}
	return module + ".sym"
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
