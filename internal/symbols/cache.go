// Package symbols resolves debug-symbol references to local files through a
// bounded on-disk cache in front of a remote symbol service.
package symbols

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/crash-processor/internal/crash"
	"github.com/JakeFAU/crash-processor/internal/hash/sha256"
	"github.com/JakeFAU/crash-processor/internal/metrics"
)

var validDebugID = regexp.MustCompile(`^[A-Za-z0-9]{1,64}$`)

// Config controls cache sizing and timeouts.
type Config struct {
	// Dir is the directory staged symbol files are written under.
	Dir string
	// Size bounds the number of positive entries (and files on disk).
	Size int
	// NegativeSize bounds the number of remembered misses.
	NegativeSize int
	// NegativeTTL is how long a miss is remembered.
	NegativeTTL time.Duration
	// FetchTimeout bounds one fill, independent of any single caller.
	FetchTimeout time.Duration
	// L2TTL is the expiry of entries written to the shared cache.
	L2TTL time.Duration
}

// Cache resolves symbol references. It is safe for concurrent use; concurrent
// misses for the same reference share one fetch.
type Cache struct {
	root     string
	source   Source
	l2       L2
	entries  *lru.Cache[string, crash.SymbolFile]
	negative *expirable.LRU[string, struct{}]
	group    singleflight.Group
	hasher   *sha256.Hasher
	cfg      Config
	gen      atomic.Uint64
	logger   *zap.Logger
}

// Option customizes a Cache.
type Option func(*Cache)

// WithL2 adds a shared second-level cache consulted before the source.
func WithL2(l2 L2) Option {
	return func(c *Cache) { c.l2 = l2 }
}

// WithLogger sets the cache logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a cache rooted at cfg.Dir. Files left by a previous process are removed.
func New(cfg Config, source Source, opts ...Option) (*Cache, error) {
	if source == nil {
		return nil, errors.New("symbol source is required")
	}
	if cfg.Dir == "" {
		return nil, errors.New("symbols.cache_dir is required")
	}
	if cfg.Size <= 0 {
		cfg.Size = 1024
	}
	if cfg.NegativeSize <= 0 {
		cfg.NegativeSize = 4096
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = 10 * time.Minute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.L2TTL <= 0 {
		cfg.L2TTL = 24 * time.Hour
	}

	root := filepath.Join(cfg.Dir, "entries")
	if err := os.RemoveAll(root); err != nil {
		return nil, fmt.Errorf("clear symbol cache dir: %w", err)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create symbol cache dir: %w", err)
	}

	c := &Cache{
		root:   root,
		source: source,
		hasher: sha256.New(),
		cfg:    cfg,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("symbols")

	entries, err := lru.NewWithEvict(cfg.Size, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create symbol lru: %w", err)
	}
	c.entries = entries
	c.negative = expirable.NewLRU[string, struct{}](cfg.NegativeSize, nil, cfg.NegativeTTL)
	return c, nil
}

type fillResult struct {
	file  crash.SymbolFile
	found bool
}

// Resolve returns the staged file for ref. found is false when the symbol
// service has no file for it; that is not an error. Errors are transient
// failures reaching the service and are never cached.
func (c *Cache) Resolve(ctx context.Context, ref crash.SymbolRef) (crash.SymbolFile, bool, error) {
	if !validRef(ref) {
		metrics.ObserveSymbolLookup("invalid")
		return crash.SymbolFile{}, false, nil
	}
	key := ref.Key()
	if f, ok := c.entries.Get(key); ok {
		metrics.ObserveSymbolLookup("hit")
		return f, true, nil
	}
	if _, ok := c.negative.Get(key); ok {
		metrics.ObserveSymbolLookup("negative_hit")
		return crash.SymbolFile{}, false, nil
	}

	// The fill runs detached from this caller so that one caller giving up
	// does not fail the others waiting on the same key.
	ch := c.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FetchTimeout)
		defer cancel()
		return c.fill(fctx, ref)
	})
	select {
	case <-ctx.Done():
		return crash.SymbolFile{}, false, fmt.Errorf("resolve %s: %w", key, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			metrics.ObserveSymbolLookup("error")
			return crash.SymbolFile{}, false, crash.Transient(crash.StageSymbols, res.Err)
		}
		r, _ := res.Val.(fillResult)
		return r.file, r.found, nil
	}
}

// Len reports the number of positive entries.
func (c *Cache) Len() int {
	return c.entries.Len()
}

func (c *Cache) fill(ctx context.Context, ref crash.SymbolRef) (fillResult, error) {
	key := ref.Key()
	if f, ok := c.entries.Peek(key); ok {
		return fillResult{file: f, found: true}, nil
	}

	if c.l2 != nil {
		entry, ok, err := c.l2.Get(ctx, ref)
		switch {
		case err != nil:
			c.logger.Warn("symbol l2 lookup failed", zap.String("symbol", key), zap.Error(err))
		case ok && entry.Missing:
			c.negative.Add(key, struct{}{})
			metrics.ObserveSymbolLookup("l2_missing")
			return fillResult{}, nil
		case ok:
			f, err := c.stage(ref, bytes.NewReader(entry.Data))
			if err == nil {
				metrics.ObserveSymbolLookup("l2_hit")
				return fillResult{file: f, found: true}, nil
			}
			c.logger.Warn("stage symbol from l2 failed", zap.String("symbol", key), zap.Error(err))
		}
	}

	body, err := c.source.Fetch(ctx, ref)
	if errors.Is(err, ErrMissing) {
		c.negative.Add(key, struct{}{})
		c.setL2(ctx, ref, Entry{Missing: true}, c.cfg.NegativeTTL)
		metrics.ObserveSymbolLookup("missing")
		return fillResult{}, nil
	}
	if err != nil {
		return fillResult{}, err
	}
	defer func() { _ = body.Close() }()

	var tee *limitedBuffer
	var reader io.Reader = body
	if c.l2 != nil {
		tee = newLimitedBuffer(c.l2.MaxEntryBytes())
		reader = io.TeeReader(body, tee)
	}
	f, err := c.stage(ref, reader)
	if err != nil {
		return fillResult{}, err
	}
	if tee != nil && !tee.overflowed {
		c.setL2(ctx, ref, Entry{Digest: f.Digest, Data: tee.Bytes()}, c.cfg.L2TTL)
	}
	metrics.ObserveSymbolLookup("fetched")
	c.logger.Debug("staged symbol file",
		zap.String("symbol", key),
		zap.String("path", f.Path),
		zap.Int64("size", f.Size),
	)
	return fillResult{file: f, found: true}, nil
}

// stage writes r to a temp file, renames it to a path unique to this fill and
// records it in the LRU. A file is never rewritten once visible.
func (c *Cache) stage(ref crash.SymbolRef, r io.Reader) (crash.SymbolFile, error) {
	dir := filepath.Join(c.root, ref.Module, ref.DebugID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return crash.SymbolFile{}, fmt.Errorf("create symbol dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return crash.SymbolFile{}, fmt.Errorf("create temp symbol file: %w", err)
	}
	tmpName := tmp.Name()
	digest, size, err := c.hasher.Copy(tmp, r)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return crash.SymbolFile{}, fmt.Errorf("write symbol file: %w", err)
	}
	final := filepath.Join(dir, strconv.FormatUint(c.gen.Add(1), 10)+"-"+SymbolFileName(ref.Module))
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return crash.SymbolFile{}, fmt.Errorf("rename symbol file: %w", err)
	}

	f := crash.SymbolFile{Ref: ref, Path: final, Size: size, Digest: digest}
	if old, ok := c.entries.Peek(ref.Key()); ok && old.Path != final {
		_ = os.Remove(old.Path)
	}
	c.entries.Add(ref.Key(), f)
	return f, nil
}

func (c *Cache) onEvict(key string, f crash.SymbolFile) {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("remove evicted symbol file", zap.String("symbol", key), zap.Error(err))
	}
}

func (c *Cache) setL2(ctx context.Context, ref crash.SymbolRef, entry Entry, ttl time.Duration) {
	if c.l2 == nil {
		return
	}
	if err := c.l2.Set(ctx, ref, entry, ttl); err != nil {
		c.logger.Warn("symbol l2 write failed", zap.String("symbol", ref.Key()), zap.Error(err))
	}
}

func validRef(ref crash.SymbolRef) bool {
	m := ref.Module
	if m == "" || m == "." || m == ".." || len(m) > 255 {
		return false
	}
	for _, r := range m {
		if r == '/' || r == '\\' || r == 0 {
			return false
		}
	}
	return validDebugID.MatchString(ref.DebugID)
}
