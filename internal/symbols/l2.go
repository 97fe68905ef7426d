package symbols

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/JakeFAU/crash-processor/internal/crash"
)

// Entry is one shared-cache record: either file contents or a remembered miss.
type Entry struct {
	Ref     crash.SymbolRef `msgpack:"ref"`
	Missing bool            `msgpack:"missing"`
	Digest  string          `msgpack:"digest,omitempty"`
	Data    []byte          `msgpack:"data,omitempty"`
}

// L2 is a cache shared between processor instances.
type L2 interface {
	Get(ctx context.Context, ref crash.SymbolRef) (Entry, bool, error)
	Set(ctx context.Context, ref crash.SymbolRef, entry Entry, ttl time.Duration) error
	// MaxEntryBytes bounds the size of file contents stored in one entry.
	MaxEntryBytes() int
}

// RedisL2 stores msgpack-encoded entries in Redis.
type RedisL2 struct {
	client   redis.Cmdable
	prefix   string
	maxBytes int
}

// NewRedisL2 wraps client. Keys are namespaced under prefix.
func NewRedisL2(client redis.Cmdable, prefix string, maxBytes int) (*RedisL2, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if prefix == "" {
		prefix = "crashproc:sym:"
	}
	if maxBytes <= 0 {
		maxBytes = 8 << 20
	}
	return &RedisL2{client: client, prefix: prefix, maxBytes: maxBytes}, nil
}

func (r *RedisL2) key(ref crash.SymbolRef) string {
	return r.prefix + ref.Key()
}

// Get returns the entry for ref; ok is false when Redis has none.
func (r *RedisL2) Get(ctx context.Context, ref crash.SymbolRef) (Entry, bool, error) {
	b, err := r.client.Get(ctx, r.key(ref)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis get: %w", err)
	}
	var e Entry
	if err := msgpack.Unmarshal(b, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode symbol entry: %w", err)
	}
	if e.Ref != ref {
		return Entry{}, false, nil
	}
	return e, true, nil
}

// Set writes entry with the given expiry. Oversized contents are skipped.
func (r *RedisL2) Set(ctx context.Context, ref crash.SymbolRef, entry Entry, ttl time.Duration) error {
	if len(entry.Data) > r.maxBytes {
		return nil
	}
	entry.Ref = ref
	b, err := msgpack.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("encode symbol entry: %w", err)
	}
	if err := r.client.Set(ctx, r.key(ref), b, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// MaxEntryBytes implements L2.
func (r *RedisL2) MaxEntryBytes() int {
	return r.maxBytes
}
