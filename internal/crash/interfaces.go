package crash

import (
	"context"
	"io"
	"time"
)

// BlobStore reads and writes opaque objects by key.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
	// GetObject returns ErrObjectNotFound when the key does not exist.
	GetObject(ctx context.Context, path string) (io.ReadCloser, error)
}

// SummaryStore upserts flattened crash summaries into a relational store.
type SummaryStore interface {
	UpsertSummary(ctx context.Context, summary Summary) error
	Close() error
}

// Indexer writes crash documents to a search index. Writes are keyed by crash id.
type Indexer interface {
	IndexCrash(ctx context.Context, id ID, doc Fields, submitted time.Time) error
}

// Publisher pushes messages to a topic (dead-letter, reprocessing).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, attrs map[string]string) (string, error)
}

// Queue hands out deliveries to workers.
type Queue interface {
	Dequeue(ctx context.Context) (Delivery, error)
	Close()
}

// Delivery is one leased queue message.
type Delivery interface {
	ID() string
	Data() []byte
	Attributes() map[string]string
	// Attempt is the 1-based delivery count.
	Attempt() int
	Ack()
	Nack()
	// ExtendLease pushes the redelivery deadline out by d.
	ExtendLease(d time.Duration) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}
