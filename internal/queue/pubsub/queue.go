// Package pubsub adapts a Google Cloud Pub/Sub subscription to the crash queue.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/crash-processor/internal/crash"
)

// Config tunes the streaming pull.
type Config struct {
	// MaxOutstanding bounds unacked messages held by this process, normally
	// the worker concurrency.
	MaxOutstanding int
	// MaxExtension is how long the client keeps extending a message's ack
	// deadline while it is being processed.
	MaxExtension time.Duration
	// AttemptCacheSize bounds the per-message attempt counter used when the
	// subscription has no dead-letter policy.
	AttemptCacheSize int
}

// Queue bridges Subscription.Receive callbacks to Dequeue calls. Each callback
// blocks until its delivery is settled, so flow control counts messages that
// are still being processed.
type Queue struct {
	sub      *pubsub.Subscription
	attempts *lru.Cache[string, int]
	logger   *zap.Logger

	deliveries chan *delivery
	startOnce  sync.Once
	cancel     context.CancelFunc
	done       chan struct{}
	err        error
}

// New wraps sub. Receive starts on the first Dequeue.
func New(sub *pubsub.Subscription, cfg Config, logger *zap.Logger) (*Queue, error) {
	if sub == nil {
		return nil, errors.New("subscription is required")
	}
	if cfg.MaxOutstanding <= 0 {
		cfg.MaxOutstanding = 1
	}
	if cfg.AttemptCacheSize <= 0 {
		cfg.AttemptCacheSize = 10000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	attempts, err := lru.New[string, int](cfg.AttemptCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create attempt cache: %w", err)
	}
	sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	sub.ReceiveSettings.NumGoroutines = 1
	if cfg.MaxExtension > 0 {
		sub.ReceiveSettings.MaxExtension = cfg.MaxExtension
	}
	return &Queue{
		sub:        sub,
		attempts:   attempts,
		logger:     logger.Named("pubsub_queue"),
		deliveries: make(chan *delivery),
		done:       make(chan struct{}),
	}, nil
}

func (q *Queue) start() {
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	go func() {
		defer close(q.done)
		err := q.sub.Receive(ctx, q.receive)
		if err != nil && !errors.Is(err, context.Canceled) {
			q.logger.Error("subscription receive stopped", zap.Error(err))
			q.err = err
		}
	}()
}

func (q *Queue) receive(ctx context.Context, msg *pubsub.Message) {
	d := &delivery{msg: msg, attempt: q.attempt(msg), settled: make(chan struct{}), forget: q.attempts.Remove}
	select {
	case q.deliveries <- d:
	case <-ctx.Done():
		msg.Nack()
		return
	}
	<-d.settled
}

// attempt prefers the server's delivery count, which is only populated when
// the subscription has a dead-letter policy.
func (q *Queue) attempt(msg *pubsub.Message) int {
	if msg.DeliveryAttempt != nil {
		return *msg.DeliveryAttempt
	}
	n, _ := q.attempts.Get(msg.ID)
	n++
	q.attempts.Add(msg.ID, n)
	return n
}

// Dequeue waits for the next message.
func (q *Queue) Dequeue(ctx context.Context) (crash.Delivery, error) {
	q.startOnce.Do(q.start)
	select {
	case d := <-q.deliveries:
		return d, nil
	case <-q.done:
		if q.err != nil {
			return nil, fmt.Errorf("receive: %w", q.err)
		}
		return nil, crash.ErrQueueClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	}
}

// Close stops receiving and waits for outstanding callbacks, which return
// once their deliveries are settled.
func (q *Queue) Close() {
	q.startOnce.Do(func() { close(q.done) })
	if q.cancel != nil {
		q.cancel()
		<-q.done
	}
}

type delivery struct {
	msg     *pubsub.Message
	attempt int
	once    sync.Once
	settled chan struct{}
	forget  func(string) bool
}

func (d *delivery) ID() string                    { return d.msg.ID }
func (d *delivery) Data() []byte                  { return d.msg.Data }
func (d *delivery) Attributes() map[string]string { return maps.Clone(d.msg.Attributes) }
func (d *delivery) Attempt() int                  { return d.attempt }

func (d *delivery) Ack() {
	d.once.Do(func() {
		d.msg.Ack()
		d.forget(d.msg.ID)
		close(d.settled)
	})
}

func (d *delivery) Nack() {
	d.once.Do(func() {
		d.msg.Nack()
		close(d.settled)
	})
}

// ExtendLease is a no-op: the client library extends ack deadlines of
// outstanding messages up to Config.MaxExtension.
func (d *delivery) ExtendLease(time.Duration) error {
	select {
	case <-d.settled:
		return crash.ErrLeaseLost
	default:
		return nil
	}
}
