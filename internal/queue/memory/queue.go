// Package memory provides a crash queue for local mode and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/crash-processor/internal/crash"
)

// Config bounds the queue.
type Config struct {
	// Capacity bounds ready plus leased messages; Enqueue blocks when full.
	Capacity int
	// VisibilityTimeout is how long a delivery stays leased before it is redelivered.
	VisibilityTimeout time.Duration
}

type message struct {
	id       string
	data     []byte
	attrs    map[string]string
	attempts int
	lease    int
	deadline time.Time
}

// Queue is a bounded in-memory queue with leases, redelivery and attempt counting.
type Queue struct {
	cfg Config

	mu      sync.Mutex
	ready   []*message
	leased  map[string]*message
	nextID  int
	closed  bool
	changed chan struct{}
}

// NewQueue constructs a queue.
func NewQueue(cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = time.Minute
	}
	return &Queue{
		cfg:     cfg,
		leased:  make(map[string]*message),
		changed: make(chan struct{}),
	}
}

// signalLocked wakes every waiter. Callers hold q.mu.
func (q *Queue) signalLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Enqueue adds a message, waiting for space when the queue is full.
func (q *Queue) Enqueue(ctx context.Context, data []byte, attrs map[string]string) (string, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return "", crash.ErrQueueClosed
		}
		if len(q.ready)+len(q.leased) < q.cfg.Capacity {
			q.nextID++
			m := &message{
				id:    strconv.Itoa(q.nextID),
				data:  append([]byte(nil), data...),
				attrs: maps.Clone(attrs),
			}
			q.ready = append(q.ready, m)
			q.signalLocked()
			q.mu.Unlock()
			return m.id, nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("enqueue canceled: %w", ctx.Err())
		case <-wait:
		}
	}
}

// Publish implements crash.Publisher so local mode can feed the queue through
// the same path as Pub/Sub. The topic is ignored; strings and byte slices are
// sent as-is and anything else is JSON encoded.
func (q *Queue) Publish(ctx context.Context, _ string, payload any, attrs map[string]string) (string, error) {
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = p
	case string:
		data = []byte(p)
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("marshal payload: %w", err)
		}
		data = b
	}
	return q.Enqueue(ctx, data, attrs)
}

// Dequeue leases the next ready message. Leases that expired are returned to
// the ready list first.
func (q *Queue) Dequeue(ctx context.Context) (crash.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("dequeue canceled: %w", err)
		}
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, crash.ErrQueueClosed
		}
		now := time.Now()
		next := q.reapLocked(now)
		if len(q.ready) > 0 {
			m := q.ready[0]
			q.ready = q.ready[1:]
			m.attempts++
			m.lease++
			m.deadline = now.Add(q.cfg.VisibilityTimeout)
			q.leased[m.id] = m
			d := &delivery{q: q, msg: m, lease: m.lease, attempt: m.attempts}
			q.mu.Unlock()
			return d, nil
		}
		wait := q.changed
		q.mu.Unlock()

		var (
			timer   *time.Timer
			timeout <-chan time.Time
		)
		if !next.IsZero() {
			timer = time.NewTimer(time.Until(next))
			timeout = timer.C
		}
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-wait:
		case <-timeout:
		}
		stopTimer(timer)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// reapLocked requeues expired leases and returns the earliest remaining deadline.
func (q *Queue) reapLocked(now time.Time) time.Time {
	var next time.Time
	for id, m := range q.leased {
		if !now.Before(m.deadline) {
			delete(q.leased, id)
			q.ready = append(q.ready, m)
			continue
		}
		if next.IsZero() || m.deadline.Before(next) {
			next = m.deadline
		}
	}
	return next
}

// Len reports the number of ready and leased messages.
func (q *Queue) Len() (ready, leased int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready), len(q.leased)
}

// Close wakes all waiters; later calls return crash.ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.signalLocked()
}

// settle releases a lease if it is still current. Nacked messages go back to
// the ready list.
func (q *Queue) settle(m *message, lease int, requeue bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	cur, ok := q.leased[m.id]
	if !ok || cur.lease != lease {
		return false
	}
	delete(q.leased, m.id)
	if requeue {
		q.ready = append(q.ready, m)
	}
	q.signalLocked()
	return true
}

func (q *Queue) extend(m *message, lease int, d time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cur, ok := q.leased[m.id]
	if !ok || cur.lease != lease {
		return crash.ErrLeaseLost
	}
	cur.deadline = time.Now().Add(d)
	return nil
}

type delivery struct {
	q       *Queue
	msg     *message
	lease   int
	attempt int
}

func (d *delivery) ID() string                    { return d.msg.id }
func (d *delivery) Data() []byte                  { return d.msg.data }
func (d *delivery) Attributes() map[string]string { return maps.Clone(d.msg.attrs) }
func (d *delivery) Attempt() int                  { return d.attempt }
func (d *delivery) Ack()                          { d.q.settle(d.msg, d.lease, false) }
func (d *delivery) Nack()                         { d.q.settle(d.msg, d.lease, true) }

func (d *delivery) ExtendLease(dur time.Duration) error {
	return d.q.extend(d.msg, d.lease, dur)
}
