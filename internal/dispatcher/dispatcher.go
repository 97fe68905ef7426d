// Package dispatcher runs a fixed pool of workers over the crash queue.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crash-processor/internal/crash"
	"github.com/JakeFAU/crash-processor/internal/worker"
)

// Dispatcher fans queue deliveries out to a pool of workers.
type Dispatcher struct {
	queue   crash.Queue
	workers []*worker.Worker
	grace   time.Duration
	logger  *zap.Logger
}

// New creates a Dispatcher. grace is how long in-flight runs may continue
// after shutdown begins.
func New(queue crash.Queue, workers []*worker.Worker, grace time.Duration, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		grace:   grace,
		logger:  logger.Named("dispatcher"),
	}
}

// Run starts all workers and blocks until ctx is done and the workers have
// drained. Cancelling ctx stops pulling at once; in-flight runs keep a
// separate context for the grace period, after which it is cancelled and
// their deliveries are returned to the queue.
func (d *Dispatcher) Run(ctx context.Context) {
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx, workCtx)
		}(w)
	}
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		d.logger.Info("workers stopped")
	case <-ctx.Done():
		d.logger.Info("shutdown requested, draining in-flight runs", zap.Duration("grace", d.grace))
		timer := time.NewTimer(d.grace)
		select {
		case <-drained:
			timer.Stop()
		case <-timer.C:
			d.logger.Warn("grace period elapsed, cancelling in-flight runs")
			cancelWork()
			<-drained
		}
	}
	d.queue.Close()
}
