package queue

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// Local dispatches tasks in-process. Delays are timers, so pending tasks do not survive a
// restart; the scheduler's rescuer re-enqueues them from storage.
type Local struct {
	sem          *semaphore.Weighted
	requeueDelay time.Duration
	log          *logging.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	run     RunFunc
	timers  map[*time.Timer]struct{}
	closed  bool
	pending sync.WaitGroup
}

// NewLocal bounds concurrent runs to concurrency
func NewLocal(concurrency int, requeueDelay time.Duration) *Local {
	if concurrency < 1 {
		concurrency = 1
	}
	if requeueDelay <= 0 {
		requeueDelay = DefaultRequeueDelay
	}
	return &Local{
		sem:          semaphore.NewWeighted(int64(concurrency)),
		requeueDelay: requeueDelay,
		log:          logging.New("dispatcher"),
		timers:       make(map[*time.Timer]struct{}),
	}
}

// Start begins dispatching to run. Tasks enqueued before Start wait for it.
func (l *Local) Start(ctx context.Context, run RunFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.run = run
}

func (l *Local) Enqueue(ctx context.Context, deliveryID string, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	headers := tracing.InjectTaskHeaders(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.pending.Add(1)
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		l.mu.Lock()
		delete(l.timers, t)
		l.mu.Unlock()
		defer l.pending.Done()
		l.dispatch(deliveryID, headers)
	})
	l.timers[t] = struct{}{}
	return nil
}

func (l *Local) dispatch(deliveryID string, headers map[string]string) {
	l.mu.Lock()
	ctx, run := l.ctx, l.run
	l.mu.Unlock()
	if ctx == nil || run == nil {
		// not started yet; try again shortly
		_ = l.Enqueue(context.Background(), deliveryID, l.requeueDelay)
		return
	}

	if err := l.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer l.sem.Release(1)

	runCtx := tracing.ExtractTaskHeaders(ctx, headers)
	if err := run(runCtx, deliveryID); err != nil {
		if ctx.Err() != nil {
			return
		}
		l.log.WithContext(runCtx).WithDelivery(deliveryID).WithError(err).Warn("delivery run failed, requeueing task")
		_ = l.Enqueue(runCtx, deliveryID, l.requeueDelay)
	}
}

// Stop cancels pending timers, waits for running tasks and rejects further enqueues
func (l *Local) Stop() {
	l.mu.Lock()
	l.closed = true
	if l.cancel != nil {
		l.cancel()
	}
	for t := range l.timers {
		if t.Stop() {
			l.pending.Done()
		}
		delete(l.timers, t)
	}
	l.mu.Unlock()
	l.pending.Wait()
}

// Wait blocks until every enqueued task has run, including retries it scheduled.
// Intended for tests and one-shot tools.
func (l *Local) Wait() {
	l.pending.Wait()
}
