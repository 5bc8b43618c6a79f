// Package saver provides a coalescing queue for deferred persistence.
//
// Callers enqueue dirty objects as they change; the queue batches
// repeated enqueues of the same object and asks each pending object to
// save once the delay elapses. Saves run on the queue's own goroutine,
// never on the caller's.
package saver

import (
	"log/slog"
	"sync"
	"time"
)

const defaultDelay = time.Second

// Saveable is persisted by the queue. SaveIfNeeded must be cheap when
// the object is already clean, because a drain may run after the object
// saved through another path.
type Saveable interface {
	SaveID() string
	SaveIfNeeded()
}

// Option configures a Queue.
type Option func(*Queue)

// WithDelay sets the coalescing window. The first enqueue arms the
// window; later enqueues join it without extending it.
func WithDelay(d time.Duration) Option {
	return func(q *Queue) { q.delay = d }
}

// WithLogger sets the queue's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// Queue coalesces save requests keyed by SaveID.
type Queue struct {
	delay  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]Saveable
	closed  bool

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewQueue starts the queue's worker goroutine. Callers must Close the
// queue to flush pending saves and stop the worker.
func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		delay:   defaultDelay,
		logger:  slog.Default(),
		pending: make(map[string]Saveable),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Enqueue schedules s for saving after the coalescing delay. Enqueueing
// an object that is already pending is a no-op, so callers may enqueue
// on every mutation. After Close, Enqueue does nothing.
func (q *Queue) Enqueue(s Saveable) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending[s.SaveID()] = s
	q.mu.Unlock()

	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Close flushes everything still pending and stops the worker. It
// returns after the final saves have run.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.done)
	q.wg.Wait()
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			q.drain()
			return
		case <-q.kick:
			timer := time.NewTimer(q.delay)
			select {
			case <-timer.C:
				q.drain()
			case <-q.done:
				timer.Stop()
				q.drain()
				return
			}
		}
	}
}

// drain snapshots the pending set under the lock, then saves outside it
// so a save may re-enqueue without deadlocking.
func (q *Queue) drain() {
	q.mu.Lock()
	batch := q.pending
	q.pending = make(map[string]Saveable)
	q.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	q.logger.Debug("draining save queue", "pending", len(batch))
	for _, s := range batch {
		s.SaveIfNeeded()
	}
}
