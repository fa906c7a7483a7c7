package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/punchamoorthee/depositops/internal/domain"
	"github.com/punchamoorthee/depositops/internal/metrics"
)

type delivery struct {
	cmd      domain.Command
	attempts int
}

// MemoryQueue is a channel-backed Queue for single-process deployments and
// tests. Failed commands are redelivered after a linear delay.
type MemoryQueue struct {
	ch            chan delivery
	maxDeliveries int
	delay         time.Duration
	deadLetter    DeadLetter

	pending atomic.Int64
	closed  atomic.Bool
	once    sync.Once
}

func NewMemoryQueue(capacity, maxDeliveries int, deadLetter DeadLetter) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	if maxDeliveries <= 0 {
		maxDeliveries = 1
	}
	return &MemoryQueue{
		ch:            make(chan delivery, capacity),
		maxDeliveries: maxDeliveries,
		delay:         100 * time.Millisecond,
		deadLetter:    deadLetter,
	}
}

// SetRedeliveryDelay sets the base delay before a failed command is retried.
func (q *MemoryQueue) SetRedeliveryDelay(d time.Duration) { q.delay = d }

func (q *MemoryQueue) Publish(ctx context.Context, cmd domain.Command) error {
	if q.closed.Load() {
		return ErrClosed
	}
	q.pending.Add(1)
	select {
	case q.ch <- delivery{cmd: cmd}:
		return nil
	case <-ctx.Done():
		q.pending.Add(-1)
		return ctx.Err()
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, workers int, h Handler) error {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d := <-q.ch:
					q.handle(ctx, d, h)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) handle(ctx context.Context, d delivery, h Handler) {
	d.attempts++
	err := h(ctx, d.cmd)
	kind := string(d.cmd.Kind())
	if err == nil {
		metrics.QueueDeliveries.WithLabelValues(kind, "ok").Inc()
		q.pending.Add(-1)
		return
	}
	if ctx.Err() != nil {
		// interrupted by shutdown, not a failure of the command
		metrics.QueueDeliveries.WithLabelValues(kind, "interrupted").Inc()
		q.pending.Add(-1)
		return
	}
	if d.attempts >= q.maxDeliveries {
		metrics.QueueDeliveries.WithLabelValues(kind, "dead_letter").Inc()
		if q.deadLetter != nil {
			q.deadLetter(context.WithoutCancel(ctx), d.cmd, d.attempts, err)
		}
		q.pending.Add(-1)
		return
	}
	metrics.QueueDeliveries.WithLabelValues(kind, "retry").Inc()
	go func() {
		select {
		case <-time.After(time.Duration(d.attempts) * q.delay):
		case <-ctx.Done():
		}
		select {
		case q.ch <- d:
		case <-ctx.Done():
			q.pending.Add(-1)
		}
	}()
}

// WaitIdle blocks until every published command was acknowledged or
// dead-lettered.
func (q *MemoryQueue) WaitIdle(ctx context.Context) error {
	t := time.NewTicker(2 * time.Millisecond)
	defer t.Stop()
	for q.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

func (q *MemoryQueue) Close() error {
	q.once.Do(func() { q.closed.Store(true) })
	return nil
}
