package queue

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process queue with the same ack/retry contract as the
// Postgres queue. Used by tests and by DB-less development mode. Retried
// messages become visible again after RetryDelay (zero by default so tests
// stay deterministic).
type Memory struct {
	// RetryDelay postpones redelivery of retried messages.
	RetryDelay time.Duration

	mu      sync.Mutex
	ready   []memoryEntry
	wakeup  chan struct{}
	nowFunc func() time.Time
}

type memoryEntry struct {
	msg         Message
	attempts    int
	availableAt time.Time
}

// NewMemory creates an empty in-process queue.
func NewMemory() *Memory {
	return &Memory{
		wakeup:  make(chan struct{}, 1),
		nowFunc: time.Now,
	}
}

// Publish appends a message to the queue.
func (q *Memory) Publish(_ context.Context, msg Message) error {
	q.mu.Lock()
	q.ready = append(q.ready, memoryEntry{msg: msg, availableAt: q.nowFunc()})
	q.mu.Unlock()
	q.notify()
	return nil
}

// Len returns the number of pending messages (visible or not).
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// Consume blocks until a message is visible or ctx is done.
func (q *Memory) Consume(ctx context.Context) (*Delivery, error) {
	for {
		if d := q.tryTake(); d != nil {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wakeup:
		case <-time.After(50 * time.Millisecond):
			// Poll fallback for delayed redeliveries.
		}
	}
}

// tryTake pops the first visible entry, or returns nil if none is ready.
func (q *Memory) tryTake() *Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.nowFunc()
	for i, e := range q.ready {
		if e.availableAt.After(now) {
			continue
		}
		q.ready = append(q.ready[:i], q.ready[i+1:]...)
		entry := e
		entry.attempts++
		return &Delivery{
			Message:  entry.msg,
			Attempts: entry.attempts,
			Ack:      func(context.Context) error { return nil },
			Retry: func(context.Context) error {
				q.mu.Lock()
				entry.availableAt = q.nowFunc().Add(q.RetryDelay)
				q.ready = append(q.ready, entry)
				q.mu.Unlock()
				q.notify()
				return nil
			},
		}
	}
	return nil
}

func (q *Memory) notify() {
	select {
	case q.wakeup <- struct{}{}:
	default:
	}
}
