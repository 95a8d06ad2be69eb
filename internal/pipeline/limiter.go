package pipeline

import (
	"context"
	"sync"
)

// Limiter is a fixed-capacity admission gate. Waiters are granted slots in
// the order they called Acquire. It knows nothing about what it admits:
// the queue holds only resume channels.
type Limiter struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	waiters  []chan struct{}
}

func NewLimiter(capacity int) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	return &Limiter{capacity: capacity}
}

// Acquire blocks until a slot is free or ctx is done. On success the caller
// holds one slot and must call Release exactly once.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.inUse < l.capacity {
		l.inUse++
		l.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	l.waiters = append(l.waiters, ready)
	l.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range l.waiters {
			if w == ready {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		l.mu.Unlock()
		// The slot was handed over concurrently with cancellation;
		// give it back so the count stays balanced.
		l.Release()
		return ctx.Err()
	}
}

// Release frees one slot, handing it directly to the oldest waiter if any.
func (l *Limiter) Release() {
	l.mu.Lock()
	if len(l.waiters) > 0 {
		ready := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.mu.Unlock()
		close(ready)
		return
	}
	if l.inUse > 0 {
		l.inUse--
	}
	l.mu.Unlock()
}

// InUse reports the number of currently held slots.
func (l *Limiter) InUse() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inUse
}
