// Package async holds the primitives the replication and media paths use
// to ignore results that arrive after they stopped mattering and to publish
// state to observers in order.
package async

import (
	"context"
	"sync"
	"sync/atomic"
)

// Generation is a monotonic counter. An operation captures a token with
// Next when it is issued and applies its result only if IsCurrent still
// reports true when it completes.
type Generation struct {
	n atomic.Uint64
}

func (g *Generation) Next() uint64 {
	return g.n.Add(1)
}

func (g *Generation) Current() uint64 {
	return g.n.Load()
}

func (g *Generation) IsCurrent(token uint64) bool {
	return token != 0 && g.n.Load() == token
}

// Latch is a value that, once set, stays set. Later Set calls are no-ops.
type Latch[T any] struct {
	mu    sync.Mutex
	set   bool
	value T
	done  chan struct{}
}

func NewLatch[T any]() *Latch[T] {
	return &Latch[T]{done: make(chan struct{})}
}

// Set stores v if the latch is still empty and reports whether it did.
func (l *Latch[T]) Set(v T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.set {
		return false
	}
	l.value = v
	l.set = true
	close(l.done)
	return true
}

func (l *Latch[T]) Value() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value, l.set
}

func (l *Latch[T]) Done() <-chan struct{} {
	return l.done
}

func (l *Latch[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-l.done:
		v, _ := l.Value()
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
