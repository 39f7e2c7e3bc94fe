package async

import "sync"

// Notifier delivers values to subscribers in the order they were queued.
// Owners call Queue while holding their own lock, so queue order matches
// state order, then Flush after releasing it. Subscribers run with no lock
// held and may read back from the owner.
type Notifier[T any] struct {
	mu         sync.Mutex
	queue      []T
	delivering bool
	subs       map[int]func(T)
	next       int
}

// Subscribe registers fn for values queued after the call.
func (n *Notifier[T]) Subscribe(fn func(T)) (cancel func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = map[int]func(T){}
	}
	id := n.next
	n.next++
	n.subs[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

func (n *Notifier[T]) Queue(v T) {
	n.mu.Lock()
	n.queue = append(n.queue, v)
	n.mu.Unlock()
}

// Flush delivers queued values. If another goroutine is already delivering
// it returns at once and that goroutine picks up the new values.
func (n *Notifier[T]) Flush() {
	n.mu.Lock()
	if n.delivering {
		n.mu.Unlock()
		return
	}
	n.delivering = true
	for len(n.queue) > 0 {
		batch := n.queue
		n.queue = nil
		subs := make([]func(T), 0, len(n.subs))
		for _, fn := range n.subs {
			subs = append(subs, fn)
		}
		n.mu.Unlock()
		for _, v := range batch {
			for _, fn := range subs {
				fn(v)
			}
		}
		n.mu.Lock()
	}
	n.delivering = false
	n.mu.Unlock()
}
