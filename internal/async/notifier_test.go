package async

import (
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestNotifierDeliversInQueueOrder(t *testing.T) {
	var n Notifier[int]
	var got []int
	n.Subscribe(func(v int) { got = append(got, v) })

	n.Queue(1)
	n.Queue(2)
	n.Flush()
	n.Queue(3)
	n.Flush()
	assert.Equal(t, got, []int{1, 2, 3})
}

func TestNotifierCancel(t *testing.T) {
	var n Notifier[string]
	calls := 0
	cancel := n.Subscribe(func(string) { calls++ })
	n.Queue("a")
	n.Flush()
	cancel()
	n.Queue("b")
	n.Flush()
	assert.Equal(t, calls, 1)
}

func TestNotifierFlushDuringDeliveryHandsOff(t *testing.T) {
	var (
		n        Notifier[int]
		mu       sync.Mutex
		got      []int
		entered  = make(chan struct{})
		release  = make(chan struct{})
		enterOne sync.Once
	)
	n.Subscribe(func(v int) {
		if v == 1 {
			enterOne.Do(func() { close(entered) })
			<-release
		}
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})

	n.Queue(1)
	go n.Flush()
	<-entered

	// A second owner queues while the first delivery is blocked. Its Flush
	// must not wait for the observer.
	flushed := make(chan struct{})
	go func() {
		n.Queue(2)
		n.Flush()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-time.After(5 * time.Second):
		t.Fatal("Flush waited for a running observer")
	}
	close(release)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := len(got) == 2
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, got, []int{1, 2})
}
