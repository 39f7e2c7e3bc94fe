package async

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestGenerationOnlyLatestIsCurrent(t *testing.T) {
	var g Generation
	assert.Equal(t, g.IsCurrent(0), false)

	first := g.Next()
	assert.Equal(t, g.IsCurrent(first), true)

	second := g.Next()
	assert.Equal(t, second > first, true)
	assert.Equal(t, g.IsCurrent(first), false)
	assert.Equal(t, g.IsCurrent(second), true)
	assert.Equal(t, g.Current(), second)
}

func TestGenerationConcurrentNextIsUnique(t *testing.T) {
	var g Generation
	var mu sync.Mutex
	seen := map[uint64]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				token := g.Next()
				mu.Lock()
				seen[token] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, len(seen), 1600)
	assert.Equal(t, g.Current(), uint64(1600))
}

func TestLatchFirstSetWins(t *testing.T) {
	l := NewLatch[string]()
	_, ok := l.Value()
	assert.Equal(t, ok, false)

	assert.Equal(t, l.Set("a"), true)
	assert.Equal(t, l.Set("b"), false)

	v, ok := l.Value()
	assert.Equal(t, ok, true)
	assert.Equal(t, v, "a")

	select {
	case <-l.Done():
	default:
		t.Fatalf("expected done channel to be closed")
	}
}

func TestLatchWaitHonorsContext(t *testing.T) {
	l := NewLatch[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := l.Wait(ctx)
	assert.Equal(t, err, context.DeadlineExceeded)

	go l.Set(42)
	v, err := l.Wait(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, v, 42)
}
