package replication

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"presenter-sync-service/internal/remote"
	"presenter-sync-service/internal/store"
)

func TestWorkerPoolFlushAppliesAndReportsSkipped(t *testing.T) {
	ctx := context.Background()
	local := openLocal(t)
	_, err := local.PutDocument(ctx, "song/dirty", []byte(`{"local":true}`))
	assert.Equal(t, err, nil)

	pool := NewWorkerPool(3, 50, local)
	pool.Start()
	defer pool.Stop()

	ids := []string{"song/1", "song/2", "song/dirty", "slide/1"}
	for i, id := range ids {
		err := pool.Submit(ctx, &store.Document{
			ID:        id,
			Rev:       "r1",
			Body:      []byte(`{"remote":true}`),
			UpdatedAt: time.Now(),
			RemoteSeq: int64(i + 1),
		})
		assert.Equal(t, err, nil)
	}

	skipped, err := pool.Flush(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, skipped, []string{"song/dirty"})

	doc, err := local.GetDocument(ctx, "slide/1")
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.Rev, "r1")

	dirty, err := local.GetDocument(ctx, "song/dirty")
	assert.Equal(t, err, nil)
	assert.Equal(t, string(dirty.Body), `{"local":true}`)

	// Skipped ids are reported once.
	skipped, err = pool.Flush(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(skipped), 0)
}

func TestWorkerPoolFlushAfterStop(t *testing.T) {
	pool := NewWorkerPool(1, 1, openLocal(t))
	pool.Start()
	pool.Stop()

	_, err := pool.Flush(context.Background())
	assert.Equal(t, err, errPoolStopped)
}

func TestPartitionIsStable(t *testing.T) {
	assert.Equal(t, partition("song/1", 1), 0)
	first := partition("song/1", 8)
	for i := 0; i < 10; i++ {
		assert.Equal(t, partition("song/1", 8), first)
	}
}

func TestConflictHashIgnoresKeyOrder(t *testing.T) {
	assert.Equal(t, calculateHash([]byte(`{"a":1,"b":2}`)), calculateHash([]byte(`{ "b": 2, "a": 1 }`)))
	assert.NotEqual(t, calculateHash([]byte(`{"a":1}`)), calculateHash([]byte(`{"a":2}`)))
}

func TestDetectConflict(t *testing.T) {
	cm := NewConflictManager(nil, nil)
	local := &store.Document{ID: "song/1", Rev: "r1", Body: []byte(`{"v":1}`)}

	found, _ := cm.DetectConflict(local, &remote.Change{ID: "song/1", Rev: "r1", Body: []byte(`{"v":9}`)})
	assert.Equal(t, found, false)

	found, _ = cm.DetectConflict(local, &remote.Change{ID: "song/1", Rev: "r2", Body: []byte(`{ "v": 1 }`)})
	assert.Equal(t, found, false)

	found, conflict := cm.DetectConflict(local, &remote.Change{ID: "song/1", Rev: "r2", Deleted: true})
	assert.Equal(t, found, true)
	assert.Equal(t, conflict.ConflictType, "delete_mismatch")
	assert.Equal(t, conflict.LocalRev, "r1")
	assert.Equal(t, conflict.RemoteRev, "r2")
}

func TestLastWriteWins(t *testing.T) {
	now := time.Now()
	s := LastWriteWinsStrategy{}
	local := &store.Document{UpdatedAt: now}

	assert.Equal(t, s.Resolve(local, &remote.Change{UpdatedAt: now.Add(-time.Second)}), WinnerLocal)
	assert.Equal(t, s.Resolve(local, &remote.Change{UpdatedAt: now.Add(time.Second)}), WinnerRemote)
	assert.Equal(t, s.Resolve(local, &remote.Change{UpdatedAt: now}), WinnerRemote)
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempt int
		sample  float64
		want    time.Duration
	}{
		{1, 0.5, time.Second},
		{2, 0.5, 2 * time.Second},
		{3, 0.5, 4 * time.Second},
		{10, 0.5, time.Minute},
		{1, 0, 800 * time.Millisecond},
		{1, 1, 1200 * time.Millisecond},
	}
	for _, tt := range tests {
		got := backoffDelay(tt.attempt, time.Second, time.Minute, tt.sample)
		assert.Equal(t, got, tt.want)
	}
}
