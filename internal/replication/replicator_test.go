package replication

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"presenter-sync-service/internal/remote"
	"presenter-sync-service/internal/store"
)

func openLocal(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "local.db"))
	if err != nil {
		t.Fatalf("open local store failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func putRemote(t *testing.T, r remote.Store, id, body string, at time.Time) remote.Change {
	t.Helper()
	c, err := r.Put(context.Background(), remote.Change{ID: id, Body: []byte(body), UpdatedAt: at})
	if err != nil {
		t.Fatalf("remote put failed: %v", err)
	}
	return c
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) emit(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Type)
	}
	return out
}

// flakyRemote fails the first n Changes calls.
type flakyRemote struct {
	*remote.Memory
	mu    sync.Mutex
	fails int
}

func (f *flakyRemote) Changes(ctx context.Context, since int64, limit int) ([]remote.Change, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return nil, errors.New("remote unreachable")
	}
	f.mu.Unlock()
	return f.Memory.Changes(ctx, since, limit)
}

func TestReplicatorPullsInPagesAndCompletes(t *testing.T) {
	ctx := context.Background()
	src := remote.NewMemory()
	local := openLocal(t)
	now := time.Now().UTC()
	putRemote(t, src, "song/1", `{"title":"How Great"}`, now)
	putRemote(t, src, "song/2", `{"title":"Cornerstone"}`, now)
	putRemote(t, src, "slide/1", `{"text":"Welcome"}`, now)

	rep := NewReplicator(src, local, Options{Name: "test", BatchSize: 2, Workers: 2})
	log := &eventLog{}
	err := rep.Run(ctx, log.emit)
	assert.Equal(t, err, nil)
	assert.Equal(t, log.types(), []EventType{EventActive, EventChange, EventComplete})
	assert.Equal(t, log.events[1].Pulled, 3)

	doc, err := local.GetDocument(ctx, "song/2")
	assert.Equal(t, err, nil)
	assert.Equal(t, string(doc.Body), `{"title":"Cornerstone"}`)
	assert.Equal(t, doc.Dirty, false)

	cp, err := local.GetCheckpoint(ctx, "test")
	assert.Equal(t, err, nil)
	assert.Equal(t, cp.RemoteSeq, int64(3))
	assert.Equal(t, cp.Completed, true)

	// A second run resumes from the checkpoint and pulls nothing.
	log = &eventLog{}
	err = rep.Run(ctx, log.emit)
	assert.Equal(t, err, nil)
	assert.Equal(t, log.types(), []EventType{EventActive, EventComplete})
}

func TestReplicatorRetriesWithBackoff(t *testing.T) {
	ctx := context.Background()
	src := &flakyRemote{Memory: remote.NewMemory(), fails: 2}
	local := openLocal(t)
	putRemote(t, src, "bible/john-3-16", `{"ref":"John 3:16"}`, time.Now())

	rep := NewReplicator(src, local, Options{
		Name:       "retry",
		Retry:      true,
		BackoffMin: time.Second,
		BackoffMax: 4 * time.Second,
	})
	var delays []time.Duration
	rep.after = func(d time.Duration) <-chan time.Time {
		delays = append(delays, d)
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
	rep.sample = func() float64 { return 0.5 }

	log := &eventLog{}
	err := rep.Run(ctx, log.emit)
	assert.Equal(t, err, nil)
	assert.Equal(t, log.types(), []EventType{EventActive, EventError, EventError, EventChange, EventComplete})
	assert.Equal(t, delays, []time.Duration{time.Second, 2 * time.Second})
}

func TestReplicatorWithoutRetryStopsOnFirstError(t *testing.T) {
	src := &flakyRemote{Memory: remote.NewMemory(), fails: 1}
	rep := NewReplicator(src, openLocal(t), Options{Name: "once"})

	log := &eventLog{}
	err := rep.Run(context.Background(), log.emit)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, log.types(), []EventType{EventActive, EventError})
}

func TestReplicatorLiveFollowsRemote(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := remote.NewMemory()
	local := openLocal(t)
	putRemote(t, src, "song/1", `{"v":1}`, time.Now())

	rep := NewReplicator(src, local, Options{Name: "live", Live: true, PollInterval: time.Hour})
	completes := make(chan Event, 8)
	done := make(chan error, 1)
	go func() {
		done <- rep.Run(ctx, func(ev Event) {
			if ev.Type == EventComplete {
				completes <- ev
			}
		})
	}()

	first := waitEvent(t, completes)
	assert.Equal(t, first.Seq, int64(1))

	putRemote(t, src, "song/1", `{"v":2}`, time.Now())
	second := waitEvent(t, completes)
	assert.Equal(t, second.Seq, int64(2))

	doc, err := local.GetDocument(ctx, "song/1")
	assert.Equal(t, err, nil)
	assert.Equal(t, string(doc.Body), `{"v":2}`)

	cancel()
	assert.Equal(t, errors.Is(<-done, context.Canceled), true)
}

// closedFeedRemote counts pulls and hands out a change feed that is
// already shut down.
type closedFeedRemote struct {
	*remote.Memory
	pulls atomic.Int32
}

func (c *closedFeedRemote) Changes(ctx context.Context, since int64, limit int) ([]remote.Change, error) {
	c.pulls.Add(1)
	return c.Memory.Changes(ctx, since, limit)
}

func (c *closedFeedRemote) Watch(context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{})
	close(ch)
	return ch, nil
}

func TestReplicatorFallsBackToPollingWhenFeedCloses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &closedFeedRemote{Memory: remote.NewMemory()}
	putRemote(t, src, "song/1", `{"v":1}`, time.Now())

	rep := NewReplicator(src, openLocal(t), Options{Name: "closed-feed", Live: true, PollInterval: time.Hour})
	completes := make(chan Event, 8)
	done := make(chan error, 1)
	go func() {
		done <- rep.Run(ctx, func(ev Event) {
			if ev.Type == EventComplete {
				completes <- ev
			}
		})
	}()
	waitEvent(t, completes)

	time.Sleep(100 * time.Millisecond)
	// One pull for the first cycle and one after noticing the closed feed.
	assert.Equal(t, src.pulls.Load() <= 2, true)

	putRemote(t, src, "song/1", `{"v":2}`, time.Now())
	rep.Nudge()
	assert.Equal(t, waitEvent(t, completes).Seq, int64(2))

	cancel()
	assert.Equal(t, errors.Is(<-done, context.Canceled), true)
}

func TestReplicatorPushesLocalEdits(t *testing.T) {
	ctx := context.Background()
	src := remote.NewMemory()
	local := openLocal(t)

	_, err := local.PutDocument(ctx, "announcement/1", []byte(`{"text":"Potluck Sunday"}`))
	assert.Equal(t, err, nil)

	rep := NewReplicator(src, local, Options{Name: "push", Bidirectional: true})
	log := &eventLog{}
	assert.Equal(t, rep.Run(ctx, log.emit), nil)
	assert.Equal(t, log.events[1].Pushed, 1)

	head, err := src.Get(ctx, "announcement/1")
	assert.Equal(t, err, nil)
	assert.Equal(t, string(head.Body), `{"text":"Potluck Sunday"}`)

	doc, err := local.GetDocument(ctx, "announcement/1")
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.Dirty, false)
	assert.Equal(t, doc.Rev, head.Rev)
}

func TestReplicatorConflictLastWriteWins(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		remoteAt   time.Duration
		wantBody   string
		wantRemote string
	}{
		{"remote newer", time.Hour, `{"v":"remote"}`, `{"v":"remote"}`},
		{"local newer", -time.Hour, `{"v":"local"}`, `{"v":"local"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := remote.NewMemory()
			local := openLocal(t)
			putRemote(t, src, "song/1", `{"v":"base"}`, time.Now().Add(-2*time.Hour))

			rep := NewReplicator(src, local, Options{Name: "lww", Bidirectional: true})
			assert.Equal(t, rep.Run(ctx, nil), nil)

			_, err := local.PutDocument(ctx, "song/1", []byte(`{"v":"local"}`))
			assert.Equal(t, err, nil)
			putRemote(t, src, "song/1", `{"v":"remote"}`, time.Now().Add(tt.remoteAt))

			log := &eventLog{}
			assert.Equal(t, rep.Run(ctx, log.emit), nil)

			doc, err := local.GetDocument(ctx, "song/1")
			assert.Equal(t, err, nil)
			assert.Equal(t, string(doc.Body), tt.wantBody)
			assert.Equal(t, doc.Dirty, false)

			head, err := src.Get(ctx, "song/1")
			assert.Equal(t, err, nil)
			assert.Equal(t, string(head.Body), tt.wantRemote)

			conflicts, err := local.ListConflicts(ctx, true, 10, 0)
			assert.Equal(t, err, nil)
			assert.Equal(t, len(conflicts), 1)
			assert.Equal(t, conflicts[0].DocumentID, "song/1")
		})
	}
}

func TestReplicatorPullOnlyKeepsNewerLocalEdit(t *testing.T) {
	ctx := context.Background()
	src := remote.NewMemory()
	local := openLocal(t)
	putRemote(t, src, "overlay/1", `{"v":1}`, time.Now().Add(-time.Hour))

	rep := NewReplicator(src, local, Options{Name: "pull"})
	assert.Equal(t, rep.Run(ctx, nil), nil)

	_, err := local.PutDocument(ctx, "overlay/1", []byte(`{"v":"mine"}`))
	assert.Equal(t, err, nil)
	second := putRemote(t, src, "overlay/1", `{"v":2}`, time.Now().Add(-30*time.Minute))

	assert.Equal(t, rep.Run(ctx, nil), nil)

	doc, err := local.LookupDocument(ctx, "overlay/1")
	assert.Equal(t, err, nil)
	assert.Equal(t, string(doc.Body), `{"v":"mine"}`)
	assert.Equal(t, doc.Dirty, true)
	assert.Equal(t, doc.Rev, second.Rev)
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for replication event")
		return Event{}
	}
}
