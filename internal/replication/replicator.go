package replication

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"presenter-sync-service/internal/logger"
	"presenter-sync-service/internal/remote"
	"presenter-sync-service/internal/store"
)

const maxPushRounds = 10

type Options struct {
	// Name keys the checkpoint in the Local Store.
	Name          string
	Live          bool
	Retry         bool
	Bidirectional bool
	BatchSize     int
	Workers       int
	PollInterval  time.Duration
	BackoffMin    time.Duration
	BackoffMax    time.Duration
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "default"
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 200
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = time.Minute
	}
	return o
}

// Replicator copies the Remote Store change log into the Local Store and,
// when bidirectional, pushes local edits back. It owns retry and backoff.
type Replicator struct {
	remote    remote.Store
	local     store.Store
	opts      Options
	conflicts *ConflictManager
	nudge     chan struct{}

	after  func(time.Duration) <-chan time.Time
	sample func() float64
}

func NewReplicator(src remote.Store, dst store.Store, opts Options) *Replicator {
	return &Replicator{
		remote:    src,
		local:     dst,
		opts:      opts.withDefaults(),
		conflicts: NewConflictManager(dst, LastWriteWinsStrategy{}),
		nudge:     make(chan struct{}, 1),
		after:     time.After,
		sample:    rand.Float64,
	}
}

// Nudge wakes a live run waiting for the next poll.
func (r *Replicator) Nudge() {
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

type cycleResult struct {
	pulled    int
	pushed    int
	conflicts int
}

func (c cycleResult) progress() bool {
	return c.pulled > 0 || c.pushed > 0 || c.conflicts > 0
}

// Run replicates until ctx is done, or until the first catch-up when not
// live. Events are delivered in order from the calling goroutine. Without
// Retry the first failed cycle ends the run with its error.
func (r *Replicator) Run(ctx context.Context, emit func(Event)) error {
	if emit == nil {
		emit = func(Event) {}
	}

	cp, err := r.local.GetCheckpoint(ctx, r.opts.Name)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	state := &runState{}
	if cp != nil {
		state.seq = cp.RemoteSeq
		state.completed = cp.Completed
	}

	pool := NewWorkerPool(r.opts.Workers, r.opts.BatchSize, r.local)
	pool.Start()
	defer pool.Stop()

	var changed <-chan struct{}
	if r.opts.Live {
		changed = r.watch(ctx)
	}

	emit(Event{Type: EventActive, Seq: state.seq, At: time.Now()})

	caughtUp := false
	failures := 0
	for {
		res, err := r.cycle(ctx, pool, state)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			emit(Event{Type: EventError, Seq: state.seq, Err: err, At: time.Now()})
			if !r.opts.Retry {
				return err
			}
			failures++
			delay := backoffDelay(failures, r.opts.BackoffMin, r.opts.BackoffMax, r.sample())
			logger.Log.Warn("Replication cycle failed, retrying",
				zap.String("name", r.opts.Name),
				zap.Int("attempt", failures),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			caughtUp = false
			if _, err := r.sleep(ctx, nil, delay); err != nil {
				return err
			}
			continue
		}
		failures = 0

		if res.progress() {
			emit(Event{
				Type:      EventChange,
				Seq:       state.seq,
				Pulled:    res.pulled,
				Pushed:    res.pushed,
				Conflicts: res.conflicts,
				At:        time.Now(),
			})
		}

		if !caughtUp || res.progress() {
			if err := r.markCompleted(ctx, state); err != nil {
				logger.Log.Warn("Failed to save checkpoint", zap.String("name", r.opts.Name), zap.Error(err))
			}
			caughtUp = true
			emit(Event{Type: EventComplete, Seq: state.seq, At: time.Now()})
		}

		if !r.opts.Live {
			return nil
		}
		closed, err := r.sleep(ctx, changed, r.opts.PollInterval)
		if err != nil {
			return err
		}
		if closed {
			logger.Log.Warn("Remote change feed closed, polling", zap.String("name", r.opts.Name))
			changed = nil
		}
	}
}

type runState struct {
	seq       int64
	completed bool
}

func (r *Replicator) watch(ctx context.Context) <-chan struct{} {
	w, ok := r.remote.(remote.Watcher)
	if !ok {
		return nil
	}
	ch, err := w.Watch(ctx)
	if err != nil {
		if !errors.Is(err, remote.ErrWatchUnsupported) {
			logger.Log.Warn("Remote change feed unavailable, polling", zap.Error(err))
		}
		return nil
	}
	return ch
}

// sleep waits for the poll interval, a nudge or a change signal. It
// reports closed when the change feed has shut down.
func (r *Replicator) sleep(ctx context.Context, changed <-chan struct{}, d time.Duration) (closed bool, err error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-r.after(d):
	case <-r.nudge:
	case _, ok := <-changed:
		return !ok, nil
	}
	return false, nil
}

func (r *Replicator) cycle(ctx context.Context, pool *WorkerPool, state *runState) (cycleResult, error) {
	var res cycleResult
	if r.opts.Bidirectional {
		if err := r.push(ctx, &res); err != nil {
			return res, fmt.Errorf("push: %w", err)
		}
	}
	if err := r.pull(ctx, pool, state, &res); err != nil {
		return res, fmt.Errorf("pull: %w", err)
	}
	return res, nil
}

func (r *Replicator) pull(ctx context.Context, pool *WorkerPool, state *runState, res *cycleResult) error {
	for {
		changes, err := r.remote.Changes(ctx, state.seq, r.opts.BatchSize)
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			return nil
		}

		latest := make(map[string]remote.Change, len(changes))
		for _, c := range changes {
			if err := pool.Submit(ctx, changeToDocument(c)); err != nil {
				return err
			}
			latest[c.ID] = c
		}
		skipped, err := pool.Flush(ctx)
		if err != nil {
			return err
		}
		for _, id := range skipped {
			c := latest[id]
			n, err := r.reconcile(ctx, &c)
			if err != nil {
				return err
			}
			res.conflicts += n
		}

		state.seq = changes[len(changes)-1].Seq
		res.pulled += len(changes)
		if err := r.local.SaveCheckpoint(ctx, &store.Checkpoint{
			Name:      r.opts.Name,
			RemoteSeq: state.seq,
			Completed: state.completed,
		}); err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}

		if len(changes) < r.opts.BatchSize {
			return nil
		}
	}
}

// reconcile handles a pulled change for a document with unpushed local
// edits. The losing side is recorded as a conflict. When the local edit
// wins it is rebased onto the remote revision and stays dirty.
func (r *Replicator) reconcile(ctx context.Context, c *remote.Change) (int, error) {
	local, err := r.local.LookupDocument(ctx, c.ID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, r.local.ForceApply(ctx, changeToDocument(*c))
	}
	if err != nil {
		return 0, err
	}
	if local.RemoteSeq >= c.Seq || local.Rev == c.Rev {
		return 0, nil
	}
	if !local.Dirty {
		return 0, r.local.ForceApply(ctx, changeToDocument(*c))
	}

	winner, conflicted, err := r.conflicts.Resolve(ctx, local, c)
	if err != nil {
		return 0, err
	}
	n := 0
	if conflicted {
		n = 1
	}
	if winner == WinnerRemote {
		return n, r.local.ForceApply(ctx, changeToDocument(*c))
	}
	// localSeq -1 never matches, so the document stays dirty.
	return n, r.local.MarkPushed(ctx, local.ID, c.Rev, c.Seq, -1)
}

func (r *Replicator) push(ctx context.Context, res *cycleResult) error {
	for round := 0; round < maxPushRounds; round++ {
		pending, err := r.local.PendingLocalChanges(ctx, r.opts.BatchSize)
		if err != nil {
			return err
		}
		for _, doc := range pending {
			pushed, conflicted, err := r.pushOne(ctx, doc)
			if err != nil {
				return fmt.Errorf("document %s: %w", doc.ID, err)
			}
			if pushed {
				res.pushed++
			}
			if conflicted {
				res.conflicts++
			}
		}
		if len(pending) < r.opts.BatchSize {
			return nil
		}
	}
	return nil
}

func (r *Replicator) pushOne(ctx context.Context, doc *store.Document) (pushed, conflicted bool, err error) {
	head, err := r.remote.Get(ctx, doc.ID)
	if errors.Is(err, remote.ErrNotFound) {
		head = nil
	} else if err != nil {
		return false, false, err
	}

	if head != nil && head.Rev != doc.Rev {
		winner, found, err := r.conflicts.Resolve(ctx, doc, head)
		if err != nil {
			return false, found, err
		}
		if found && winner == WinnerRemote {
			return false, true, r.local.ForceApply(ctx, changeToDocument(*head))
		}
		if !found {
			// Same content under another revision.
			return false, false, r.local.MarkPushed(ctx, doc.ID, head.Rev, head.Seq, doc.LocalSeq)
		}
		conflicted = true
	}

	out, err := r.remote.Put(ctx, remote.Change{
		ID:        doc.ID,
		Deleted:   doc.Deleted,
		Body:      doc.Body,
		UpdatedAt: doc.UpdatedAt,
	})
	if err != nil {
		return false, conflicted, err
	}
	if err := r.local.MarkPushed(ctx, doc.ID, out.Rev, out.Seq, doc.LocalSeq); err != nil {
		return false, conflicted, err
	}
	logger.Log.Debug("Pushed local document", zap.String("id", doc.ID), zap.String("rev", out.Rev))
	return true, conflicted, nil
}

func (r *Replicator) markCompleted(ctx context.Context, state *runState) error {
	state.completed = true
	return r.local.SaveCheckpoint(ctx, &store.Checkpoint{
		Name:        r.opts.Name,
		RemoteSeq:   state.seq,
		Completed:   true,
		CompletedAt: completedAt(time.Now()),
	})
}
