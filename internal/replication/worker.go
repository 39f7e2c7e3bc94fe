package replication

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"presenter-sync-service/internal/logger"
	"presenter-sync-service/internal/store"
)

var errPoolStopped = errors.New("worker pool stopped")

// WorkerPool applies pulled documents to the Local Store. Documents are
// routed to a worker by id, so changes to one document are applied in
// order.
type WorkerPool struct {
	workers   []*Worker
	target    store.Store
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	batchSize int
}

type workItem struct {
	doc   *store.Document
	flush chan flushResult
}

type flushResult struct {
	skipped []string
	err     error
}

func NewWorkerPool(workers, batchSize int, target store.Store) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	ctx, cancel := context.WithCancel(context.Background())

	pool := &WorkerPool{
		workers:   make([]*Worker, workers),
		target:    target,
		ctx:       ctx,
		cancel:    cancel,
		batchSize: batchSize,
	}

	for i := 0; i < workers; i++ {
		pool.workers[i] = newWorker(i, pool)
	}

	return pool
}

func (p *WorkerPool) Start() {
	logger.Log.Debug("Starting worker pool", zap.Int("workers", len(p.workers)))
	for _, w := range p.workers {
		p.wg.Add(1)
		go w.run()
	}
}

func (p *WorkerPool) Stop() {
	p.cancel()
	p.wg.Wait()
	logger.Log.Debug("Stopped worker pool")
}

func (p *WorkerPool) Submit(ctx context.Context, doc *store.Document) error {
	w := p.workers[partition(doc.ID, len(p.workers))]
	select {
	case w.in <- workItem{doc: doc}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return errPoolStopped
	}
}

// Flush waits until every submitted document has been written and returns
// the ids the store refused because they carry unpushed local edits.
func (p *WorkerPool) Flush(ctx context.Context) ([]string, error) {
	replies := make([]chan flushResult, len(p.workers))
	for i, w := range p.workers {
		replies[i] = make(chan flushResult, 1)
		select {
		case w.in <- workItem{flush: replies[i]}:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.ctx.Done():
			return nil, errPoolStopped
		}
	}
	var skipped []string
	var errs []error
	for _, reply := range replies {
		select {
		case res := <-reply:
			skipped = append(skipped, res.skipped...)
			if res.err != nil {
				errs = append(errs, res.err)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.ctx.Done():
			return nil, errPoolStopped
		}
	}
	return skipped, errors.Join(errs...)
}

type Worker struct {
	id      int
	pool    *WorkerPool
	in      chan workItem
	batch   []*store.Document
	skipped []string
	err     error
}

func newWorker(id int, pool *WorkerPool) *Worker {
	return &Worker{
		id:   id,
		pool: pool,
		in:   make(chan workItem, pool.batchSize),
	}
}

func (w *Worker) run() {
	defer w.pool.wg.Done()

	ticker := time.NewTicker(500 * time.Millisecond) // Flush batch every 500ms
	defer ticker.Stop()

	for {
		select {
		case item := <-w.in:
			if item.flush != nil {
				w.processBatch()
				item.flush <- flushResult{skipped: w.skipped, err: w.err}
				w.skipped = nil
				w.err = nil
				continue
			}
			w.batch = append(w.batch, item.doc)
			if len(w.batch) >= w.pool.batchSize {
				w.processBatch()
			}

		case <-ticker.C:
			if len(w.batch) > 0 {
				w.processBatch()
			}

		case <-w.pool.ctx.Done():
			return
		}
	}
}

func (w *Worker) processBatch() {
	if len(w.batch) == 0 || w.err != nil {
		w.batch = w.batch[:0]
		return
	}

	logger.Log.Debug("Processing batch", zap.Int("workerID", w.id), zap.Int("size", len(w.batch)))

	skipped, err := w.pool.target.ApplyRemoteChanges(w.pool.ctx, w.batch)
	if err != nil {
		logger.Log.Error("Failed to apply changes",
			zap.Int("workerID", w.id),
			zap.Int("size", len(w.batch)),
			zap.Error(err),
		)
		// Sticky until the next Flush reports it; the checkpoint is not
		// advanced, so the whole page is pulled again on retry.
		w.err = err
	}
	w.skipped = append(w.skipped, skipped...)

	w.batch = w.batch[:0]
}

func partition(id string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % uint32(n))
}
