package replication

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"presenter-sync-service/internal/async"
	"presenter-sync-service/internal/config"
	"presenter-sync-service/internal/logger"
	"presenter-sync-service/internal/remote"
	"presenter-sync-service/internal/store"
)

var (
	ErrAlreadyRunning = errors.New("replication is already running")
	// ErrNoLocalCopy means no replication has ever completed into the
	// Local Store, so there is nothing trustworthy to read yet.
	ErrNoLocalCopy = errors.New("no replicated local copy")
)

// State is a snapshot of the replication session.
type State struct {
	Status    Status    `json:"status"`
	Endpoint  string    `json:"endpoint"`
	Direction string    `json:"direction"`
	Seq       int64     `json:"seq"`
	Ready     bool      `json:"ready"`
	LastError string    `json:"lastError,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Manager owns one replication session: Remote Store to Local Store, with
// the Local Store handle published once the first run completes.
type Manager struct {
	cfg      config.ReplicationConfig
	endpoint string
	remote   remote.Store
	local    store.Store

	handle *async.Latch[store.Store]
	gen    async.Generation

	mu         sync.Mutex
	state      State
	replicator *Replicator
	cancel     context.CancelFunc
	done       chan struct{}
	history    *store.SyncHistory

	observers async.Notifier[State]

	// test hooks
	tune func(*Replicator)
}

func NewManager(cfg config.ReplicationConfig, src remote.Store, local store.Store) *Manager {
	direction := "pull"
	if cfg.Bidirectional() {
		direction = "sync"
	}
	return &Manager{
		cfg:      cfg,
		endpoint: cfg.RemoteEndpoint(),
		remote:   src,
		local:    local,
		handle:   async.NewLatch[store.Store](),
		state: State{
			Status:    StatusIdle,
			Endpoint:  cfg.RemoteEndpoint(),
			Direction: direction,
			UpdatedAt: time.Now(),
		},
	}
}

func (m *Manager) options() Options {
	return Options{
		Name:          m.endpoint,
		Live:          m.cfg.Live,
		Retry:         m.cfg.Retry,
		Bidirectional: m.cfg.Bidirectional(),
		BatchSize:     m.cfg.BatchSize,
		Workers:       m.cfg.Workers,
		PollInterval:  m.cfg.GetPollInterval(),
		BackoffMin:    m.cfg.GetBackoffMin(),
		BackoffMax:    m.cfg.GetBackoffMax(),
	}
}

func (m *Manager) Start() error {
	return m.start(m.cfg.Live)
}

// RunOnce starts a run that stops after catching up, regardless of the
// configured live mode.
func (m *Manager) RunOnce() error {
	return m.start(false)
}

func (m *Manager) start(live bool) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}

	logger.Log.Info("Starting replication",
		zap.String("endpoint", m.endpoint),
		zap.String("direction", m.state.Direction),
		zap.Bool("live", live),
	)

	opts := m.options()
	opts.Live = live
	rep := NewReplicator(m.remote, m.local, opts)
	if m.tune != nil {
		m.tune(rep)
	}

	token := m.gen.Next()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.replicator = rep
	m.cancel = cancel
	m.done = done
	m.history = &store.SyncHistory{
		ID:        uuid.New().String(),
		StartedAt: time.Now(),
		Direction: m.state.Direction,
		Endpoint:  m.endpoint,
		Status:    "running",
	}
	history := *m.history
	m.state.Status = StatusReplicating
	m.state.LastError = ""
	m.state.UpdatedAt = time.Now()
	m.observers.Queue(m.snapshotLocked())
	m.mu.Unlock()

	if err := m.local.CreateSyncHistory(ctx, &history); err != nil {
		logger.Log.Warn("Failed to record sync history", zap.Error(err))
	}
	m.observers.Flush()

	go m.run(ctx, token, rep, done)
	return nil
}

func (m *Manager) run(ctx context.Context, token uint64, rep *Replicator, done chan struct{}) {
	defer close(done)

	err := rep.Run(ctx, func(ev Event) {
		m.handleEvent(token, ev)
	})

	m.mu.Lock()
	if !m.gen.IsCurrent(token) {
		m.mu.Unlock()
		return
	}
	m.cancel = nil
	m.replicator = nil
	history := m.history
	m.history = nil
	switch {
	case err != nil && !errors.Is(err, context.Canceled):
		m.state.Status = StatusFailed
		m.state.LastError = err.Error()
		logger.Log.Error("Replication failed", zap.String("endpoint", m.endpoint), zap.Error(err))
	case m.state.Status == StatusReplicating:
		m.state.Status = StatusIdle
	}
	m.state.UpdatedAt = time.Now()
	m.observers.Queue(m.snapshotLocked())
	m.mu.Unlock()

	if history != nil {
		m.finishHistory(history, err)
	}
	m.observers.Flush()
}

// handleEvent applies one Replicator event. Events from a run that has
// since been stopped or replaced are dropped.
func (m *Manager) handleEvent(token uint64, ev Event) {
	m.mu.Lock()
	if !m.gen.IsCurrent(token) {
		m.mu.Unlock()
		logger.Log.Debug("Discarding stale replication event", zap.Stringer("event", ev))
		return
	}

	var history *store.SyncHistory
	m.state.Seq = ev.Seq
	m.state.UpdatedAt = ev.At
	switch ev.Type {
	case EventActive:
		m.state.Status = StatusReplicating
	case EventChange:
		m.state.Status = StatusReplicating
		if m.history != nil {
			m.history.DocsPulled += int64(ev.Pulled)
			m.history.DocsPushed += int64(ev.Pushed)
			m.history.ConflictsDetected += ev.Conflicts
		}
	case EventComplete:
		m.state.Status = StatusComplete
		m.state.LastError = ""
		if m.handle.Set(m.local) {
			logger.Log.Info("Local store ready", zap.String("endpoint", m.endpoint), zap.Int64("seq", ev.Seq))
		}
		if m.history != nil {
			h := *m.history
			history = &h
		}
	case EventError:
		if ev.Err != nil {
			m.state.LastError = ev.Err.Error()
		}
	}
	m.state.Ready = m.isReady()
	m.observers.Queue(m.snapshotLocked())
	m.mu.Unlock()

	if history != nil {
		if err := m.local.UpdateSyncHistory(context.Background(), history); err != nil {
			logger.Log.Warn("Failed to update sync history", zap.Error(err))
		}
	}
	m.observers.Flush()
}

// Stop cancels the current run and waits for it to exit. Late events from
// that run are ignored.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel == nil {
		m.mu.Unlock()
		return
	}

	logger.Log.Info("Stopping replication", zap.String("endpoint", m.endpoint))

	m.gen.Next()
	cancel, done := m.cancel, m.done
	history := m.history
	m.cancel = nil
	m.replicator = nil
	m.history = nil
	m.state.Status = StatusIdle
	m.state.UpdatedAt = time.Now()
	m.observers.Queue(m.snapshotLocked())
	m.mu.Unlock()

	cancel()
	<-done

	if history != nil {
		m.finishHistory(history, context.Canceled)
	}
	m.observers.Flush()
}

func (m *Manager) Close() error {
	m.Stop()
	return m.remote.Close()
}

func (m *Manager) finishHistory(h *store.SyncHistory, err error) {
	h.CompletedAt = sql.NullTime{Time: time.Now(), Valid: true}
	switch {
	case err == nil:
		h.Status = "completed"
	case errors.Is(err, context.Canceled):
		h.Status = "stopped"
	default:
		h.Status = "failed"
		h.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
	}
	if err := m.local.UpdateSyncHistory(context.Background(), h); err != nil {
		logger.Log.Warn("Failed to update sync history", zap.Error(err))
	}
}

// NotifyLocalChange wakes a live bidirectional run so local edits are
// pushed without waiting for the poll interval.
func (m *Manager) NotifyLocalChange() {
	m.mu.Lock()
	rep := m.replicator
	m.mu.Unlock()
	if rep != nil {
		rep.Nudge()
	}
}

func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Status
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() State {
	s := m.state
	s.Ready = m.isReady()
	return s
}

func (m *Manager) isReady() bool {
	select {
	case <-m.handle.Done():
		return true
	default:
		return false
	}
}

// Handle returns the Local Store once replication has completed at least
// once in this session, and nil before that.
func (m *Manager) Handle() store.Store {
	h, _ := m.handle.Value()
	return h
}

func (m *Manager) Ready() <-chan struct{} {
	return m.handle.Done()
}

func (m *Manager) WaitReady(ctx context.Context) (store.Store, error) {
	return m.handle.Wait(ctx)
}

// LocalCopy returns the Local Store when it is usable offline: either this
// session completed a run, or a previous run left a completed checkpoint.
func (m *Manager) LocalCopy(ctx context.Context) (store.Store, error) {
	if h := m.Handle(); h != nil {
		return h, nil
	}
	cp, err := m.local.GetCheckpoint(ctx, m.endpoint)
	if err != nil {
		return nil, err
	}
	if cp == nil || !cp.Completed {
		return nil, ErrNoLocalCopy
	}
	return m.local, nil
}

// Subscribe registers fn for state changes. Calls are serialized and
// arrive in the order the state changed.
func (m *Manager) Subscribe(fn func(State)) (cancel func()) {
	return m.observers.Subscribe(fn)
}

func (m *Manager) Store() store.Store {
	return m.local
}
