package remote

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var memoryDatabases = struct {
	mu  sync.Mutex
	dbs map[string]*Memory
}{dbs: map[string]*Memory{}}

// OpenMemory returns the process-wide in-memory database with the given
// name, creating it on first use.
func OpenMemory(name string) *Memory {
	memoryDatabases.mu.Lock()
	defer memoryDatabases.mu.Unlock()
	if db, ok := memoryDatabases.dbs[name]; ok {
		return db
	}
	db := NewMemory()
	memoryDatabases.dbs[name] = db
	return db
}

// Memory is an in-process Store, used for demos and tests.
type Memory struct {
	mu       sync.Mutex
	changes  []Change
	watchers map[chan struct{}]struct{}
	now      func() time.Time
}

var (
	_ Store   = (*Memory)(nil)
	_ Watcher = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		watchers: map[chan struct{}]struct{}{},
		now:      time.Now,
	}
}

func (m *Memory) Changes(ctx context.Context, since int64, limit int) ([]Change, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Change
	for _, c := range m.changes {
		if c.Seq <= since {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Get(ctx context.Context, id string) (*Change, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.changes) - 1; i >= 0; i-- {
		if m.changes[i].ID == id {
			c := m.changes[i]
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) Put(ctx context.Context, change Change) (Change, error) {
	if err := ctx.Err(); err != nil {
		return Change{}, err
	}
	change.ID = strings.TrimSpace(change.ID)
	m.mu.Lock()
	change.Seq = int64(len(m.changes)) + 1
	change.Rev = uuid.NewString()
	if change.UpdatedAt.IsZero() {
		change.UpdatedAt = m.now().UTC()
	}
	m.changes = append(m.changes, change)
	for ch := range m.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	m.mu.Unlock()
	return change, nil
}

func (m *Memory) Watch(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.watchers[ch] = struct{}{}
	m.mu.Unlock()
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, ch)
		m.mu.Unlock()
	}()
	return ch, nil
}

func (m *Memory) Close() error {
	return nil
}
