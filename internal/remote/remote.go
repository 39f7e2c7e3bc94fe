// Package remote talks to the Remote Store, the shared document database
// that installations replicate from. It is modelled as an append-only
// change log: every write appends a row with a new sequence number, and
// the latest row for a document id is its current revision.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

var (
	ErrUnsupportedScheme = errors.New("unsupported remote store scheme")
	ErrNotFound          = errors.New("remote document not found")
	// ErrWatchUnsupported is returned by Watch when the backend has no
	// change feed configured; callers fall back to polling.
	ErrWatchUnsupported = errors.New("remote change feed not available")
)

type Change struct {
	Seq       int64           `json:"seq"`
	ID        string          `json:"id"`
	Rev       string          `json:"rev"`
	Deleted   bool            `json:"deleted,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type Store interface {
	// Changes returns up to limit changes with Seq > since, oldest first.
	Changes(ctx context.Context, since int64, limit int) ([]Change, error)
	// Get returns the latest revision of a document.
	Get(ctx context.Context, id string) (*Change, error)
	// Put appends a revision. Seq and Rev are assigned by the store;
	// UpdatedAt is kept when set.
	Put(ctx context.Context, change Change) (Change, error)
	Close() error
}

// Watcher is implemented by stores that can push a signal whenever new
// changes are appended. Signals are coalesced; receivers re-read Changes.
type Watcher interface {
	Watch(ctx context.Context) (<-chan struct{}, error)
}

type Options struct {
	Binlog BinlogOptions
}

type BinlogOptions struct {
	Enabled  bool
	Addr     string
	User     string
	Password string
	ServerID uint32
}

type Factory func(ctx context.Context, endpoint string, opts Options) (Store, error)

var registry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

// Register installs a backend for a DSN scheme, replacing any built-in.
func Register(scheme string, factory Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.factories[scheme] = factory
}

func lookup(scheme string) (Factory, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	f, ok := registry.factories[normalizeScheme(scheme)]
	return f, ok
}

// Open connects to the remote database named by endpoint, choosing the
// backend from its scheme.
func Open(ctx context.Context, endpoint string, opts Options) (Store, error) {
	endpoint = strings.TrimSpace(endpoint)
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid remote endpoint: %w", err)
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookup(scheme); ok {
		return factory(ctx, endpoint, opts)
	}
	switch scheme {
	case "memory", "mem":
		return OpenMemory(memoryName(parsed)), nil
	case "mysql":
		return OpenMySQL(ctx, endpoint, opts)
	case "postgres", "postgresql":
		return OpenPostgres(ctx, endpoint)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

func memoryName(u *url.URL) string {
	name := u.Host + u.Path
	if name == "" {
		name = u.Opaque
	}
	return strings.Trim(name, "/")
}
