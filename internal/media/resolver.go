// Package media maps remote media references to locally cached files when
// a caching bridge is available, and passes them through otherwise.
package media

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"presenter-sync-service/internal/async"
	"presenter-sync-service/internal/logger"
)

var ErrNoBridge = errors.New("no local media bridge")

type Mode string

const (
	ModeWeb     Mode = "web"
	ModeDesktop Mode = "desktop"
)

// Bridge materializes a local copy of a media URL. An empty path with a
// nil error means no cached copy is available.
type Bridge interface {
	LocalMediaPath(ctx context.Context, url string) (string, error)
}

// DetectMode resolves the host capabilities once: a bridge means desktop.
func DetectMode(bridge Bridge) Mode {
	if bridge == nil {
		return ModeWeb
	}
	return ModeDesktop
}

// Resolution is the resolver's published value. Path is the local file or
// the original URL; while a request is pending it keeps the previous path
// and Settled is false.
type Resolution struct {
	RequestID uint64 `json:"requestId"`
	Source    string `json:"source"`
	Path      string `json:"path"`
	Settled   bool   `json:"settled"`
	Cached    bool   `json:"cached"`
}

// Resolver resolves one changing media reference. Every distinct input
// gets a new request id and only the latest request may publish, so a slow
// answer for an older URL never replaces a newer one.
type Resolver struct {
	mode    Mode
	bridge  Bridge
	timeout time.Duration

	seq async.Generation

	mu      sync.Mutex
	issued  bool
	current Resolution
	settled chan struct{}

	observers async.Notifier[Resolution]
}

func NewResolver(mode Mode, bridge Bridge, timeout time.Duration) *Resolver {
	if bridge == nil {
		mode = ModeWeb
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	settled := make(chan struct{})
	close(settled)
	return &Resolver{
		mode:    mode,
		bridge:  bridge,
		timeout: timeout,
		current: Resolution{Settled: true},
		settled: settled,
	}
}

func (r *Resolver) Mode() Mode {
	return r.mode
}

// Resolve sets the input URL and returns the id of the request serving it.
// Repeating the current input is a no-op. Empty input and web mode settle
// before Resolve returns.
func (r *Resolver) Resolve(url string) uint64 {
	r.mu.Lock()
	if r.issued && r.current.Source == url {
		id := r.current.RequestID
		r.mu.Unlock()
		return id
	}
	r.issued = true
	id := r.seq.Next()

	if url == "" || r.mode != ModeDesktop {
		r.publishLocked(Resolution{RequestID: id, Source: url, Path: url, Settled: true})
		return id
	}

	if r.current.Settled {
		r.settled = make(chan struct{})
	}
	r.publishLocked(Resolution{RequestID: id, Source: url, Path: r.current.Path})

	go r.lookup(id, url)
	return id
}

func (r *Resolver) lookup(id uint64, url string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	path, err := r.bridge.LocalMediaPath(ctx, url)

	r.mu.Lock()
	if !r.seq.IsCurrent(id) {
		r.mu.Unlock()
		logger.Log.Debug("Discarding superseded media resolution",
			zap.Uint64("request", id),
			zap.String("url", url),
		)
		return
	}
	if err != nil {
		logger.Log.Warn("Media bridge failed, using original URL", zap.String("url", url), zap.Error(err))
		path = ""
	}
	res := Resolution{RequestID: id, Source: url, Path: url, Settled: true}
	if path != "" {
		res.Path = path
		res.Cached = true
	}
	r.publishLocked(res)
}

// publishLocked stores res and notifies observers in publish order. It
// must be called with r.mu held and releases it.
func (r *Resolver) publishLocked(res Resolution) {
	r.current = res
	if res.Settled {
		select {
		case <-r.settled:
		default:
			close(r.settled)
		}
	}
	r.observers.Queue(res)
	r.mu.Unlock()
	r.observers.Flush()
}

// Value returns the current path and whether it is settled.
func (r *Resolver) Value() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current.Path, r.current.Settled
}

func (r *Resolver) Current() Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Wait blocks until the latest request has settled.
func (r *Resolver) Wait(ctx context.Context) (Resolution, error) {
	for {
		r.mu.Lock()
		if r.current.Settled {
			res := r.current
			r.mu.Unlock()
			return res, nil
		}
		settled := r.settled
		r.mu.Unlock()

		select {
		case <-settled:
		case <-ctx.Done():
			return Resolution{}, ctx.Err()
		}
	}
}

// Subscribe registers fn for every value published after the call. fn
// runs without the resolver's lock held.
func (r *Resolver) Subscribe(fn func(Resolution)) (cancel func()) {
	return r.observers.Subscribe(fn)
}
