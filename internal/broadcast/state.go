// Package broadcast keeps display surfaces in step with the controller.
// A Machine owns the broadcast channel, reports its health as a small
// state machine and reconnects with capped backoff when the channel drops.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotConnected = errors.New("broadcast channel not connected")
	// ErrDropped means the channel was connected but its send buffer was
	// full. Delivery is best effort; the caller does not retry.
	ErrDropped = errors.New("broadcast message dropped")
	ErrClosed  = errors.New("broadcast closed")
)

type Status string

const (
	StatusConnecting Status = "connecting"
	StatusRetrying   Status = "retrying"
	StatusFailed     Status = "failed"
	StatusConnected  Status = "connected"
)

// State is what consumers render. RetryCount is only meaningful while
// retrying or failed.
type State struct {
	Status     Status    `json:"status"`
	RetryCount int       `json:"retryCount"`
	Channel    string    `json:"channel"`
	LastError  string    `json:"lastError,omitempty"`
	Since      time.Time `json:"since"`
}

// Message is one presentation update. The payload schema belongs to the
// editor; this package only moves it.
type Message struct {
	ID      string          `json:"id"`
	Channel string          `json:"channel"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sentAt"`
}

// Backoff bounds reconnection: attempt n waits BaseDelay*2^(n-1), capped
// at MaxDelay, and after MaxAttempts failed attempts the machine gives up
// until Reconnect is called.
type Backoff struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	def := DefaultBackoff()
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = def.MaxAttempts
	}
	if b.BaseDelay <= 0 {
		b.BaseDelay = def.BaseDelay
	}
	if b.MaxDelay < b.BaseDelay {
		b.MaxDelay = b.BaseDelay
	}
	return b
}

// Delay returns the wait before reconnection attempt n (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	d := b.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.MaxDelay {
			return b.MaxDelay
		}
	}
	return d
}

// Channel is an open broadcast transport. Post never blocks.
type Channel interface {
	Post(msg Message) error
	// Closed is closed once the channel is lost or closed.
	Closed() <-chan struct{}
	Close() error
}

type Transport interface {
	Open(ctx context.Context) (Channel, error)
}
