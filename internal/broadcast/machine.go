package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"presenter-sync-service/internal/logger"
)

// Machine tracks the health of one named broadcast channel.
//
// Observers are called synchronously from the run goroutine, so every
// observer sees transitions in order:
//
//	connecting -> connected | retrying
//	retrying   -> connected | retrying | failed
//	connected  -> retrying            (channel lost)
//	failed     -> connecting          (Reconnect)
type Machine struct {
	name      string
	transport Transport
	backoff   Backoff
	after     func(time.Duration) <-chan time.Time

	mu      sync.Mutex
	state   State
	channel Channel
	started bool

	reconnect chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	notifyMu sync.Mutex
	subs     map[int]func(State)
	nextSub  int
}

func NewMachine(name string, transport Transport, backoff Backoff) *Machine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Machine{
		name:      name,
		transport: transport,
		backoff:   backoff.withDefaults(),
		after:     time.After,
		state: State{
			Status:  StatusConnecting,
			Channel: name,
			Since:   time.Now(),
		},
		reconnect: make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		subs:      map[int]func(State){},
	}
}

// Start opens the channel in the background. It is a no-op after the
// first call.
func (m *Machine) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	go m.run()
}

func (m *Machine) run() {
	defer close(m.done)

	attempt := 0
	for {
		ch, err := m.transport.Open(m.ctx)
		if err == nil {
			m.connected(ch)
			select {
			case <-ch.Closed():
				logger.Log.Warn("Broadcast channel lost", zap.String("channel", m.name))
				m.detach(ch)
				attempt = 0
				err = fmt.Errorf("channel lost")
			case <-m.ctx.Done():
				m.detach(ch)
				_ = ch.Close()
				return
			}
		} else {
			if m.ctx.Err() != nil {
				return
			}
			logger.Log.Warn("Broadcast channel open failed",
				zap.String("channel", m.name),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}

		if attempt >= m.backoff.MaxAttempts {
			m.transition(StatusFailed, attempt, err)
			select {
			case <-m.reconnect:
				attempt = 0
				m.announce()
				continue
			case <-m.ctx.Done():
				return
			}
		}

		attempt++
		m.transition(StatusRetrying, attempt, err)
		select {
		case <-m.after(m.backoff.Delay(attempt)):
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Machine) connected(ch Channel) {
	m.mu.Lock()
	m.channel = ch
	m.mu.Unlock()
	logger.Log.Info("Broadcast channel connected", zap.String("channel", m.name))
	m.transition(StatusConnected, 0, nil)
}

func (m *Machine) detach(ch Channel) {
	m.mu.Lock()
	if m.channel == ch {
		m.channel = nil
	}
	m.mu.Unlock()
}

func (m *Machine) transition(status Status, retries int, cause error) {
	m.mu.Lock()
	m.state.Status = status
	m.state.RetryCount = retries
	m.state.LastError = ""
	if cause != nil {
		m.state.LastError = cause.Error()
	}
	m.state.Since = time.Now()
	s := m.state
	m.mu.Unlock()

	logger.Log.Debug("Broadcast state",
		zap.String("channel", m.name),
		zap.String("status", string(s.Status)),
		zap.Int("retryCount", s.RetryCount),
	)
	m.notify(s)
}

// announce publishes a state already set by another goroutine.
func (m *Machine) announce() {
	s := m.State()
	logger.Log.Debug("Broadcast state",
		zap.String("channel", m.name),
		zap.String("status", string(s.Status)),
		zap.Int("retryCount", s.RetryCount),
	)
	m.notify(s)
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Channel returns the active channel, or nil while not connected.
// Consumers post through it but never close it.
func (m *Machine) Channel() Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channel
}

// Broadcast posts a presentation update. It never blocks and never waits
// for receivers.
func (m *Machine) Broadcast(kind string, payload any) (Message, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		ID:      ulid.Make().String(),
		Channel: m.name,
		Kind:    kind,
		Payload: raw,
		SentAt:  time.Now().UTC(),
	}
	ch := m.Channel()
	if ch == nil {
		return msg, ErrNotConnected
	}
	if err := ch.Post(msg); err != nil {
		logger.Log.Debug("Broadcast not delivered",
			zap.String("channel", m.name),
			zap.String("kind", kind),
			zap.Error(err),
		)
		return msg, err
	}
	return msg, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return b, nil
	}
}

// Reconnect leaves the failed state and starts a fresh round of attempts.
// It reports false when the machine is not failed. Only one caller wins
// per failed episode.
func (m *Machine) Reconnect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status != StatusFailed {
		return false
	}
	m.state.Status = StatusConnecting
	m.state.RetryCount = 0
	m.state.LastError = ""
	m.state.Since = time.Now()
	select {
	case m.reconnect <- struct{}{}:
	default:
	}
	return true
}

// Subscribe registers fn and calls it at once with the current state.
// Observer panics are logged and swallowed.
func (m *Machine) Subscribe(fn func(State)) (cancel func()) {
	m.notifyMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	deliver(m.name, fn, m.State())
	m.notifyMu.Unlock()

	return func() {
		m.notifyMu.Lock()
		defer m.notifyMu.Unlock()
		delete(m.subs, id)
	}
}

func (m *Machine) notify(s State) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	for _, fn := range m.subs {
		deliver(m.name, fn, s)
	}
}

func deliver(name string, fn func(State), s State) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("Broadcast observer panicked", zap.String("channel", name), zap.Any("panic", r))
		}
	}()
	fn(s)
}

// Close stops reconnecting and closes the active channel.
func (m *Machine) Close() error {
	m.mu.Lock()
	started := m.started
	m.started = true
	m.mu.Unlock()

	m.cancel()
	if started {
		<-m.done
	}
	return nil
}
