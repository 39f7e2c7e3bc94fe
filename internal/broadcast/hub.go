package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"presenter-sync-service/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// Hub fans presentation updates out to attached display surfaces. Each
// display has its own bounded queue; a slow display loses messages rather
// than holding up the controller.
type Hub struct {
	name       string
	sendBuffer int
	upgrader   websocket.Upgrader

	mu       sync.RWMutex
	displays map[*display]struct{}
	conns    map[*websocket.Conn]struct{}
	last     *Message
	closed   chan struct{}
	isClosed bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

type display struct {
	send chan Message
	once sync.Once
}

func (d *display) close() {
	d.once.Do(func() { close(d.send) })
}

type HubStats struct {
	Displays  int    `json:"displays"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

func NewHub(name string, sendBuffer int) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 32
	}
	return &Hub{
		name:       name,
		sendBuffer: sendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		displays: map[*display]struct{}{},
		conns:    map[*websocket.Conn]struct{}{},
		closed:   make(chan struct{}),
	}
}

// Publish delivers msg to every attached display without blocking. The
// latest message is kept and replayed to displays that attach later.
func (h *Hub) Publish(msg Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.isClosed {
		return ErrClosed
	}
	if msg.Channel == "" {
		msg.Channel = h.name
	}
	h.last = &msg
	for d := range h.displays {
		select {
		case d.send <- msg:
			h.delivered.Add(1)
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Attach registers an in-process display. The returned channel is closed
// by detach or when the hub closes.
func (h *Hub) Attach() (<-chan Message, func()) {
	d, err := h.attach()
	if err != nil {
		ch := make(chan Message)
		close(ch)
		return ch, func() {}
	}
	return d.send, func() { h.detach(d) }
}

func (h *Hub) attach() (*display, error) {
	d := &display{send: make(chan Message, h.sendBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.isClosed {
		return nil, ErrClosed
	}
	if h.last != nil {
		d.send <- *h.last
	}
	h.displays[d] = struct{}{}
	return d, nil
}

func (h *Hub) detach(d *display) {
	h.mu.Lock()
	delete(h.displays, d)
	h.mu.Unlock()
	d.close()
}

func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	n := len(h.displays)
	h.mu.RUnlock()
	return HubStats{
		Displays:  n,
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
	}
}

func (h *Hub) Done() <-chan struct{} {
	return h.closed
}

// Close detaches every display and drops all WebSocket connections.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.isClosed {
		h.mu.Unlock()
		return nil
	}
	h.isClosed = true
	close(h.closed)
	displays := h.displays
	conns := h.conns
	h.displays = map[*display]struct{}{}
	h.conns = map[*websocket.Conn]struct{}{}
	h.mu.Unlock()

	for d := range displays {
		d.close()
	}
	for c := range conns {
		_ = c.Close()
	}
	return nil
}

func (h *Hub) track(c *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.isClosed {
		return false
	}
	h.conns[c] = struct{}{}
	return true
}

func (h *Hub) untrack(c *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	_ = c.Close()
}

// ServeDisplay upgrades a display surface and streams updates to it as
// JSON text frames.
func (h *Hub) ServeDisplay(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Debug("Display upgrade failed", zap.Error(err))
		return
	}
	if !h.track(conn) {
		_ = conn.Close()
		return
	}
	d, err := h.attach()
	if err != nil {
		h.untrack(conn)
		return
	}
	logger.Log.Info("Display attached", zap.String("channel", h.name), zap.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		readUntilClosed(conn)
	}()

	writeLoop(ctx, conn, d.send)

	h.detach(d)
	h.untrack(conn)
	logger.Log.Info("Display detached", zap.String("channel", h.name), zap.String("remote", r.RemoteAddr))
}

// ServePublisher accepts a controller running in another process and
// publishes every message it sends.
func (h *Hub) ServePublisher(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Debug("Publisher upgrade failed", zap.Error(err))
		return
	}
	if !h.track(conn) {
		_ = conn.Close()
		return
	}
	defer h.untrack(conn)

	logger.Log.Info("Publisher attached", zap.String("channel", h.name), zap.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if messageType != websocket.TextMessage {
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Log.Warn("Discarding malformed broadcast message", zap.Error(err))
			continue
		}
		if err := h.Publish(msg); err != nil {
			return
		}
	}
}

func readUntilClosed(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop sends messages from send until it is closed, ctx ends or a
// write fails. Pings keep idle connections alive.
func writeLoop(ctx context.Context, conn *websocket.Conn, send <-chan Message) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// HubTransport opens channels onto an in-process Hub.
type HubTransport struct {
	Hub *Hub
}

func (t HubTransport) Open(ctx context.Context) (Channel, error) {
	select {
	case <-t.Hub.Done():
		return nil, ErrClosed
	default:
	}
	c := &hubChannel{hub: t.Hub, closing: make(chan struct{}), lost: make(chan struct{})}
	go func() {
		select {
		case <-c.closing:
		case <-t.Hub.Done():
		}
		close(c.lost)
	}()
	return c, nil
}

type hubChannel struct {
	hub     *Hub
	once    sync.Once
	closing chan struct{}
	lost    chan struct{}
}

func (c *hubChannel) Post(msg Message) error {
	select {
	case <-c.lost:
		return ErrNotConnected
	default:
	}
	if err := c.hub.Publish(msg); err != nil {
		return ErrNotConnected
	}
	return nil
}

// Closed fires when the channel or the hub is closed.
func (c *hubChannel) Closed() <-chan struct{} {
	return c.lost
}

func (c *hubChannel) Close() error {
	c.once.Do(func() { close(c.closing) })
	return nil
}
