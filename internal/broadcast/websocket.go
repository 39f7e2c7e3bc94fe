package broadcast

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"presenter-sync-service/internal/logger"
)

// WebSocketTransport publishes through a Hub in another process, dialing
// its publisher endpoint.
type WebSocketTransport struct {
	URL         string
	Header      http.Header
	Dialer      *websocket.Dialer
	SendBuffer  int
	DialTimeout time.Duration
}

func (t WebSocketTransport) Open(ctx context.Context) (Channel, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	timeout := t.DialTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, t.URL, t.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", t.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", t.URL, err)
	}

	buffer := t.SendBuffer
	if buffer <= 0 {
		buffer = 32
	}
	c := &wsChannel{
		conn: conn,
		send: make(chan Message, buffer),
		lost: make(chan struct{}),
	}
	ctxLoop, stop := context.WithCancel(context.Background())
	c.stop = stop
	go func() {
		defer c.markLost()
		readUntilClosed(conn)
	}()
	go func() {
		defer c.markLost()
		writeLoop(ctxLoop, conn, c.send)
	}()
	logger.Log.Debug("Dialed broadcast relay", zap.String("url", t.URL))
	return c, nil
}

type wsChannel struct {
	conn *websocket.Conn
	send chan Message
	stop context.CancelFunc

	lostOnce sync.Once
	lost     chan struct{}
}

func (c *wsChannel) markLost() {
	c.lostOnce.Do(func() {
		close(c.lost)
		c.stop()
		_ = c.conn.Close()
	})
}

func (c *wsChannel) Post(msg Message) error {
	select {
	case <-c.lost:
		return ErrNotConnected
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrDropped
	}
}

func (c *wsChannel) Closed() <-chan struct{} {
	return c.lost
}

func (c *wsChannel) Close() error {
	c.markLost()
	return nil
}
