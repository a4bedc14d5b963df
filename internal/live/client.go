// Package live maintains the persistent event channel to the chat server:
// a websocket with read/write pumps, ping/pong keepalive, and reconnect
// with backoff. Inbound frames are parsed by Handler and published on the
// bus; outbound frames are enqueued with Send.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shannon-team/chatcore/internal/bus"
	"github.com/shannon-team/chatcore/internal/chaterr"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a frame to the server.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the server.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size.
	maxFrameSize = 64 * 1024

	// Outbound queue depth.
	sendQueueSize = 64

	maxBackoff = 30 * time.Second
)

// Client is the live-channel connection.
type Client struct {
	url     string
	token   string
	handler *Handler
	bus     *bus.Bus
	logger  *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	sendQ     chan Frame
	connDone  chan struct{}
	connected bool

	cancel context.CancelFunc
}

// NewClient creates a live-channel client. Run must be called to connect.
func NewClient(url, token string, h *Handler, b *bus.Bus, logger *zap.Logger) *Client {
	return &Client{
		url:     url,
		token:   token,
		handler: h,
		bus:     b,
		logger:  logger,
	}
}

// Run connects and keeps the channel alive, reconnecting with exponential
// backoff until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.loop(ctx)
}

// Stop closes the connection and stops reconnecting.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
}

// Connected reports whether the channel is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send enqueues a frame for delivery. Returns a transient error when the
// channel is down or the queue is full, so callers can escalate to the
// HTTP fallback.
func (c *Client) Send(f Frame) error {
	c.mu.Lock()
	q := c.sendQ
	up := c.connected
	c.mu.Unlock()

	if !up || q == nil {
		return chaterr.Transient("live send", fmt.Errorf("channel down"))
	}
	select {
	case q <- f:
		return nil
	default:
		return chaterr.Transient("live send", fmt.Errorf("send queue full"))
	}
}

// SendJSON marshals data into a frame of the given type and enqueues it.
func (c *Client) SendJSON(frameType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", frameType, err)
	}
	return c.Send(Frame{Type: frameType, Data: raw})
}

func (c *Client) loop(ctx context.Context) {
	backoff := time.Second
	for {
		if err := c.connect(ctx); err != nil {
			c.logger.Warn("live channel connect failed", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		c.readPump(ctx)

		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	header := http.Header{}
	header.Add("Authorization", "Bearer "+c.token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	sendQ := make(chan Frame, sendQueueSize)
	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.sendQ = sendQ
	c.connDone = done
	c.connected = true
	c.mu.Unlock()

	go c.writePump(conn, sendQ, done)

	c.logger.Info("live channel connected", zap.String("url", c.url))
	c.bus.Emit(bus.KindLiveConnected, nil)
	return nil
}

// readPump reads frames until the connection drops, then marks the channel
// down.
func (c *Client) readPump(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("live channel read error", zap.Error(err))
			}
			break
		}
		c.handler.Handle(f)
	}

	c.mu.Lock()
	c.connected = false
	close(c.connDone)
	c.sendQ = nil
	_ = conn.Close()
	c.mu.Unlock()

	if ctx.Err() == nil {
		c.bus.Emit(bus.KindLiveDisconnected, nil)
	}
}

// writePump drains the send queue and keeps the connection alive with
// pings. Exits when readPump signals the connection is gone.
func (c *Client) writePump(conn *websocket.Conn, sendQ chan Frame, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case <-done:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case f := <-sendQ:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				c.logger.Warn("live channel write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
