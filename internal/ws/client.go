package ws

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"teamchat/internal/models"
	"teamchat/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	sendBufSize    = 256
)

// State is the lifecycle stage of a gateway connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateSubscribed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateSubscribed:
		return "subscribed"
	default:
		return "closed"
	}
}

// Client is one live gateway connection. Outbound events go through a
// bounded queue; a client that cannot keep up is closed.
type Client struct {
	info    ConnInfo
	conn    *websocket.Conn
	send    chan models.ChatEvent
	done    chan struct{}
	once    sync.Once
	state   atomic.Int32
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	log     *zap.Logger
}

func newClient(ctx context.Context, conn *websocket.Conn, info ConnInfo, limiter *rate.Limiter, log *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(ctx)
	return &Client{
		info:    info,
		conn:    conn,
		send:    make(chan models.ChatEvent, sendBufSize),
		done:    make(chan struct{}),
		limiter: limiter,
		ctx:     ctx,
		cancel:  cancel,
		log:     log.With(zap.String("conn_id", info.ConnID)),
	}
}

func (c *Client) ID() string {
	return c.info.ConnID
}

func (c *Client) UserID() int64 {
	return c.info.UserID
}

func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// deliver queues an event without blocking. It reports false when the
// client is closed or was closed for being too slow.
func (c *Client) deliver(ev models.ChatEvent) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- ev:
		observability.IncWSEvent("out", ev.Type)
		return true
	case <-c.done:
		return false
	default:
		observability.IncWSDropped("slow_consumer")
		c.log.Warn("ws send buffer full, closing slow client", zap.Int64("user_id", c.info.UserID))
		c.Close()
		return false
	}
}

// allow applies the inbound rate limit.
func (c *Client) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// Close stops the pumps and the transport. Safe to call repeatedly.
func (c *Client) Close() {
	c.once.Do(func() {
		c.setState(StateClosed)
		close(c.done)
		c.cancel()
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// start launches the pumps. onEvent runs on the read goroutine, so events
// of one connection are handled one at a time; onClose runs once after the
// read pump exits.
func (c *Client) start(onEvent func(context.Context, models.InboundEvent), onClose func()) {
	c.wg.Add(2)
	go c.writePump(c.ctx)
	go func() {
		defer onClose()
		c.readPump(c.ctx, onEvent)
	}()
}

// Wait blocks until both pumps have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

func (c *Client) readPump(ctx context.Context, onEvent func(context.Context, models.InboundEvent)) {
	defer c.wg.Done()
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Error("ws set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Info("ws read error", zap.Error(err))
			}
			return
		}

		var ev models.InboundEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.deliver(models.ChatEvent{Type: models.EventError, Code: "invalid", Error: "malformed event"})
			continue
		}
		onEvent(ctx, ev)
	}
}

func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case ev := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// rejectAndClose writes the queued events synchronously, then a close frame
// with the given code. Used before the pumps start.
func (c *Client) rejectAndClose(code int, reason string) {
	defer c.Close()
	if c.conn == nil {
		return
	}
	deadline := time.Now().Add(writeWait)
	_ = c.conn.SetWriteDeadline(deadline)
	for {
		select {
		case ev := <-c.send:
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		default:
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
			return
		}
	}
}
