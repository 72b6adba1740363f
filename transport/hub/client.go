package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/gorilla/websocket"
)

// ErrClientClosed is returned by Invoke after the connection is gone.
var ErrClientClosed = errors.New("relay: hub client closed")

// Handler receives the arguments of one broadcast frame.
type Handler func(ctx context.Context, args json.RawMessage)

// Client is a single hub connection.
type Client struct {
	conn   *websocket.Conn
	logger watermill.LoggerAdapter

	writeMu sync.Mutex

	mu       sync.RWMutex
	handlers map[string]Handler

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// DialFunc opens a hub connection. Tests may replace it.
var DialFunc = Dial

// Dial connects to the hub at url.
func Dial(ctx context.Context, url string, logger watermill.LoggerAdapter) (*Client, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	dialer := websocket.Dialer{HandshakeTimeout: 45 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial hub %s: %w", url, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &Client{
		conn:     conn,
		logger:   logger.With(watermill.LogFields{"hub": url}),
		handlers: make(map[string]Handler),
		ctx:      loopCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	conn.SetReadLimit(maxFrameSize)
	conn.SetPingHandler(func(data string) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	go c.readLoop()
	return c, nil
}

// On registers handler for method, replacing any previous handler. A nil
// handler removes the registration.
func (c *Client) On(method string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if handler == nil {
		delete(c.handlers, method)
		return
	}
	c.handlers[method] = handler
}

// Invoke sends method with arg encoded as JSON.
func (c *Client) Invoke(ctx context.Context, method string, arg any) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	data, err := encodeFrame(method, arg)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Ping asks the hub to broadcast OnPing.
func (c *Client) Ping(ctx context.Context) error {
	return c.Invoke(ctx, MethodPing, nil)
}

// Done is closed once the connection is lost or closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection and waits for the read loop to exit.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	_ = c.conn.Close()
	<-c.done
	return nil
}

func (c *Client) readLoop() {
	defer func() {
		c.cancel()
		close(c.done)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("Hub connection ended", watermill.LogFields{"error": err.Error()})
			}
			return
		}
		frame, err := decodeFrame(data)
		if err != nil {
			c.logger.Error("Discarding malformed hub frame", err, nil)
			continue
		}

		c.mu.RLock()
		handler := c.handlers[frame.Method]
		c.mu.RUnlock()
		if handler == nil {
			continue
		}
		c.dispatch(frame, handler)
	}
}

func (c *Client) dispatch(frame Frame, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Hub handler panicked", fmt.Errorf("panic: %v", r), watermill.LogFields{"method": frame.Method})
		}
	}()
	handler(c.ctx, frame.Args)
}
