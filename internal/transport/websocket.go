package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// WebSocketDialer opens gorilla websocket connections
type WebSocketDialer struct {
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewWebSocketDialer creates a dialer with a bounded handshake
func NewWebSocketDialer(logger *zap.Logger) *WebSocketDialer {
	return &WebSocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		logger: logger,
	}
}

func (d *WebSocketDialer) Mode() Mode { return ModeWebSocket }

func (d *WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			resp.Body.Close()
		}
		return nil, &DialError{Mode: ModeWebSocket, Status: status, Err: err}
	}
	return NewWebSocketConn(conn, d.logger), nil
}

type wsConn struct {
	conn     *websocket.Conn
	send     chan []byte
	incoming chan Message
	done     chan struct{}
	logger   *zap.Logger

	once sync.Once
	mu   sync.Mutex
	err  error
}

// NewWebSocketConn wraps an established websocket and starts its pumps.
// It is used on both ends: by the dialer and by the relay after an upgrade.
func NewWebSocketConn(conn *websocket.Conn, logger *zap.Logger) Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &wsConn{
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		incoming: make(chan Message, sendBufferSize),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go c.writePump()
	go c.readPump()
	return c
}

func (c *wsConn) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return c.closeErr()
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return c.closeErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsConn) Receive(ctx context.Context) (Message, error) {
	// drain frames that arrived before the connection ended
	select {
	case msg := <-c.incoming:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.incoming:
		return msg, nil
	case <-c.done:
		select {
		case msg := <-c.incoming:
			return msg, nil
		default:
		}
		return Message{}, c.closeErr()
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (c *wsConn) Close() error {
	c.fail(ErrClosed)
	return nil
}

func (c *wsConn) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *wsConn) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsConn) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(classifyReadError(err))
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("Failed to parse frame", zap.Error(err))
			continue
		}

		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.fail(&CloseError{Err: err})
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.fail(&CloseError{Err: err})
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func classifyReadError(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return &CloseError{ByPeer: true, Reason: closeErr.Text, Err: err}
	}
	return &CloseError{Err: err}
}
