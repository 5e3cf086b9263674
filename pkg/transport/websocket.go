package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConfig holds the connection settings for WebSocket transports.
type WebSocketConfig struct {
	// WriteTimeout is the maximum time to wait when sending a message.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// PingInterval is the time between keepalive pings. Zero disables pings.
	// Default: 30 seconds.
	PingInterval time.Duration

	// PongTimeout is how long to wait for any message (including pongs)
	// before the connection is considered dead. Only used with pings.
	// Default: 60 seconds.
	PongTimeout time.Duration

	// MaxMessageSize is the maximum size of an incoming message.
	// Default: 16MB.
	MaxMessageSize int64

	// CheckOrigin is passed to the upgrader. Nil accepts same-origin only.
	CheckOrigin func(r *http.Request) bool
}

// DefaultWebSocketConfig returns a WebSocketConfig with sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		MaxMessageSize: 16 * 1024 * 1024,
	}
}

// WebSocket sends each frame as one binary WebSocket message.
type WebSocket struct {
	conn *websocket.Conn
	cfg  WebSocketConfig

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// NewWebSocket wraps an established connection and starts the keepalive
// loop when cfg.PingInterval is set.
func NewWebSocket(conn *websocket.Conn, cfg WebSocketConfig) *WebSocket {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWebSocketConfig().WriteTimeout
	}
	ws := &WebSocket{conn: conn, cfg: cfg, done: make(chan struct{})}

	if cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	if cfg.PingInterval > 0 {
		pongWait := cfg.PongTimeout
		if pongWait <= 0 {
			pongWait = 2 * cfg.PingInterval
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go ws.pingLoop()
	}
	return ws
}

// DialWebSocket connects to url and returns the client end.
func DialWebSocket(ctx context.Context, url string, cfg WebSocketConfig) (*WebSocket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return NewWebSocket(conn, cfg), nil
}

// UpgradeWebSocket upgrades an HTTP request to the server end of a WebSocket
// transport.
func UpgradeWebSocket(w http.ResponseWriter, r *http.Request, cfg WebSocketConfig) (*WebSocket, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     cfg.CheckOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: upgrade: %w", err)
	}
	return NewWebSocket(conn, cfg), nil
}

// Send writes msg as one binary message.
func (ws *WebSocket) Send(ctx context.Context, msg []byte) error {
	select {
	case <-ws.done:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(ws.cfg.WriteTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()

	_ = ws.conn.SetWriteDeadline(deadline)
	if err := ws.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		return ws.wrap(err)
	}
	return nil
}

// Receive returns the payload of the next binary message. Text messages are
// skipped.
func (ws *WebSocket) Receive(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = ws.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		mt, msg, err := ws.conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, ws.wrap(err)
		}
		if mt == websocket.BinaryMessage {
			return msg, nil
		}
	}
}

// Close sends a close message and closes the connection.
func (ws *WebSocket) Close() error {
	var err error
	ws.closeOnce.Do(func() {
		close(ws.done)

		ws.writeMu.Lock()
		_ = ws.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		ws.writeMu.Unlock()

		err = ws.conn.Close()
	})
	return err
}

func (ws *WebSocket) pingLoop() {
	ticker := time.NewTicker(ws.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ws.done:
			return
		case <-ticker.C:
			ws.writeMu.Lock()
			err := ws.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ws.cfg.WriteTimeout))
			ws.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (ws *WebSocket) wrap(err error) error {
	select {
	case <-ws.done:
		return fmt.Errorf("%w: %v", ErrClosed, err)
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || IsClosed(err) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}
