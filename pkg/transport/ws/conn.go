// Package ws carries sync messages over WebSocket connections, one JSON text
// frame per message.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relves/colog/pkg/node"
	"github.com/relves/colog/pkg/protocol"
)

type Settings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// ReadTimeout bounds the gap between frames. Pings keep idle peers alive.
	ReadTimeout time.Duration
	PingTimeout time.Duration
	// ReadLimit caps the size of a single frame.
	ReadLimit int64
	Logger    *slog.Logger
}

func DefaultSettings() Settings {
	return Settings{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      30 * time.Second,
		PingTimeout:      10 * time.Second,
		ReadLimit:        8 << 20,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.HandshakeTimeout <= 0 {
		s.HandshakeTimeout = d.HandshakeTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = d.WriteTimeout
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = d.ReadTimeout
	}
	if s.PingTimeout <= 0 {
		s.PingTimeout = d.PingTimeout
	}
	if s.ReadLimit <= 0 {
		s.ReadLimit = d.ReadLimit
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	return s
}

// Conn is a node.Conn over a WebSocket.
type Conn struct {
	ws       *websocket.Conn
	settings Settings
	logger   *slog.Logger

	writeMu sync.Mutex

	incoming chan protocol.Message
	readErr  error
	done     chan struct{}
	once     sync.Once
}

var _ node.Conn = (*Conn)(nil)

// Dial connects to a sync endpoint such as ws://host/sync?peer=id.
func Dial(ctx context.Context, url string, settings Settings) (*Conn, error) {
	settings = settings.withDefaults()
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: settings.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newConn(ws, settings), nil
}

// Accept upgrades an HTTP request to a sync connection.
func Accept(w http.ResponseWriter, r *http.Request, settings Settings) (*Conn, error) {
	settings = settings.withDefaults()
	upgrader := websocket.Upgrader{
		HandshakeTimeout: settings.HandshakeTimeout,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	return newConn(ws, settings), nil
}

func newConn(ws *websocket.Conn, settings Settings) *Conn {
	ws.SetReadLimit(settings.ReadLimit)
	c := &Conn{
		ws:       ws,
		settings: settings,
		logger:   settings.Logger.With("remote", ws.RemoteAddr().String()),
		incoming: make(chan protocol.Message),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c
}

func (c *Conn) Send(ctx context.Context, msg protocol.Message) error {
	b, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.write(ctx, b)
}

func (c *Conn) write(ctx context.Context, b []byte) error {
	err := c.writeLocked(ctx, b)
	if err != nil && !errors.Is(err, node.ErrConnClosed) {
		// a write deadline cannot be recovered from
		c.Close()
	}
	return err
}

func (c *Conn) writeLocked(ctx context.Context, b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return node.ErrConnClosed
	default:
	}

	deadline := time.Now().Add(c.settings.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Receive returns io.EOF once the connection is closed.
func (c *Conn) Receive(ctx context.Context) (protocol.Message, error) {
	select {
	case msg, ok := <-c.incoming:
		if !ok {
			return nil, c.readErr
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) readLoop() {
	defer close(c.incoming)
	for {
		c.ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
		messageType, b, err := c.ws.ReadMessage()
		if err != nil {
			c.readErr = c.readError(err)
			if !errors.Is(c.readErr, io.EOF) {
				c.logger.Info("websocket read failed", "error", err)
			}
			c.Close()
			return
		}
		if messageType != websocket.TextMessage || len(b) == 0 {
			// ping
			continue
		}

		msg, err := protocol.Decode(b)
		if err != nil {
			c.logger.Warn("dropping undecodable message", "error", err)
			continue
		}
		select {
		case c.incoming <- msg:
		case <-c.done:
			c.readErr = io.EOF
			return
		}
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.settings.PingTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(context.Background(), nil); err != nil {
				return
			}
		}
	}
}

// readError maps a clean close from either side to io.EOF.
func (c *Conn) readError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	}
	select {
	case <-c.done:
		return io.EOF
	default:
		return err
	}
}
