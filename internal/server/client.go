package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/hub"
)

var (
	errClientClosed   = fmt.Errorf("%w: connection closed", ErrTransport)
	errSendBufferFull = fmt.Errorf("%w: send buffer full", ErrTransport)
)

// closeGrace is how long the reader waits for the peer to acknowledge a
// close frame before the socket is dropped.
const closeGrace = time.Second

// Client is one WebSocket connection. The read pump runs on the session's
// goroutine, the write pump on its own; nothing else touches the socket
// except through Send and Close.
type Client struct {
	id     string
	userID string
	roomID string
	addr   string

	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger
	cfg    config.TransportConfig

	// onPing runs after every successful keep-alive ping.
	onPing func()

	done        chan struct{}
	closeOnce   sync.Once
	closeCode   int
	closeReason string
	writerDone  chan struct{}
}

var _ hub.Conn = (*Client)(nil)

// NewClient wraps an upgraded connection for userID in roomID.
func NewClient(
	conn *websocket.Conn,
	logger *slog.Logger,
	cfg config.TransportConfig,
	maxMessageSize int64,
	userID, roomID, addr string,
) *Client {
	if conn != nil && maxMessageSize > 0 {
		conn.SetReadLimit(maxMessageSize)
	}
	id := uuid.NewString()
	return &Client{
		id:     id,
		userID: userID,
		roomID: roomID,
		addr:   addr,
		conn:   conn,
		send:   make(chan []byte, cfg.SendBuffer),
		logger: logger.With(
			slog.String("connID", id),
			slog.String("userID", userID),
			slog.String("roomID", roomID),
			slog.String("remoteAddr", addr),
		),
		cfg:        cfg,
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.userID }
func (c *Client) RoomID() string { return c.roomID }

// Send queues payload without blocking.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		return errSendBufferFull
	}
}

// Close asks the write pump to send a close frame with code and stop. Only
// the first call has an effect.
func (c *Client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// Done is closed once Close has been called.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
		c.logger.Warn("Error setting initial read deadline", slog.Any("error", err))
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})
}

// readPump reads frames in arrival order and hands each one to handle. It
// returns once the connection is unusable; the socket is closed on return.
func (c *Client) readPump(handle func(raw []byte)) {
	defer func() {
		c.Close(websocket.CloseNormalClosure, "")
		<-c.writerDone
		c.closeConnection()
	}()

	c.setupReadConnection()

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		if messageType != websocket.TextMessage {
			c.logger.Debug("Ignoring non-text frame", slog.Int("messageType", messageType))
			continue
		}
		handle(raw)
	}
}

// handleReadError logs the reason the read loop stopped at an appropriate level.
func (c *Client) handleReadError(err error) {
	select {
	case <-c.done:
		c.logger.Debug("Connection closed by server", slog.Int("code", c.closeCode), slog.Any("error", err))
		return
	default:
	}

	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("Frame exceeded maximum message size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.logger.Info("Client disconnected", slog.Any("error", err))
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || isExpectedCloseError(err):
		c.logger.Info("Client connection closed", slog.Any("error", err))
	case websocket.IsUnexpectedCloseError(err):
		c.logger.Warn("Unexpected WebSocket close", slog.Any("error", err))
	default:
		c.logger.Warn("WebSocket read error", slog.Any("error", err))
	}
}

// writePump owns all data writes on the socket.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		close(c.writerDone)
	}()

	for {
		select {
		case message := <-c.send:
			if !c.writeTextMessage(message) {
				c.abort()
				return
			}
		case <-ticker.C:
			if !c.handlePing() {
				c.abort()
				return
			}
		case <-c.done:
			c.writeCloseMessage()
			return
		}
	}
}

// abort stops the connection after a failed write. Closing the socket makes
// the read pump return.
func (c *Client) abort() {
	c.Close(websocket.CloseAbnormalClosure, "")
	c.closeConnection()
}

// writeCloseMessage sends the close frame and gives the peer closeGrace to
// answer before the read pump gives up.
func (c *Client) writeCloseMessage() {
	if c.closeCode != websocket.CloseAbnormalClosure {
		msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
		if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteWait)); err != nil {
			if !isExpectedCloseError(err) {
				c.logger.Debug("Error writing close message", slog.Any("error", err))
			}
		}
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(closeGrace))
}

// writeTextMessage writes message as its own text frame, followed by
// whatever else is already queued. Each payload is a complete JSON
// document, so frames are never coalesced.
func (c *Client) writeTextMessage(message []byte) bool {
	if !c.writeFrame(message) {
		return false
	}
	n := len(c.send)
	for i := 0; i < n; i++ {
		if !c.writeFrame(<-c.send) {
			return false
		}
	}
	return true
}

func (c *Client) writeFrame(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		c.logger.Warn("Error setting write deadline", slog.Any("error", err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("Error writing message", slog.Any("error", err))
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("Error writing ping message", slog.Any("error", err))
		}
		return false
	}
	if c.onPing != nil {
		c.onPing()
	}
	return true
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("Error closing connection", slog.Any("error", err))
	}
}
