package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yegors/co-desk/internal/model"
	"github.com/yegors/co-desk/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 64 * 1024
	sendBufferSize = 256
)

// Close codes sent when a chat connection is refused
const (
	CloseSessionNotFound = 4004
	CloseSessionClosed   = 4009
	CloseInternalError   = websocket.CloseInternalServerErr
)

// Client errors
var (
	ErrClientClosed = errors.New("websocket client closed")
	ErrSendBuffer   = errors.New("websocket send buffer full")
)

// FrameMessage is assumed for frames that carry no type
const FrameMessage = "message"

// Frame is an inbound chat frame
type Frame struct {
	Type       string `json:"type"`
	Content    string `json:"content,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

// FrameHandler receives every well-formed frame read from a client
type FrameHandler func(c *Client, frame Frame)

// Client is one WebSocket connection. It satisfies relay.Channel.
type Client struct {
	conn      *websocket.Conn
	send      chan model.Event
	logger    *logger.Logger
	mu        sync.Mutex
	closed    bool
	closeChan chan struct{}
	closeCode int
	closeText string
}

func newClient(conn *websocket.Conn, log *logger.Logger) *Client {
	return &Client{
		conn:      conn,
		send:      make(chan model.Event, sendBufferSize),
		logger:    log,
		closeChan: make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
	}
}

// Start runs the read and write pumps. onFrame may be nil for send-only
// clients; onClose runs once when the read side ends.
func (c *Client) Start(onFrame FrameHandler, onClose func(*Client)) {
	go c.writePump()
	go c.readPump(onFrame, onClose)
}

// Send queues an event without blocking
func (c *Client) Send(event model.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}

	select {
	case c.send <- event:
		return nil
	default:
		return ErrSendBuffer
	}
}

// Close closes the connection with a normal close frame
func (c *Client) Close() error {
	return c.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith closes the connection after the queued events, sending the given close code
func (c *Client) CloseWith(code int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.closeText = text
	close(c.closeChan)
	return nil
}

// Reject closes a client that was never started
func (c *Client) Reject(code int, text string) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(writeWait))
	c.conn.Close()
}

// RemoteAddr returns the peer address for logging
func (c *Client) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// readPump reads frames until the connection fails or is closed
func (c *Client) readPump(onFrame FrameHandler, onClose func(*Client)) {
	defer func() {
		c.CloseWith(websocket.CloseNormalClosure, "")
		if onClose != nil {
			onClose(c)
		}
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read error", logger.Error(err))
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("Dropping malformed frame",
				logger.String("remote_addr", c.RemoteAddr()),
				logger.Int("bytes", len(data)),
				logger.Error(err))
			continue
		}
		if frame.Type == "" {
			frame.Type = FrameMessage
		}

		if onFrame != nil {
			onFrame(c, frame)
		}
	}
}

// writePump writes queued events and pings until the client is closed
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event := <-c.send:
			if err := c.write(event); err != nil {
				c.logger.Debug("WebSocket write failed", logger.Error(err))
				c.CloseWith(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.CloseWith(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-c.closeChan:
			c.drain()
			c.mu.Lock()
			code, text := c.closeCode, c.closeText
			c.mu.Unlock()
			if code != websocket.CloseAbnormalClosure {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, text),
					time.Now().Add(writeWait))
			}
			return
		}
	}
}

// drain flushes events queued before the close
func (c *Client) drain() {
	for {
		select {
		case event := <-c.send:
			if err := c.write(event); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(event model.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		c.logger.Error("Failed to marshal event", logger.Error(err))
		return nil
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
