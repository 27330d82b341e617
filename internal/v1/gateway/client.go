package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/brightboard/classroom/internal/v1/domain"
	"github.com/brightboard/classroom/internal/v1/logging"
	"github.com/brightboard/classroom/internal/v1/metrics"
)

const (
	sendQueueSize = 256
	writeWait     = 10 * time.Second
)

// wsConnection is the slice of *websocket.Conn the gateway needs.
// Tests substitute channel-backed fakes.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Client is one authenticated socket. A user may hold several sockets
// at once; each gets its own Client with its own send queue.
type Client struct {
	hub       *Hub
	conn      wsConnection
	principal domain.Principal
	socketID  string

	mu     sync.Mutex
	closed bool
	// meetingID -> participantID for every meeting this socket joined
	// the main floor of. Drives explicit-leave semantics on disconnect.
	engaged map[uuid.UUID]uuid.UUID

	closeOnce sync.Once
	send      chan []byte
}

func newClient(hub *Hub, conn wsConnection, principal domain.Principal) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		principal: principal,
		socketID:  uuid.NewString(),
		engaged:   make(map[uuid.UUID]uuid.UUID),
		send:      make(chan []byte, sendQueueSize),
	}
}

func (c *Client) trackEngaged(meetingID, participantID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.engaged[meetingID] = participantID
}

func (c *Client) untrackEngaged(meetingID uuid.UUID) (uuid.UUID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.engaged[meetingID]
	delete(c.engaged, meetingID)
	return id, ok
}

func (c *Client) engagedMeetings() map[uuid.UUID]uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uuid.UUID]uuid.UUID, len(c.engaged))
	for m, p := range c.engaged {
		out[m] = p
	}
	return out
}

func (c *Client) participantID(meetingID uuid.UUID) (uuid.UUID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.engaged[meetingID]
	return id, ok
}

// Send enqueues an outbound message. The queue is bounded; a full
// queue means the client has stopped draining, so the socket is closed
// rather than silently dropping frames while it stays open.
func (c *Client) Send(data []byte) {
	if data == nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	defer func() {
		// Disconnect may race a concurrent close of the send channel.
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "send to closing client",
				zap.String("socket_id", c.socketID))
		}
	}()

	select {
	case c.send <- data:
	default:
		metrics.SlowConsumersClosed.Inc()
		logging.Warn(context.Background(), "send queue overflow, closing slow socket",
			zap.String("socket_id", c.socketID),
			zap.String("user_id", c.principal.UserID))
		c.Disconnect()
	}
}

// Disconnect closes the send channel, which drives writePump to flush,
// send a close frame, and close the connection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.send) })
}

// readPump decodes inbound frames and hands them to the hub router.
// Runs as one goroutine per socket; exiting triggers full cleanup.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleDisconnect(c)
		c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			logging.Warn(context.Background(), "malformed frame",
				zap.String("socket_id", c.socketID), zap.Error(err))
			c.Send(errorFrame("", domain.ErrInvalidState))
			continue
		}

		c.hub.route(context.Background(), c, &frame)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Warn(context.Background(), "write to socket failed",
				zap.String("socket_id", c.socketID), zap.Error(err))
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
