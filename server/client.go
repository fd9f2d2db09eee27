package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/segpulse/logger"
)

// WebSocket timeouts following the gorilla chat example
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Client messages are small control frames
	maxMessageSize = 8 * 1024
)

// Client is one WebSocket connection. The message queue is never closed;
// done signals the pumps to stop, so broadcasts can never send on a closed
// channel.
type Client struct {
	server    *Server
	conn      *websocket.Conn
	sendMsg   chan interface{}
	done      chan struct{}
	id        string
	closeOnce sync.Once
}

func newClient(s *Server, conn *websocket.Conn, id string) *Client {
	return &Client{
		server:  s,
		conn:    conn,
		sendMsg: make(chan interface{}, MaxClientMessageQueueSize),
		done:    make(chan struct{}),
		id:      id,
	}
}

// send queues msg without blocking. Returns false if the queue is full or
// the client is closed.
func (c *Client) send(msg interface{}) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.sendMsg <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// readPump handles control messages from the client
func (c *Client) readPump() {
	defer func() {
		c.server.unregisterClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.server.logger.Warnw("JSON unmarshal error",
				"error", err.Error(),
				"client_id", c.id,
			)
			continue
		}
		c.routeMessage(&msg)
	}
}

// handleReadError logs unexpected WebSocket read errors.
// Expected closure codes (going away, abnormal, no status) are ignored.
func (c *Client) handleReadError(err error) {
	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
	) {
		c.server.logger.Warnw("WebSocket read error",
			"client_id", c.id,
			"error", err,
		)
	}
}

func (c *Client) routeMessage(msg *ClientMessage) {
	switch msg.Type {
	case "job_control":
		c.handleJobControl(msg)
	case "ping":
		// Deadline is extended by the pong handler
	default:
		c.server.logger.Debugw("Unknown message type",
			"type", msg.Type,
			"client_id", c.id,
		)
	}
}

// handleJobControl cancels a job or runs an attempt now. The resulting
// transition reaches every client through the job update broadcaster.
func (c *Client) handleJobControl(msg *ClientMessage) {
	ctx := logger.WithRequestID(c.server.ctx, c.id)
	var err error

	switch msg.Action {
	case "cancel":
		err = c.server.queue.CancelJob(ctx, msg.JobID)
	case "attempt":
		c.server.wg.Add(1)
		go func() {
			defer c.server.wg.Done()
			if err := c.server.scheduler.RunAttempt(context.WithoutCancel(ctx), msg.JobID); err != nil {
				c.send(ErrorMessage{Type: "error", JobID: msg.JobID, Error: err.Error()})
			}
		}()
		return
	default:
		c.send(ErrorMessage{Type: "error", JobID: msg.JobID, Error: "unknown job action: " + msg.Action})
		return
	}

	if err != nil {
		c.server.logger.Infow("Job control rejected",
			logger.FieldJobID, msg.JobID,
			"action", msg.Action,
			logger.FieldError, err)
		c.send(ErrorMessage{Type: "error", JobID: msg.JobID, Error: err.Error()})
	}
}

// writePump is the only writer on the connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.server.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.sendMsg:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.Debugw("Message write error",
					"error", err.Error(),
					"client_id", c.id,
				)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
