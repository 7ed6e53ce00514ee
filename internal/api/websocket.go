package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/auditchain/auditchain/internal/fanout"
)

// errSessionClosed is returned when delivering to a session whose client
// went away or whose send buffer overflowed.
var errSessionClosed = errors.New("websocket session closed")

// upgrader handles HTTP → WebSocket protocol upgrade.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientMessage is a message sent by a subscriber.
//
//	{"type": "join", "organizationId": 1}
//	{"type": "setFilters", "filters": {"eventType": "user.*", "userId": 7}}
type clientMessage struct {
	Type           string          `json:"type"`
	OrganizationID int64           `json:"organizationId,omitempty"`
	Filters        *fanout.Filters `json:"filters,omitempty"`
}

// serverMessage acknowledges a client message.
type serverMessage struct {
	Type           string `json:"type"`
	OrganizationID int64  `json:"organizationId,omitempty"`
	Error          string `json:"error,omitempty"`
}

// wsSession is one subscriber connection. It is registered with the
// fanout registry under its id for as long as the client stays connected.
type wsSession struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex // Guards send and closed.
	send   chan []byte
	closed bool
}

// Deliver queues an event for the client. A full buffer drops the
// session so a slow client cannot hold up ingestion.
func (c *wsSession) Deliver(_ context.Context, ev fanout.Event) error {
	msg, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.enqueue(msg)
}

func (c *wsSession) enqueue(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errSessionClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		c.closed = true
		close(c.send)
		return errSessionClosed
	}
}

func (c *wsSession) reply(msg serverMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *wsSession) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// handleWebSocket upgrades an HTTP connection to WebSocket and registers
// the client as a fanout subscriber. It receives nothing until it joins
// an organization.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &wsSession{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 64),
	}
	s.registry.Register(client.id, client)
	slog.Debug("websocket subscriber connected", "id", client.id, "total", s.registry.Len())

	go client.writePump()
	go client.readPump(s.registry)
}

// writePump sends queued messages to the WebSocket connection.
func (c *wsSession) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// readPump handles subscriber commands until the client disconnects,
// then removes the subscription.
func (c *wsSession) readPump(registry *fanout.Registry) {
	defer func() {
		registry.Remove(c.id)
		c.close()
		c.conn.Close()
		slog.Debug("websocket subscriber disconnected", "id", c.id, "total", registry.Len())
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(serverMessage{Type: "error", Error: "invalid JSON message"})
			continue
		}

		switch msg.Type {
		case "join":
			if err := registry.Join(c.id, msg.OrganizationID); err != nil {
				c.reply(serverMessage{Type: "error", Error: err.Error()})
				continue
			}
			c.reply(serverMessage{Type: "joined", OrganizationID: msg.OrganizationID})

		case "setFilters":
			if msg.Filters == nil {
				c.reply(serverMessage{Type: "error", Error: "filters object required"})
				continue
			}
			if err := registry.SetFilters(c.id, *msg.Filters); err != nil {
				c.reply(serverMessage{Type: "error", Error: err.Error()})
				continue
			}
			f, _ := registry.Filters(c.id)
			c.reply(serverMessage{Type: "filtersSet", OrganizationID: f.OrganizationID})

		default:
			c.reply(serverMessage{Type: "error", Error: "unknown message type " + msg.Type})
		}
	}
}
