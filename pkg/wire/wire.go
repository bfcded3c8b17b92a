// Package wire is the gateway's frame transport: a message-boundary-
// preserving, binary-safe, bidirectional connection. It is a thin
// adapter over gorilla/websocket, which already preserves message
// boundaries end to end, so no extra length-prefixing is needed at
// this layer.
package wire

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventType distinguishes the lifecycle notifications a Conn emits
// outside the normal Recv data path.
type EventType int

const (
	EventOpen EventType = iota
	EventClose
	EventError
)

// Event is a single lifecycle notification.
type Event struct {
	Type EventType
	Err  error
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn is one bidirectional, message-oriented connection. Exactly one
// complete application frame crosses the wire per WebSocket binary
// message; pkg/ratchet and pkg/envelope operate entirely on the []byte
// frames Send/Recv carry, with no knowledge of the WebSocket layer
// underneath.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	events  chan Event
	once    sync.Once

	eventsMu     sync.Mutex
	eventsClosed bool
}

func newConn(ws *websocket.Conn) *Conn {
	c := &Conn{
		ws:     ws,
		events: make(chan Event, 4),
	}
	c.events <- Event{Type: EventOpen}
	return c
}

// Dial opens a client-side connection to a gateway's WebSocket
// endpoint.
func Dial(ctx context.Context, url string) (*Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wire: dial: %w", err)
	}
	return newConn(ws), nil
}

// Upgrade promotes an inbound HTTP request to a server-side WebSocket
// connection, the listening half of the gateway's secure channel.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("wire: upgrade: %w", err)
	}
	return newConn(ws), nil
}

// Send transmits one complete frame as a single binary WebSocket
// message. Safe for concurrent use; writes are serialized since
// gorilla/websocket forbids concurrent writers on one connection.
func (c *Conn) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("wire: send: %w", err)
	}
	return nil
}

// Recv blocks for the next complete binary frame. Text frames are
// skipped; the protocol is binary-only.
func (c *Conn) Recv() ([]byte, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			c.emit(Event{Type: EventError, Err: err})
			return nil, fmt.Errorf("wire: recv: %w", err)
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

// Close closes the underlying connection and emits EventClose.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		err = c.ws.Close()
		c.emit(Event{Type: EventClose})
		c.eventsMu.Lock()
		c.eventsClosed = true
		close(c.events)
		c.eventsMu.Unlock()
	})
	if err != nil {
		return fmt.Errorf("wire: close: %w", err)
	}
	return nil
}

// Events returns the channel of lifecycle notifications (open once on
// construction, then zero or more errors, then exactly one close).
func (c *Conn) Events() <-chan Event {
	return c.events
}

func (c *Conn) emit(e Event) {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- e:
	default:
		// A slow or absent listener must never block the read loop;
		// lifecycle events are best-effort, data frames are not.
	}
}

var ErrClosed = errors.New("wire: connection closed")
