// Package client implements the correlated request/response caller a
// local process (gwctl, or any embedder) uses to talk to a running
// gateway over an already-established ratchet session: a pending map
// keyed by actionId, filled by Send and drained by a background
// receive loop as replies arrive in whatever order the gateway
// produces them.
package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/webcrypto-local/gateway/pkg/envelope"
	"github.com/webcrypto-local/gateway/pkg/ratchet"
	"github.com/webcrypto-local/gateway/pkg/wire"
)

// EventHandler receives unsolicited server->client events: an
// envelope whose Action names a reserved event (token.authorized,
// token.change) rather than a correlated reply.
type EventHandler func(action string, data []byte)

// Caller is the client-side half of the protocol: it owns the
// transport and ratchet session, assigns actionIds, and demultiplexes
// replies arriving out of order.
type Caller struct {
	conn *wire.Conn
	rs   *ratchet.Session

	counter uint64

	mu      sync.Mutex
	pending map[string]chan result
	closed  bool

	OnEvent EventHandler
}

type result struct {
	data []byte
	err  error
}

// New wraps an already-handshaken connection and ratchet session, and
// starts the background receive loop.
func New(conn *wire.Conn, rs *ratchet.Session) *Caller {
	c := &Caller{
		conn:    conn,
		rs:      rs,
		pending: make(map[string]chan result),
	}
	go c.recvLoop()
	return c
}

// Send assigns the next actionId, transmits action/payload, and blocks
// until the correlated ResultEnvelope arrives, the context is done, or
// the channel closes. Caller itself has no notion of dispatcher state:
// Login goes through Send like any other action, and an action the
// session's current state does not permit comes back as an error reply.
func (c *Caller) Send(ctx context.Context, action string, payload []byte) ([]byte, error) {
	actionID := fmt.Sprintf("%d", atomic.AddUint64(&c.counter, 1))

	ch := make(chan result, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	c.pending[actionID] = ch
	c.mu.Unlock()

	frame, err := envelope.EncodeAction(&envelope.ActionEnvelope{Action: action, ActionID: actionID, Payload: payload})
	if err != nil {
		c.removePending(actionID)
		return nil, err
	}

	ciphertext, err := c.rs.Encrypt(frame)
	if err != nil {
		c.removePending(actionID)
		return nil, err
	}
	if err := c.conn.Send(ciphertext); err != nil {
		c.removePending(actionID)
		return nil, fmt.Errorf("client: send: %w", err)
	}

	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		c.removePending(actionID)
		return nil, ctx.Err()
	}
}

func (c *Caller) removePending(actionID string) {
	c.mu.Lock()
	delete(c.pending, actionID)
	c.mu.Unlock()
}

// recvLoop demultiplexes inbound frames. Every still-pending call is
// rejected with a channel-closed error once the loop exits.
func (c *Caller) recvLoop() {
	defer c.rejectAllPending()

	for {
		frame, err := c.conn.Recv()
		if err != nil {
			return
		}

		plaintext, err := c.rs.Decrypt(frame)
		if err != nil {
			return
		}

		res, err := envelope.DecodeResult(plaintext)
		if err != nil {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[res.ActionID]
		if ok {
			delete(c.pending, res.ActionID)
		}
		c.mu.Unlock()

		if ok {
			if res.Err != "" {
				ch <- result{err: fmt.Errorf("%s", res.Err)}
			} else {
				ch <- result{data: res.Data}
			}
			continue
		}

		if c.OnEvent != nil {
			c.OnEvent(res.Action, res.Data)
		}
	}
}

func (c *Caller) rejectAllPending() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]chan result)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- result{err: ErrChannelClosed}
	}
}

// Close shuts the underlying connection down, which in turn causes
// recvLoop to exit and reject every pending call.
func (c *Caller) Close() error {
	return c.conn.Close()
}
