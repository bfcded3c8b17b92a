package dispatcher

import (
	"sync"
	"sync/atomic"

	"github.com/webcrypto-local/gateway/pkg/ratchet"
	"github.com/webcrypto-local/gateway/pkg/registry"
	"github.com/webcrypto-local/gateway/pkg/wire"
)

// State is a position in the per-connection lifecycle:
// connecting -> open-unauth -> open-auth -> closed.
type State int

const (
	StateConnecting State = iota
	StateOpenUnauth
	StateOpenAuth
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpenUnauth:
		return "open-unauth"
	case StateOpenAuth:
		return "open-auth"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// unauthActions is the whitelist of actions a session may invoke before
// Login succeeds.
var unauthActions = map[string]bool{
	"ProviderInfo":      true,
	"ProviderGetCrypto": true,
	"IsLoggedIn":        true,
	"Login":             true,
}

// Session is one connected peer: its transport, its ratchet, and the
// handle registry scoped to it.
type Session struct {
	ID   string
	conn *wire.Conn
	rs   *ratchet.Session

	reg *registry.Registry

	mu         sync.Mutex
	state      State
	authorized bool
	providerID string

	sessVersion uint64
	closeOnce   sync.Once
	closed      chan struct{}
}

func newSession(id string, conn *wire.Conn) *Session {
	return &Session{
		ID:     id,
		conn:   conn,
		reg:    registry.New(),
		state:  StateConnecting,
		closed: make(chan struct{}),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) setAuthorized(providerID string) {
	s.mu.Lock()
	s.authorized = true
	s.providerID = providerID
	s.state = StateOpenAuth
	s.mu.Unlock()
}

func (s *Session) isAuthorized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorized
}

// nextSessVersion returns a monotonically increasing version tag used
// when persisting session state, so stale writes can be rejected.
func (s *Session) nextSessVersion() uint64 {
	return atomic.AddUint64(&s.sessVersion, 1)
}

// allowed reports whether action may be invoked in the session's
// current state.
func (s *Session) allowed(action string) bool {
	switch s.State() {
	case StateOpenAuth:
		return true
	case StateOpenUnauth:
		return unauthActions[action]
	default:
		return false
	}
}

// Close tears the session down exactly once, closing the transport and
// signalling closed to anything selecting on it.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		close(s.closed)
		s.conn.Close()
	})
}
