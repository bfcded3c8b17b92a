// Package dispatcher implements the server side of the gateway's
// session lifecycle and action routing: a tag-indexed handler table
// built once at New() time, owning the transport outright so there is
// never a reverse dependency from transport back into routing.
package dispatcher

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/webcrypto-local/gateway/pkg/envelope"
	"github.com/webcrypto-local/gateway/pkg/provider"
	"github.com/webcrypto-local/gateway/pkg/ratchet"
	"github.com/webcrypto-local/gateway/pkg/store"
	"github.com/webcrypto-local/gateway/pkg/wire"
)

// defaultLoginTimeout is how long the dispatcher waits on PromptFunc
// before a Login action fails with CryptoLogin timeout.
const defaultLoginTimeout = 30 * time.Second

// PromptFunc is the host-supplied user-presence/PIN collaborator. It
// returns nil once the user has approved the login, or an error if
// they rejected it or the prompt itself failed.
type PromptFunc func(ctx context.Context, providerID string) error

// HandlerFunc executes one routed action against the session and
// returns the bytes to carry in the ResultEnvelope's Data field.
type HandlerFunc func(d *Dispatcher, sess *Session, env *envelope.ActionEnvelope) ([]byte, error)

// Dispatcher owns every connected Session, the provider registry, the
// gateway's own identity/pre-key material, and the persistence store.
// It is the single place that knows how to route a decoded action.
type Dispatcher struct {
	identity     *identityMaterial
	store        *store.Store
	providers    *provider.Registry
	prompt       PromptFunc
	loginTimeout time.Duration

	keys  *KeyStore
	certs *CertStore

	handlers map[string]HandlerFunc

	mu       sync.Mutex
	sessions map[string]*Session
	nextID   uint64
}

// New builds a dispatcher ready to accept connections. identity/registrationID
// seed the X3DH pre-key material the gateway publishes over discovery.
func New(st *store.Store, providers *provider.Registry, identity *ratchet.IdentityKeyPair, registrationID uint32, prompt PromptFunc) (*Dispatcher, error) {
	im, err := newIdentityMaterial(identity, registrationID)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		identity:     im,
		store:        st,
		providers:    providers,
		prompt:       prompt,
		loginTimeout: defaultLoginTimeout,
		keys:         NewKeyStore(),
		certs:        NewCertStore(),
		sessions:     make(map[string]*Session),
	}
	d.handlers = buildHandlerTable()
	go d.watchTokenEvents()
	return d, nil
}

// SessionCount reports how many peers are currently connected, for the
// gatewayd heartbeat line.
func (d *Dispatcher) SessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// PreKeyBundle returns the bundle the discovery endpoint publishes.
func (d *Dispatcher) PreKeyBundle(peerID string) *ratchet.PreKeyBundle {
	return d.identity.bundle(peerID)
}

// Serve accepts a freshly upgraded connection, performs the responder
// side of the X3DH handshake, and then services the session until the
// connection closes. It blocks; callers run it in its own goroutine per
// connection (as cmd/gatewayd does).
func (d *Dispatcher) Serve(conn *wire.Conn) {
	sess, err := d.handshake(conn)
	if err != nil {
		log.Printf("❌ handshake failed: %v", err)
		conn.Close()
		return
	}

	d.register(sess)
	defer d.unregister(sess)
	defer sess.Close()

	log.Printf("✅ session %s established (open-unauth)", sess.ID)
	d.loop(sess)
}

// handshake reads the plaintext InitialMessage the client sends as its
// very first frame — it cannot be ratchet-encrypted, since it is the
// message that establishes the ratchet — and completes the responder
// side of X3DH plus the Double Ratchet.
func (d *Dispatcher) handshake(conn *wire.Conn) (*Session, error) {
	frame, err := conn.Recv()
	if err != nil {
		return nil, fmt.Errorf("dispatcher: read initial frame: %w", err)
	}

	initial, err := ratchet.DecodeInitialMessage(frame)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: decode initial message: %w", err)
	}

	sharedSecret, err := d.identity.respond(initial)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: x3dh respond: %w", err)
	}

	spk := d.identity.signedPreKey
	rs := ratchet.NewResponderSession(sharedSecret, spk.PrivateKey, spk.PublicKey, "gateway", initial.SenderID, ratchet.CipherChaCha20Poly1305)
	if err := rs.CompleteHandshake(initial.EphemeralKey); err != nil {
		return nil, fmt.Errorf("dispatcher: complete handshake: %w", err)
	}

	sess := newSession(initial.SenderID, conn)
	sess.rs = rs
	sess.setState(StateOpenUnauth)

	sessKey := initial.SenderID
	var persistMu sync.Mutex
	rs.OnUpdate = func(*ratchet.Session) {
		persistMu.Lock()
		defer persistMu.Unlock()
		blob, err := rs.MarshalBinary()
		if err != nil {
			log.Printf("❌ marshal session %s: %v", sessKey, err)
			return
		}
		if err := d.store.SaveSession(sessKey, blob, sess.nextSessVersion()); err != nil {
			log.Printf("⚠️  persist session %s: %v", sessKey, err)
		}
	}

	return sess, nil
}

func (d *Dispatcher) register(sess *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[sess.ID] = sess
	atomic.AddUint64(&d.nextID, 1)
}

func (d *Dispatcher) unregister(sess *Session) {
	d.mu.Lock()
	delete(d.sessions, sess.ID)
	d.mu.Unlock()
}

// loop reads ratchet-encrypted frames until the connection fails, and
// spawns one goroutine per inbound envelope: handlers for distinct
// actionIds interleave freely with no ordering guarantee on replies.
func (d *Dispatcher) loop(sess *Session) {
	var wg sync.WaitGroup
	for {
		frame, err := sess.conn.Recv()
		if err != nil {
			break
		}

		plaintext, err := sess.rs.Decrypt(frame)
		if err != nil {
			// Treated as a transport-level failure: the session closes to
			// force re-handshake rather than limping on with a
			// desynchronized chain.
			log.Printf("⚠️  ratchet decrypt failed for session %s: %v", sess.ID, err)
			break
		}

		wg.Add(1)
		go func(frame []byte) {
			defer wg.Done()
			d.handle(sess, frame)
		}(plaintext)
	}
	wg.Wait()
}

// handle decodes one plaintext envelope frame, routes it, and sends the
// correlated result back over the ratchet.
func (d *Dispatcher) handle(sess *Session, frame []byte) {
	env, err := envelope.DecodeAction(frame)
	if err != nil {
		d.replyUnknown(sess, frame, err)
		return
	}

	if !sess.allowed(env.Action) {
		d.reply(sess, &envelope.ResultEnvelope{Action: env.Action, ActionID: env.ActionID, Err: ErrChannelNotOpen.Error()})
		return
	}

	fn, ok := d.handlers[env.Action]
	if !ok {
		d.reply(sess, &envelope.ResultEnvelope{ActionID: env.ActionID, Err: unknownActionError(env.Action).Error()})
		return
	}

	data, err := fn(d, sess, env)
	result := &envelope.ResultEnvelope{Action: env.Action, ActionID: env.ActionID}
	if err != nil {
		result.Err = err.Error()
	} else {
		result.Data = data
	}
	d.reply(sess, result)
}

// replyUnknown handles the case where the tag itself could not be
// resolved: it still extracts the actionId so the client's pending
// entry can be correlated and rejected with an error rather than left
// hanging forever.
func (d *Dispatcher) replyUnknown(sess *Session, frame []byte, decodeErr error) {
	raw, err := envelope.DecodeActionRaw(frame)
	if err != nil {
		// Not even the actionId could be recovered; nothing to correlate
		// a reply against, so this is a true transport-level failure.
		log.Printf("⚠️  malformed envelope from session %s: %v", sess.ID, decodeErr)
		return
	}
	tag := fmt.Sprintf("0x%04x", raw.Tag)
	d.reply(sess, &envelope.ResultEnvelope{ActionID: raw.ActionID, Err: unknownActionError(tag).Error()})
}

func (d *Dispatcher) reply(sess *Session, result *envelope.ResultEnvelope) {
	frame, err := envelope.EncodeResult(result)
	if err != nil {
		log.Printf("❌ encode result for session %s: %v", sess.ID, err)
		return
	}
	ciphertext, err := sess.rs.Encrypt(frame)
	if err != nil {
		log.Printf("❌ encrypt result for session %s: %v", sess.ID, err)
		return
	}
	if err := sess.conn.Send(ciphertext); err != nil {
		log.Printf("⚠️  send result to session %s: %v", sess.ID, err)
	}
}

// watchTokenEvents rebroadcasts provider hotplug events to every
// authorized session with a live ratchet.
func (d *Dispatcher) watchTokenEvents() {
	for evt := range d.providers.Events() {
		payload, err := encodeTokenEvent(evt)
		if err != nil {
			log.Printf("❌ encode token event: %v", err)
			continue
		}

		d.mu.Lock()
		targets := make([]*Session, 0, len(d.sessions))
		for _, sess := range d.sessions {
			if sess.isAuthorized() {
				targets = append(targets, sess)
			}
		}
		d.mu.Unlock()

		for _, sess := range targets {
			d.pushEvent(sess, "token.change", payload)
		}
	}
}

// pushEvent sends an unsolicited server->client envelope (no actionId
// to correlate, since nothing on the client side is waiting on it).
func (d *Dispatcher) pushEvent(sess *Session, action string, payload []byte) {
	d.reply(sess, &envelope.ResultEnvelope{Action: action, Data: payload})
}
