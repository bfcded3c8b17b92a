package ratchet

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher selects the AEAD used to seal ratchet message keys. The
// gateway defaults to ChaCha20-Poly1305; AES-256-GCM is kept available
// for sessions pinned to hardware that only offers AES acceleration.
type Cipher int

const (
	CipherChaCha20Poly1305 Cipher = iota
	CipherAESGCM
)

// Session is the capability set the rest of the gateway consumes from
// the ratchet: encrypt/decrypt of opaque frames, (de)serialization for
// pkg/store, and an update notification for persist-on-advance.
//
// Encrypt and Decrypt must be serialized per session — the underlying
// ratchet state advances with each call and concurrent use would
// corrupt the chain. Session holds its own mutex so callers (pkg/client,
// pkg/dispatcher) do not need to coordinate this themselves.
type Session struct {
	mu     sync.Mutex
	state  *State
	cipher Cipher

	// OnUpdate, if set, is invoked after every Encrypt or Decrypt call
	// that advanced the ratchet, so callers can persist the new state
	// before acknowledging the message that caused it. It runs outside
	// the session's own lock, so the callback may call MarshalBinary.
	OnUpdate func(*Session)
}

// NewInitiatorSession builds a session for the client side of a fresh
// handshake.
func NewInitiatorSession(sharedSecret []byte, remoteDHPub DHPublicKey, localPriv DHPrivateKey, localPub DHPublicKey, localID, remoteID string, c Cipher) (*Session, error) {
	state, err := NewInitiatorState(sharedSecret, remoteDHPub, localPriv, localPub, localID, remoteID)
	if err != nil {
		return nil, err
	}
	return &Session{state: state, cipher: c}, nil
}

// NewResponderSession builds a session for the gateway side of a fresh
// handshake. CompleteHandshake must be called once the peer's ephemeral
// public key is known.
func NewResponderSession(sharedSecret []byte, localPriv DHPrivateKey, localPub DHPublicKey, localID, remoteID string, c Cipher) *Session {
	state := NewResponderState(sharedSecret, localPriv, localPub, localID, remoteID)
	return &Session{state: state, cipher: c}
}

// CompleteHandshake finishes the responder side of X3DH by performing
// the matching initial DH against the initiator's ephemeral key and
// deriving the receiving chain key.
func (s *Session) CompleteHandshake(remoteEphemeral DHPublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.DHRecvPub = remoteEphemeral
	dhOut, err := DH(s.state.DHSendPriv, s.state.DHRecvPub)
	if err != nil {
		return fmt.Errorf("ratchet: handshake completion DH failed: %w", err)
	}
	newRoot, recvChain, err := KDFRootKey(s.state.RootKey, dhOut)
	if err != nil {
		return fmt.Errorf("ratchet: handshake completion KDF failed: %w", err)
	}
	s.state.RootKey = newRoot
	s.state.RecvChainKey = recvChain
	return nil
}

// Encrypt seals plaintext and returns a self-describing frame:
// [2-byte header length][header][ciphertext].
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	header, ciphertext, err := s.state.Encrypt(plaintext, s.seal)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	frame := make([]byte, 2+len(header)+len(ciphertext))
	binary.BigEndian.PutUint16(frame[0:2], uint16(len(header)))
	copy(frame[2:2+len(header)], header)
	copy(frame[2+len(header):], ciphertext)

	s.notifyUpdate()
	return frame, nil
}

// Decrypt opens a frame produced by the peer's Encrypt.
func (s *Session) Decrypt(frame []byte) ([]byte, error) {
	if len(frame) < 2 {
		return nil, fmt.Errorf("ratchet: frame too short")
	}
	headerLen := int(binary.BigEndian.Uint16(frame[0:2]))
	if len(frame) < 2+headerLen {
		return nil, fmt.Errorf("ratchet: frame truncated")
	}

	header := frame[2 : 2+headerLen]
	ciphertext := frame[2+headerLen:]

	s.mu.Lock()
	plaintext, err := s.state.Decrypt(header, ciphertext, s.open)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.notifyUpdate()
	return plaintext, nil
}

func (s *Session) notifyUpdate() {
	if s.OnUpdate != nil {
		s.OnUpdate(s)
	}
}

func (s *Session) seal(plaintext, key []byte) ([]byte, error) {
	switch s.cipher {
	case CipherAESGCM:
		return sealAESGCM(plaintext, key)
	default:
		return sealChaCha20Poly1305(plaintext, key)
	}
}

func (s *Session) open(ciphertext, key []byte) ([]byte, error) {
	switch s.cipher {
	case CipherAESGCM:
		return openAESGCM(ciphertext, key)
	default:
		return openChaCha20Poly1305(ciphertext, key)
	}
}

func sealChaCha20Poly1305(plaintext, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func openChaCha20Poly1305(ciphertext, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("ratchet: ciphertext too short")
	}
	nonce, ct := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	return aead.Open(nil, nonce, ct, nil)
}

func sealAESGCM(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func openAESGCM(ciphertext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ratchet: ciphertext too short")
	}
	nonce, ct := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}

// serializableState is the gob-friendly mirror of State (Skipped is
// already a plain map so State itself is gob-encodable, but we copy
// through an explicit type to keep the wire representation stable if
// State ever grows unexported fields).
type serializableState struct {
	Root, SendChain, RecvChain    [32]byte
	SendN, RecvN, PrevChainLen    uint32
	DHSendPriv, DHSendPub, DHRecv [32]byte
	Skipped                       map[SkippedKeyID]MessageKey
	LocalID, RemoteID             string
	Cipher                        Cipher
}

// MarshalBinary serializes the session for persistence (pkg/store),
// matching the gob-based approach the rest of this codebase uses for
// session state.
func (s *Session) MarshalBinary() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss := serializableState{
		Root:         s.state.RootKey,
		SendChain:    s.state.SendChainKey,
		RecvChain:    s.state.RecvChainKey,
		SendN:        s.state.SendN,
		RecvN:        s.state.RecvN,
		PrevChainLen: s.state.PrevChainLen,
		DHSendPriv:   s.state.DHSendPriv,
		DHSendPub:    s.state.DHSendPub,
		DHRecv:       s.state.DHRecvPub,
		Skipped:      s.state.Skipped,
		LocalID:      s.state.LocalID,
		RemoteID:     s.state.RemoteID,
		Cipher:       s.cipher,
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ss); err != nil {
		return nil, fmt.Errorf("ratchet: marshal session: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary restores a session previously produced by
// MarshalBinary. It is always called on a zero-value *Session.
func (s *Session) UnmarshalBinary(data []byte) error {
	var ss serializableState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&ss); err != nil {
		return fmt.Errorf("ratchet: unmarshal session: %w", err)
	}

	if ss.Skipped == nil {
		ss.Skipped = make(map[SkippedKeyID]MessageKey)
	}

	s.state = &State{
		RootKey:      ss.Root,
		SendChainKey: ss.SendChain,
		RecvChainKey: ss.RecvChain,
		SendN:        ss.SendN,
		RecvN:        ss.RecvN,
		PrevChainLen: ss.PrevChainLen,
		DHSendPriv:   ss.DHSendPriv,
		DHSendPub:    ss.DHSendPub,
		DHRecvPub:    ss.DHRecv,
		Skipped:      ss.Skipped,
		LocalID:      ss.LocalID,
		RemoteID:     ss.RemoteID,
	}
	s.cipher = ss.Cipher
	return nil
}
