// Package ratchet implements the Double Ratchet algorithm used to secure
// the gateway's control channel between a browser/local client and the
// gateway process.
//
// https://signal.org/docs/specifications/doubleratchet/
package ratchet

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	RootKeyLen    = 32
	ChainKeyLen   = 32
	MessageKeyLen = 32
	DHKeyLen      = 32

	kdfRootInfo = "webcrypto-gateway Double Ratchet Root"

	// MaxSkip bounds how many message keys a single DH ratchet step will
	// derive and cache for out-of-order delivery, preventing a peer from
	// forcing unbounded memory growth by skipping message numbers.
	MaxSkip = 1000
)

type RootKey [RootKeyLen]byte
type ChainKey [ChainKeyLen]byte
type MessageKey [MessageKeyLen]byte
type DHPublicKey [DHKeyLen]byte
type DHPrivateKey [DHKeyLen]byte

// State is the complete mutable state of one Double Ratchet session.
// It advances on every Encrypt/Decrypt call and is the unit of
// persistence for pkg/store.
type State struct {
	RootKey RootKey

	SendChainKey ChainKey
	SendN        uint32

	RecvChainKey ChainKey
	RecvN        uint32

	DHSendPriv DHPrivateKey
	DHSendPub  DHPublicKey
	DHRecvPub  DHPublicKey

	PrevChainLen uint32

	Skipped map[SkippedKeyID]MessageKey

	LocalID  string
	RemoteID string
}

// SkippedKeyID identifies a cached message key from an earlier chain.
type SkippedKeyID struct {
	DHPublicKey DHPublicKey
	MessageNum  uint32
}

// Header travels alongside each ciphertext and carries the ratchet's
// public state needed to decrypt it.
type Header struct {
	DHPublicKey  DHPublicKey
	PrevChainLen uint32
	MessageNum   uint32
}

const HeaderSize = DHKeyLen + 4 + 4

func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:], h.DHPublicKey[:])
	binary.BigEndian.PutUint32(buf[32:], h.PrevChainLen)
	binary.BigEndian.PutUint32(buf[36:], h.MessageNum)
	return buf
}

func (h *Header) Decode(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("ratchet: header too short (%d bytes)", len(buf))
	}
	copy(h.DHPublicKey[:], buf[0:32])
	h.PrevChainLen = binary.BigEndian.Uint32(buf[32:36])
	h.MessageNum = binary.BigEndian.Uint32(buf[36:40])
	return nil
}

// KDFRootKey derives a new root key and chain key from the current root
// key and a fresh DH output.
func KDFRootKey(root RootKey, dhOutput []byte) (RootKey, ChainKey, error) {
	r := hkdf.New(sha256.New, dhOutput, root[:], []byte(kdfRootInfo))

	out := make([]byte, 64)
	if _, err := r.Read(out); err != nil {
		return RootKey{}, ChainKey{}, err
	}

	var newRoot RootKey
	var newChain ChainKey
	copy(newRoot[:], out[0:32])
	copy(newChain[:], out[32:64])
	return newRoot, newChain, nil
}

// KDFChainKey advances a chain key and derives the message key for the
// current step: each key is SHA-256 over the chain key followed by a
// one-byte constant (0x01 for the message key, 0x02 for the next chain
// key). HKDF is not used since only a constant-size, single-step
// derivation is needed per message.
func KDFChainKey(chain ChainKey) (ChainKey, MessageKey) {
	msgMAC := sha256.New()
	msgMAC.Write(chain[:])
	msgMAC.Write([]byte{0x01})
	msgDigest := msgMAC.Sum(nil)

	var msgKey MessageKey
	copy(msgKey[:], msgDigest[:32])

	chainMAC := sha256.New()
	chainMAC.Write(chain[:])
	chainMAC.Write([]byte{0x02})
	chainDigest := chainMAC.Sum(nil)

	var newChain ChainKey
	copy(newChain[:], chainDigest[:32])

	return newChain, msgKey
}

// GenerateDHKeyPair generates a fresh X25519 key pair.
func GenerateDHKeyPair() (DHPrivateKey, DHPublicKey, error) {
	var priv DHPrivateKey
	var pub DHPublicKey

	if _, err := rand.Read(priv[:]); err != nil {
		return priv, pub, err
	}
	curve25519.ScalarBaseMult((*[32]byte)(&pub), (*[32]byte)(&priv))
	return priv, pub, nil
}

// DH performs an X25519 Diffie-Hellman exchange.
func DH(priv DHPrivateKey, pub DHPublicKey) ([]byte, error) {
	var shared [32]byte
	curve25519.ScalarMult(&shared, (*[32]byte)(&priv), (*[32]byte)(&pub))
	return shared[:], nil
}

// NewInitiatorState initializes ratchet state for the party that sends
// the first message (the client, during handshake).
func NewInitiatorState(sharedSecret []byte, remoteDHPub DHPublicKey, localPriv DHPrivateKey, localPub DHPublicKey, localID, remoteID string) (*State, error) {
	s := &State{
		DHSendPriv: localPriv,
		DHSendPub:  localPub,
		DHRecvPub:  remoteDHPub,
		Skipped:    make(map[SkippedKeyID]MessageKey),
		LocalID:    localID,
		RemoteID:   remoteID,
	}
	copy(s.RootKey[:], sharedSecret[:32])

	dhOut, err := DH(s.DHSendPriv, s.DHRecvPub)
	if err != nil {
		return nil, fmt.Errorf("ratchet: initial DH failed: %w", err)
	}

	newRoot, sendChain, err := KDFRootKey(s.RootKey, dhOut)
	if err != nil {
		return nil, fmt.Errorf("ratchet: initial KDF failed: %w", err)
	}

	s.RootKey = newRoot
	s.SendChainKey = sendChain
	return s, nil
}

// NewResponderState initializes ratchet state for the party that
// receives the first message (the gateway, during handshake). The
// receiving chain is completed by the caller once the peer's ephemeral
// DH public key is known (see pkg/ratchet.Session.CompleteHandshake).
func NewResponderState(sharedSecret []byte, localPriv DHPrivateKey, localPub DHPublicKey, localID, remoteID string) *State {
	s := &State{
		DHSendPriv: localPriv,
		DHSendPub:  localPub,
		Skipped:    make(map[SkippedKeyID]MessageKey),
		LocalID:    localID,
		RemoteID:   remoteID,
	}
	copy(s.RootKey[:], sharedSecret[:32])
	return s
}

// DHRatchet performs a DH ratchet step upon receiving a message whose
// header carries a new DH public key from the peer.
func (s *State) DHRatchet(remoteDHPub DHPublicKey) error {
	s.PrevChainLen = s.SendN
	s.SendN = 0
	s.RecvN = 0
	s.DHRecvPub = remoteDHPub

	dhOut, err := DH(s.DHSendPriv, s.DHRecvPub)
	if err != nil {
		return err
	}
	newRoot, recvChain, err := KDFRootKey(s.RootKey, dhOut)
	if err != nil {
		return err
	}
	s.RootKey = newRoot
	s.RecvChainKey = recvChain

	newPriv, newPub, err := GenerateDHKeyPair()
	if err != nil {
		return err
	}
	s.DHSendPriv = newPriv
	s.DHSendPub = newPub

	dhOut2, err := DH(s.DHSendPriv, s.DHRecvPub)
	if err != nil {
		return err
	}
	newRoot2, sendChain, err := KDFRootKey(s.RootKey, dhOut2)
	if err != nil {
		return err
	}
	s.RootKey = newRoot2
	s.SendChainKey = sendChain
	return nil
}

// AEADFunc encrypts or decrypts a message key bound payload. Callers
// supply the concrete cipher (see pkg/ratchet.Session).
type AEADFunc func(data []byte, key []byte) ([]byte, error)

// Encrypt derives the next sending message key, advances the sending
// chain, and returns the wire header and ciphertext.
func (s *State) Encrypt(plaintext []byte, seal AEADFunc) ([]byte, []byte, error) {
	newChain, msgKey := KDFChainKey(s.SendChainKey)
	s.SendChainKey = newChain

	header := &Header{
		DHPublicKey:  s.DHSendPub,
		PrevChainLen: s.PrevChainLen,
		MessageNum:   s.SendN,
	}
	s.SendN++

	ciphertext, err := seal(plaintext, msgKey[:])
	if err != nil {
		return nil, nil, err
	}
	return header.Encode(), ciphertext, nil
}

// Decrypt consumes a wire header and ciphertext, performing a DH ratchet
// step and/or skipped-key derivation as required, and returns plaintext.
func (s *State) Decrypt(headerBytes, ciphertext []byte, open AEADFunc) ([]byte, error) {
	var header Header
	if err := header.Decode(headerBytes); err != nil {
		return nil, err
	}

	if header.DHPublicKey != s.DHRecvPub {
		if err := s.SkipMessageKeys(s.DHRecvPub, s.RecvN, header.PrevChainLen); err != nil {
			return nil, err
		}
		if err := s.DHRatchet(header.DHPublicKey); err != nil {
			return nil, err
		}
	}

	if header.MessageNum > s.RecvN {
		if err := s.SkipMessageKeys(header.DHPublicKey, s.RecvN, header.MessageNum); err != nil {
			return nil, err
		}
	}

	keyID := SkippedKeyID{DHPublicKey: header.DHPublicKey, MessageNum: header.MessageNum}
	if msgKey, ok := s.Skipped[keyID]; ok {
		delete(s.Skipped, keyID)
		return open(ciphertext, msgKey[:])
	}

	newChain, msgKey := KDFChainKey(s.RecvChainKey)
	s.RecvChainKey = newChain
	s.RecvN++

	return open(ciphertext, msgKey[:])
}

// SkipMessageKeys derives and caches message keys for messages that were
// skipped over, bounding the work with MaxSkip.
func (s *State) SkipMessageKeys(dhPub DHPublicKey, from, to uint32) error {
	if to < from {
		return nil
	}
	if to-from > MaxSkip {
		return fmt.Errorf("ratchet: refusing to skip %d message keys (max %d)", to-from, MaxSkip)
	}

	chain := s.RecvChainKey
	for i := from; i < to; i++ {
		newChain, msgKey := KDFChainKey(chain)
		chain = newChain
		s.Skipped[SkippedKeyID{DHPublicKey: dhPub, MessageNum: i}] = msgKey
	}
	s.RecvChainKey = chain
	return nil
}
