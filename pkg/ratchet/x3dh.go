package ratchet

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// X3DH (Extended Triple Diffie-Hellman) bootstraps a Double Ratchet
// session without requiring both parties to be online simultaneously.
// https://signal.org/docs/specifications/x3dh/

const x3dhInfo = "webcrypto-gateway X3DH Key Agreement"

// IdentityKeyPair is the long-lived local identity: an Ed25519 pair for
// signing pre-keys and an X25519 pair for the DH steps.
type IdentityKeyPair struct {
	SignPublic  [32]byte
	SignPrivate [64]byte
	DHPublic    [32]byte
	DHPrivate   [32]byte
}

// SignedPreKey is the medium-term key a peer publishes, signed by its
// identity key.
type SignedPreKey struct {
	KeyID     uint32
	PublicKey [32]byte
	Signature [64]byte
	Timestamp uint64
}

// SignedPreKeyPrivate is the local half of a SignedPreKey.
type SignedPreKeyPrivate struct {
	KeyID      uint32
	PublicKey  [32]byte
	PrivateKey [32]byte
	Signature  [64]byte
	Timestamp  uint64
}

// OneTimePreKey is a single-use bootstrap key.
type OneTimePreKey struct {
	KeyID     uint32
	PublicKey [32]byte
}

// OneTimePreKeyPrivate is the local half of a OneTimePreKey.
type OneTimePreKeyPrivate struct {
	KeyID      uint32
	PublicKey  [32]byte
	PrivateKey [32]byte
}

// PreKeyBundle is the ephemeral bootstrap material published by the
// gateway over the plaintext discovery endpoint (see pkg/discovery).
type PreKeyBundle struct {
	PeerID         string
	IdentityKey    [32]byte
	SignedPreKey   SignedPreKey
	OneTimePreKeys []OneTimePreKey
	RegistrationID uint32
}

// InitialMessage is the first message a client sends a gateway to
// establish a session; it carries everything the gateway needs to
// complete its side of X3DH.
type InitialMessage struct {
	SenderID            string
	IdentityKey         [32]byte
	EphemeralKey        [32]byte
	UsedSignedPreKeyID  uint32
	UsedOneTimePreKeyID uint32
	Ciphertext          []byte
}

func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	var dhPriv [32]byte
	if _, err := rand.Read(dhPriv[:]); err != nil {
		return nil, err
	}
	var dhPub [32]byte
	curve25519.ScalarBaseMult(&dhPub, &dhPriv)

	kp := &IdentityKeyPair{DHPublic: dhPub, DHPrivate: dhPriv}
	copy(kp.SignPublic[:], signPub)
	copy(kp.SignPrivate[:], signPriv)
	return kp, nil
}

// MarshalBinary serializes the long-lived local identity for
// pkg/store, the same flat-concatenation-of-fixed-fields approach
// Encode uses for the wire types in this file.
func (kp *IdentityKeyPair) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 32+64+32+32)
	buf = append(buf, kp.SignPublic[:]...)
	buf = append(buf, kp.SignPrivate[:]...)
	buf = append(buf, kp.DHPublic[:]...)
	buf = append(buf, kp.DHPrivate[:]...)
	return buf, nil
}

// UnmarshalIdentityKeyPair restores an identity previously produced by
// MarshalBinary.
func UnmarshalIdentityKeyPair(data []byte) (*IdentityKeyPair, error) {
	const want = 32 + 64 + 32 + 32
	if len(data) != want {
		return nil, fmt.Errorf("ratchet: decode identity: expected %d bytes, got %d", want, len(data))
	}
	kp := &IdentityKeyPair{}
	copy(kp.SignPublic[:], data[0:32])
	copy(kp.SignPrivate[:], data[32:96])
	copy(kp.DHPublic[:], data[96:128])
	copy(kp.DHPrivate[:], data[128:160])
	return kp, nil
}

func GenerateSignedPreKey(keyID uint32, identity *IdentityKeyPair) (*SignedPreKeyPrivate, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, err
	}
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)

	timestamp := uint64(time.Now().UnixMilli())
	sigData := make([]byte, 4+32+8)
	binary.BigEndian.PutUint32(sigData[0:4], keyID)
	copy(sigData[4:36], pub[:])
	binary.BigEndian.PutUint64(sigData[36:44], timestamp)

	signature := ed25519.Sign(identity.SignPrivate[:], sigData)

	spk := &SignedPreKeyPrivate{KeyID: keyID, PublicKey: pub, PrivateKey: priv, Timestamp: timestamp}
	copy(spk.Signature[:], signature)
	return spk, nil
}

func GenerateOneTimePreKeys(startID uint32, count int) ([]*OneTimePreKeyPrivate, error) {
	keys := make([]*OneTimePreKeyPrivate, count)
	for i := 0; i < count; i++ {
		var priv [32]byte
		if _, err := rand.Read(priv[:]); err != nil {
			return nil, err
		}
		var pub [32]byte
		curve25519.ScalarBaseMult(&pub, &priv)
		keys[i] = &OneTimePreKeyPrivate{KeyID: startID + uint32(i), PublicKey: pub, PrivateKey: priv}
	}
	return keys, nil
}

func NewPreKeyBundle(peerID string, identity *IdentityKeyPair, spk *SignedPreKeyPrivate, opks []*OneTimePreKeyPrivate, registrationID uint32) *PreKeyBundle {
	bundle := &PreKeyBundle{
		PeerID:         peerID,
		IdentityKey:    identity.DHPublic,
		RegistrationID: registrationID,
		SignedPreKey: SignedPreKey{
			KeyID:     spk.KeyID,
			PublicKey: spk.PublicKey,
			Signature: spk.Signature,
			Timestamp: spk.Timestamp,
		},
		OneTimePreKeys: make([]OneTimePreKey, len(opks)),
	}
	for i, opk := range opks {
		bundle.OneTimePreKeys[i] = OneTimePreKey{KeyID: opk.KeyID, PublicKey: opk.PublicKey}
	}
	return bundle
}

// VerifySignedPreKey checks the Ed25519 signature over a published
// signed pre-key.
func VerifySignedPreKey(signPub [32]byte, spk *SignedPreKey) bool {
	sigData := make([]byte, 4+32+8)
	binary.BigEndian.PutUint32(sigData[0:4], spk.KeyID)
	copy(sigData[4:36], spk.PublicKey[:])
	binary.BigEndian.PutUint64(sigData[36:44], spk.Timestamp)
	return ed25519.Verify(signPub[:], sigData, spk.Signature[:])
}

// Initiate performs X3DH as the initiating party (the client connecting
// to a gateway for the first time), returning the derived shared
// secret plus the ephemeral key pair and InitialMessage to send.
func Initiate(senderID string, identity *IdentityKeyPair, bundle *PreKeyBundle) ([]byte, DHPrivateKey, DHPublicKey, *InitialMessage, error) {
	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return nil, DHPrivateKey{}, DHPublicKey{}, nil, err
	}
	var ephPub [32]byte
	curve25519.ScalarBaseMult(&ephPub, &ephPriv)

	var dh1, dh2, dh3, dh4 [32]byte
	curve25519.ScalarMult(&dh1, &identity.DHPrivate, &bundle.SignedPreKey.PublicKey)
	curve25519.ScalarMult(&dh2, &ephPriv, &bundle.IdentityKey)
	curve25519.ScalarMult(&dh3, &ephPriv, &bundle.SignedPreKey.PublicKey)

	var usedOPKID uint32
	dhCount := 3
	if len(bundle.OneTimePreKeys) > 0 {
		opk := bundle.OneTimePreKeys[0]
		curve25519.ScalarMult(&dh4, &ephPriv, &opk.PublicKey)
		usedOPKID = opk.KeyID
		dhCount = 4
	}

	dhConcat := concatDH(dhCount, dh1, dh2, dh3, dh4)
	sharedSecret, err := deriveX3DHSecret(dhConcat)
	if err != nil {
		return nil, DHPrivateKey{}, DHPublicKey{}, nil, err
	}

	initial := &InitialMessage{
		SenderID:            senderID,
		IdentityKey:         identity.DHPublic,
		EphemeralKey:        ephPub,
		UsedSignedPreKeyID:  bundle.SignedPreKey.KeyID,
		UsedOneTimePreKeyID: usedOPKID,
	}

	return sharedSecret, DHPrivateKey(ephPriv), DHPublicKey(ephPub), initial, nil
}

// Respond performs X3DH as the responding party (the gateway, upon
// receiving an InitialMessage), consuming and deleting the referenced
// one-time pre-key for forward secrecy.
func Respond(identity *IdentityKeyPair, spk *SignedPreKeyPrivate, opks map[uint32]*OneTimePreKeyPrivate, initial *InitialMessage) ([]byte, error) {
	var usedOPK *OneTimePreKeyPrivate
	if initial.UsedOneTimePreKeyID != 0 {
		var ok bool
		usedOPK, ok = opks[initial.UsedOneTimePreKeyID]
		if !ok {
			return nil, fmt.Errorf("ratchet: one-time pre-key %d not found", initial.UsedOneTimePreKeyID)
		}
	}

	var dh1, dh2, dh3, dh4 [32]byte
	curve25519.ScalarMult(&dh1, &spk.PrivateKey, &initial.IdentityKey)
	curve25519.ScalarMult(&dh2, &identity.DHPrivate, &initial.EphemeralKey)
	curve25519.ScalarMult(&dh3, &spk.PrivateKey, &initial.EphemeralKey)

	dhCount := 3
	if usedOPK != nil {
		curve25519.ScalarMult(&dh4, &usedOPK.PrivateKey, &initial.EphemeralKey)
		dhCount = 4
	}

	dhConcat := concatDH(dhCount, dh1, dh2, dh3, dh4)
	sharedSecret, err := deriveX3DHSecret(dhConcat)
	if err != nil {
		return nil, err
	}

	if usedOPK != nil {
		delete(opks, initial.UsedOneTimePreKeyID)
	}

	return sharedSecret, nil
}

func concatDH(count int, dh1, dh2, dh3, dh4 [32]byte) []byte {
	size := count * 32
	buf := make([]byte, size)
	copy(buf[0:32], dh1[:])
	copy(buf[32:64], dh2[:])
	copy(buf[64:96], dh3[:])
	if count == 4 {
		copy(buf[96:128], dh4[:])
	}
	return buf
}

func deriveX3DHSecret(dhConcat []byte) ([]byte, error) {
	salt := make([]byte, 32)
	r := hkdf.New(sha256.New, dhConcat, salt, []byte(x3dhInfo))
	secret := make([]byte, 32)
	if _, err := r.Read(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// Encode/Decode below give PreKeyBundle and InitialMessage a stable
// binary wire form for the plaintext discovery endpoint and the
// handshake frame respectively.

func (b *PreKeyBundle) Encode() []byte {
	peerIDBytes := []byte(b.PeerID)
	size := 2 + len(peerIDBytes) + 32 + 4 + 4 + 32 + 64 + 8 + 4 + len(b.OneTimePreKeys)*36
	buf := make([]byte, size)
	offset := 0

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(peerIDBytes)))
	offset += 2
	copy(buf[offset:], peerIDBytes)
	offset += len(peerIDBytes)

	copy(buf[offset:], b.IdentityKey[:])
	offset += 32

	binary.BigEndian.PutUint32(buf[offset:], b.RegistrationID)
	offset += 4

	binary.BigEndian.PutUint32(buf[offset:], b.SignedPreKey.KeyID)
	offset += 4
	copy(buf[offset:], b.SignedPreKey.PublicKey[:])
	offset += 32
	copy(buf[offset:], b.SignedPreKey.Signature[:])
	offset += 64
	binary.BigEndian.PutUint64(buf[offset:], b.SignedPreKey.Timestamp)
	offset += 8

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(b.OneTimePreKeys)))
	offset += 4
	for _, opk := range b.OneTimePreKeys {
		binary.BigEndian.PutUint32(buf[offset:], opk.KeyID)
		offset += 4
		copy(buf[offset:], opk.PublicKey[:])
		offset += 32
	}

	return buf
}

func DecodePreKeyBundle(buf []byte) (*PreKeyBundle, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("ratchet: pre-key bundle too short")
	}
	offset := 0
	idLen := int(binary.BigEndian.Uint16(buf[offset:]))
	offset += 2
	if len(buf) < offset+idLen+32+4+4+32+64+8+4 {
		return nil, fmt.Errorf("ratchet: pre-key bundle truncated")
	}

	b := &PreKeyBundle{PeerID: string(buf[offset : offset+idLen])}
	offset += idLen

	copy(b.IdentityKey[:], buf[offset:offset+32])
	offset += 32

	b.RegistrationID = binary.BigEndian.Uint32(buf[offset:])
	offset += 4

	b.SignedPreKey.KeyID = binary.BigEndian.Uint32(buf[offset:])
	offset += 4
	copy(b.SignedPreKey.PublicKey[:], buf[offset:offset+32])
	offset += 32
	copy(b.SignedPreKey.Signature[:], buf[offset:offset+64])
	offset += 64
	b.SignedPreKey.Timestamp = binary.BigEndian.Uint64(buf[offset:])
	offset += 8

	opkCount := binary.BigEndian.Uint32(buf[offset:])
	offset += 4

	b.OneTimePreKeys = make([]OneTimePreKey, opkCount)
	for i := uint32(0); i < opkCount; i++ {
		if len(buf) < offset+36 {
			return nil, fmt.Errorf("ratchet: pre-key bundle truncated at one-time key %d", i)
		}
		b.OneTimePreKeys[i].KeyID = binary.BigEndian.Uint32(buf[offset:])
		offset += 4
		copy(b.OneTimePreKeys[i].PublicKey[:], buf[offset:offset+32])
		offset += 32
	}

	return b, nil
}

func (m *InitialMessage) Encode() []byte {
	senderBytes := []byte(m.SenderID)
	size := 2 + len(senderBytes) + 32 + 32 + 4 + 4 + 4 + len(m.Ciphertext)
	buf := make([]byte, size)
	offset := 0

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(senderBytes)))
	offset += 2
	copy(buf[offset:], senderBytes)
	offset += len(senderBytes)

	copy(buf[offset:], m.IdentityKey[:])
	offset += 32
	copy(buf[offset:], m.EphemeralKey[:])
	offset += 32

	binary.BigEndian.PutUint32(buf[offset:], m.UsedSignedPreKeyID)
	offset += 4
	binary.BigEndian.PutUint32(buf[offset:], m.UsedOneTimePreKeyID)
	offset += 4

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(m.Ciphertext)))
	offset += 4
	copy(buf[offset:], m.Ciphertext)

	return buf
}

func DecodeInitialMessage(buf []byte) (*InitialMessage, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("ratchet: initial message too short")
	}
	offset := 0
	idLen := int(binary.BigEndian.Uint16(buf[offset:]))
	offset += 2
	if len(buf) < offset+idLen+32+32+4+4+4 {
		return nil, fmt.Errorf("ratchet: initial message truncated")
	}

	m := &InitialMessage{SenderID: string(buf[offset : offset+idLen])}
	offset += idLen

	copy(m.IdentityKey[:], buf[offset:offset+32])
	offset += 32
	copy(m.EphemeralKey[:], buf[offset:offset+32])
	offset += 32

	m.UsedSignedPreKeyID = binary.BigEndian.Uint32(buf[offset:])
	offset += 4
	m.UsedOneTimePreKeyID = binary.BigEndian.Uint32(buf[offset:])
	offset += 4

	ctLen := binary.BigEndian.Uint32(buf[offset:])
	offset += 4
	if len(buf) < offset+int(ctLen) {
		return nil, fmt.Errorf("ratchet: initial message ciphertext truncated")
	}
	m.Ciphertext = make([]byte, ctLen)
	copy(m.Ciphertext, buf[offset:offset+int(ctLen)])

	return m, nil
}
