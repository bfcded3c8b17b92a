package ratchet

import (
	"bytes"
	"testing"
)

func identityAEAD(data, key []byte) ([]byte, error) {
	// XOR with the key repeated, purely to exercise the ratchet's key
	// schedule without pulling in an AEAD for these low-level tests.
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ key[i%len(key)]
	}
	return out, nil
}

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := &Header{PrevChainLen: 3, MessageNum: 12}
	copy(h.DHPublicKey[:], bytes.Repeat([]byte{0x42}, 32))

	var decoded Header
	if err := decoded.Decode(h.Encode()); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != *h {
		t.Fatalf("round trip mismatch: got %+v want %+v", decoded, *h)
	}
}

func TestHeaderDecodeTooShort(t *testing.T) {
	var h Header
	if err := h.Decode(make([]byte, HeaderSize-1)); err == nil {
		t.Fatalf("expected error decoding short header")
	}
}

func TestKDFChainKeyAdvancesDeterministically(t *testing.T) {
	var chain ChainKey
	copy(chain[:], bytes.Repeat([]byte{0x01}, 32))

	next1, key1 := KDFChainKey(chain)
	next2, key2 := KDFChainKey(chain)

	if next1 != next2 || key1 != key2 {
		t.Fatalf("KDFChainKey is not deterministic")
	}
	if next1 == chain {
		t.Fatalf("chain key did not advance")
	}
	if bytes.Equal(next1[:], key1[:]) {
		t.Fatalf("chain key and message key must differ")
	}
}

func TestGenerateDHKeyPairAndDHAgree(t *testing.T) {
	aPriv, aPub, err := GenerateDHKeyPair()
	if err != nil {
		t.Fatalf("generate a: %v", err)
	}
	bPriv, bPub, err := GenerateDHKeyPair()
	if err != nil {
		t.Fatalf("generate b: %v", err)
	}

	sharedA, err := DH(aPriv, bPub)
	if err != nil {
		t.Fatalf("dh a: %v", err)
	}
	sharedB, err := DH(bPriv, aPub)
	if err != nil {
		t.Fatalf("dh b: %v", err)
	}
	if !bytes.Equal(sharedA, sharedB) {
		t.Fatalf("DH outputs disagree")
	}
}

func newPairedStates(t *testing.T) (*State, *State) {
	t.Helper()

	serverPriv, serverPub, err := GenerateDHKeyPair()
	if err != nil {
		t.Fatalf("server dh pair: %v", err)
	}

	sharedSecret := bytes.Repeat([]byte{0x55}, 32)

	clientPriv, clientPub, err := GenerateDHKeyPair()
	if err != nil {
		t.Fatalf("client dh pair: %v", err)
	}

	initiator, err := NewInitiatorState(sharedSecret, serverPub, clientPriv, clientPub, "client", "server")
	if err != nil {
		t.Fatalf("initiator state: %v", err)
	}

	responder := NewResponderState(sharedSecret, serverPriv, serverPub, "server", "client")
	dhOut, err := DH(responder.DHSendPriv, initiator.DHSendPub)
	if err != nil {
		t.Fatalf("responder completion dh: %v", err)
	}
	newRoot, recvChain, err := KDFRootKey(responder.RootKey, dhOut)
	if err != nil {
		t.Fatalf("responder completion kdf: %v", err)
	}
	responder.RootKey = newRoot
	responder.RecvChainKey = recvChain
	responder.DHRecvPub = initiator.DHSendPub

	return initiator, responder
}

func TestStateEncryptDecryptRoundTrip(t *testing.T) {
	initiator, responder := newPairedStates(t)

	header, ciphertext, err := initiator.Encrypt([]byte("state level message"), identityAEAD)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	plaintext, err := responder.Decrypt(header, ciphertext, identityAEAD)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plaintext) != "state level message" {
		t.Fatalf("got %q", plaintext)
	}
}

func TestStateSkipMessageKeysRespectsMaxSkip(t *testing.T) {
	s := &State{Skipped: make(map[SkippedKeyID]MessageKey)}
	if err := s.SkipMessageKeys(DHPublicKey{}, 0, MaxSkip+1); err == nil {
		t.Fatalf("expected error exceeding MaxSkip")
	}
	if err := s.SkipMessageKeys(DHPublicKey{}, 0, MaxSkip); err != nil {
		t.Fatalf("expected skip within MaxSkip to succeed: %v", err)
	}
}
