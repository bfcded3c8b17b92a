package ratchet

import (
	"bytes"
	"testing"
)

func handshake(t *testing.T) (*Session, *Session) {
	t.Helper()

	serverIdentity, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("server identity: %v", err)
	}
	spk, err := GenerateSignedPreKey(1, serverIdentity)
	if err != nil {
		t.Fatalf("signed pre-key: %v", err)
	}
	opks, err := GenerateOneTimePreKeys(1, 5)
	if err != nil {
		t.Fatalf("one-time pre-keys: %v", err)
	}
	opkMap := make(map[uint32]*OneTimePreKeyPrivate)
	for _, k := range opks {
		opkMap[k.KeyID] = k
	}

	bundle := NewPreKeyBundle("server", serverIdentity, spk, opks, 42)

	clientIdentity, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("client identity: %v", err)
	}

	sharedClient, ephPriv, ephPub, initial, err := Initiate("client", clientIdentity, bundle)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	sharedServer, err := Respond(serverIdentity, spk, opkMap, initial)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}

	if !bytes.Equal(sharedClient, sharedServer) {
		t.Fatalf("shared secrets differ")
	}

	clientSession, err := NewInitiatorSession(sharedClient, DHPublicKey(spk.PublicKey), ephPriv, ephPub, "client", "server", CipherChaCha20Poly1305)
	if err != nil {
		t.Fatalf("initiator session: %v", err)
	}

	serverSession := NewResponderSession(sharedServer, DHPrivateKey(spk.PrivateKey), DHPublicKey(spk.PublicKey), "server", "client", CipherChaCha20Poly1305)
	if err := serverSession.CompleteHandshake(ephPub); err != nil {
		t.Fatalf("complete handshake: %v", err)
	}

	return clientSession, serverSession
}

func TestSessionRoundTrip(t *testing.T) {
	client, server := handshake(t)

	frame, err := client.Encrypt([]byte("hello gateway"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	plaintext, err := server.Decrypt(frame)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plaintext) != "hello gateway" {
		t.Fatalf("got %q", plaintext)
	}
}

func TestSessionInterleavedMessages(t *testing.T) {
	client, server := handshake(t)

	messages := []string{"one", "two", "three", "four"}
	for _, m := range messages {
		frame, err := client.Encrypt([]byte(m))
		if err != nil {
			t.Fatalf("encrypt %q: %v", m, err)
		}
		plaintext, err := server.Decrypt(frame)
		if err != nil {
			t.Fatalf("decrypt %q: %v", m, err)
		}
		if string(plaintext) != m {
			t.Fatalf("got %q want %q", plaintext, m)
		}
	}

	reply, err := server.Encrypt([]byte("ack"))
	if err != nil {
		t.Fatalf("server encrypt: %v", err)
	}
	plaintext, err := client.Decrypt(reply)
	if err != nil {
		t.Fatalf("client decrypt: %v", err)
	}
	if string(plaintext) != "ack" {
		t.Fatalf("got %q", plaintext)
	}
}

func TestSessionOutOfOrderDelivery(t *testing.T) {
	client, server := handshake(t)

	var frames [][]byte
	for _, m := range []string{"a", "b", "c"} {
		frame, err := client.Encrypt([]byte(m))
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		frames = append(frames, frame)
	}

	// Deliver out of order: c, a, b.
	order := []int{2, 0, 1}
	want := []string{"c", "a", "b"}
	for i, idx := range order {
		plaintext, err := server.Decrypt(frames[idx])
		if err != nil {
			t.Fatalf("decrypt frame %d: %v", idx, err)
		}
		if string(plaintext) != want[i] {
			t.Fatalf("got %q want %q", plaintext, want[i])
		}
	}
}

func TestSessionMarshalRoundTrip(t *testing.T) {
	client, server := handshake(t)

	frame, err := client.Encrypt([]byte("persist me"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	data, err := server.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	restored := &Session{}
	if err := restored.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	plaintext, err := restored.Decrypt(frame)
	if err != nil {
		t.Fatalf("decrypt after restore: %v", err)
	}
	if string(plaintext) != "persist me" {
		t.Fatalf("got %q", plaintext)
	}
}

func TestSessionTamperedCiphertextFailsVerify(t *testing.T) {
	client, server := handshake(t)

	frame, err := client.Encrypt([]byte("integrity"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	tampered := make([]byte, len(frame))
	copy(tampered, frame)
	tampered[len(tampered)-1] ^= 0xFF

	if _, err := server.Decrypt(tampered); err == nil {
		t.Fatalf("expected decrypt of tampered frame to fail")
	}
}

func TestSessionOnUpdateCallback(t *testing.T) {
	client, server := handshake(t)

	var updates int
	server.OnUpdate = func(*Session) { updates++ }

	frame, err := client.Encrypt([]byte("x"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := server.Decrypt(frame); err != nil {
		t.Fatalf("decrypt: %v", err)
	}

	if updates != 1 {
		t.Fatalf("expected 1 update, got %d", updates)
	}
}
