package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webcrypto-local/gateway/pkg/envelope"
	"github.com/webcrypto-local/gateway/pkg/ratchet"
	"github.com/webcrypto-local/gateway/pkg/wire"
)

// serverFixture stands in for pkg/dispatcher's handshake + reply logic,
// scoped down to exactly what exercises pkg/client's Caller: complete
// the responder side of X3DH, then answer every action with a fixed
// "digest-bytes" reply.
func serverFixture(t *testing.T) (*httptest.Server, *ratchet.IdentityKeyPair, *ratchet.SignedPreKeyPrivate, map[uint32]*ratchet.OneTimePreKeyPrivate) {
	t.Helper()

	serverIdentity, err := ratchet.GenerateIdentityKeyPair()
	require.NoError(t, err)
	spk, err := ratchet.GenerateSignedPreKey(1, serverIdentity)
	require.NoError(t, err)
	opks, err := ratchet.GenerateOneTimePreKeys(1, 4)
	require.NoError(t, err)
	opkMap := make(map[uint32]*ratchet.OneTimePreKeyPrivate)
	for _, opk := range opks {
		opkMap[opk.KeyID] = opk
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wire.Upgrade(w, r)
		if err != nil {
			return
		}
		defer conn.Close()

		frame, err := conn.Recv()
		if err != nil {
			return
		}
		initial, err := ratchet.DecodeInitialMessage(frame)
		if err != nil {
			return
		}
		shared, err := ratchet.Respond(serverIdentity, spk, opkMap, initial)
		if err != nil {
			return
		}
		rs := ratchet.NewResponderSession(shared, spk.PrivateKey, spk.PublicKey, "gateway", initial.SenderID, ratchet.CipherChaCha20Poly1305)
		if err := rs.CompleteHandshake(initial.EphemeralKey); err != nil {
			return
		}

		for {
			frame, err := conn.Recv()
			if err != nil {
				return
			}
			plaintext, err := rs.Decrypt(frame)
			if err != nil {
				return
			}
			action, err := envelope.DecodeAction(plaintext)
			if err != nil {
				return
			}
			reply, err := envelope.EncodeResult(&envelope.ResultEnvelope{Action: action.Action, ActionID: action.ActionID, Data: []byte("digest-bytes")})
			if err != nil {
				return
			}
			ciphertext, err := rs.Encrypt(reply)
			if err != nil {
				return
			}
			if err := conn.Send(ciphertext); err != nil {
				return
			}
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, serverIdentity, spk, opkMap
}

func dialCaller(t *testing.T, srv *httptest.Server, serverIdentity *ratchet.IdentityKeyPair, spk *ratchet.SignedPreKeyPrivate, opks map[uint32]*ratchet.OneTimePreKeyPrivate) *Caller {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, err := wire.Dial(context.Background(), wsURL)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	clientIdentity, err := ratchet.GenerateIdentityKeyPair()
	require.NoError(t, err)

	var opkList []ratchet.OneTimePreKey
	for _, opk := range opks {
		opkList = append(opkList, ratchet.OneTimePreKey{KeyID: opk.KeyID, PublicKey: opk.PublicKey})
		break
	}
	bundle := &ratchet.PreKeyBundle{
		PeerID:         "gateway",
		IdentityKey:    serverIdentity.DHPublic,
		RegistrationID: 1,
		SignedPreKey: ratchet.SignedPreKey{
			KeyID:     spk.KeyID,
			PublicKey: spk.PublicKey,
			Signature: spk.Signature,
			Timestamp: spk.Timestamp,
		},
		OneTimePreKeys: opkList,
	}

	caller, err := Handshake(conn, "client-1", clientIdentity, bundle, ratchet.CipherChaCha20Poly1305)
	require.NoError(t, err)
	return caller
}

func TestCallerSendReceivesCorrelatedReply(t *testing.T) {
	srv, serverIdentity, spk, opks := serverFixture(t)
	caller := dialCaller(t, srv, serverIdentity, spk, opks)

	data, err := caller.Send(context.Background(), "Digest", []byte(`{"algorithm":{"name":"SHA-256"}}`))
	require.NoError(t, err)
	assert.Equal(t, []byte("digest-bytes"), data)
}

func TestCallerConcurrentSendsResolveIndependently(t *testing.T) {
	srv, serverIdentity, spk, opks := serverFixture(t)
	caller := dialCaller(t, srv, serverIdentity, spk, opks)

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := caller.Send(context.Background(), "Digest", nil)
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
}

func TestCallerSendAfterCloseFails(t *testing.T) {
	srv, serverIdentity, spk, opks := serverFixture(t)
	caller := dialCaller(t, srv, serverIdentity, spk, opks)

	// Consume the first exchange so the session is fully warmed up, then
	// close the underlying connection and confirm a call made afterwards
	// comes back with an error rather than hanging forever.
	_, err := caller.Send(context.Background(), "Digest", nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// The fixture server replies to every frame, so this call would
		// normally succeed; after Close it fails instead, either with
		// ErrChannelClosed (recvLoop already saw the closed connection)
		// or with the transport's send error.
		require.NoError(t, caller.Close())
		_, err := caller.Send(ctx, "Digest", nil)
		done <- err
	}()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Send after Close never returned")
	}
}
