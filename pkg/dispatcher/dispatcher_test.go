package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webcrypto-local/gateway/pkg/envelope"
	"github.com/webcrypto-local/gateway/pkg/provider"
	"github.com/webcrypto-local/gateway/pkg/ratchet"
	"github.com/webcrypto-local/gateway/pkg/store"
	"github.com/webcrypto-local/gateway/pkg/wire"
)

// testGateway spins up a dispatcher behind a real httptest WebSocket
// server, handshakes a client session against it, and returns a ready
// caller the individual test cases drive.
type testGateway struct {
	t    *testing.T
	d    *Dispatcher
	srv  *httptest.Server
	rs   *ratchet.Session
	conn *wire.Conn

	mu      sync.Mutex
	pending map[string]chan *envelope.ResultEnvelope
	events  chan *envelope.ResultEnvelope
}

func newTestGateway(t *testing.T, prompt PromptFunc) *testGateway {
	t.Helper()

	st, err := store.Open(t.TempDir() + "/gateway.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	providers := provider.NewRegistry()
	sw := provider.NewSoftware("software")
	providers.Enroll(sw, provider.Info{ID: "software", Name: "Software Provider"})

	gwIdentity, err := ratchet.GenerateIdentityKeyPair()
	require.NoError(t, err)

	d, err := New(st, providers, gwIdentity, 1, prompt)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wire.Upgrade(w, r)
		if err != nil {
			return
		}
		d.Serve(conn)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, err := wire.Dial(context.Background(), wsURL)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	clientIdentity, err := ratchet.GenerateIdentityKeyPair()
	require.NoError(t, err)

	bundle := d.PreKeyBundle("gateway")
	shared, ephPriv, ephPub, initial, err := ratchet.Initiate("client-1", clientIdentity, bundle)
	require.NoError(t, err)

	require.NoError(t, conn.Send(initial.Encode()))

	rs, err := ratchet.NewInitiatorSession(shared, ratchet.DHPublicKey(bundle.SignedPreKey.PublicKey), ephPriv, ephPub, "client-1", "gateway", ratchet.CipherChaCha20Poly1305)
	require.NoError(t, err)

	tg := &testGateway{
		t: t, d: d, srv: srv, rs: rs, conn: conn,
		pending: make(map[string]chan *envelope.ResultEnvelope),
		events:  make(chan *envelope.ResultEnvelope, 16),
	}
	go tg.recvLoop()
	return tg
}

func (tg *testGateway) recvLoop() {
	for {
		frame, err := tg.conn.Recv()
		if err != nil {
			return
		}
		plaintext, err := tg.rs.Decrypt(frame)
		if err != nil {
			return
		}
		result, err := envelope.DecodeResult(plaintext)
		if err != nil {
			continue
		}
		tg.mu.Lock()
		ch, ok := tg.pending[result.ActionID]
		tg.mu.Unlock()
		if ok {
			ch <- result
			continue
		}
		// No pending entry: an unsolicited server->client event.
		select {
		case tg.events <- result:
		default:
		}
	}
}

func (tg *testGateway) send(t *testing.T, actionID, action string, payload any) *envelope.ResultEnvelope {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)

	frame, err := envelope.EncodeAction(&envelope.ActionEnvelope{Action: action, ActionID: actionID, Payload: body})
	require.NoError(t, err)

	ch := make(chan *envelope.ResultEnvelope, 1)
	tg.mu.Lock()
	tg.pending[actionID] = ch
	tg.mu.Unlock()

	ciphertext, err := tg.rs.Encrypt(frame)
	require.NoError(t, err)
	require.NoError(t, tg.conn.Send(ciphertext))

	select {
	case result := <-ch:
		return result
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for result of action %q (id %s)", action, actionID)
		return nil
	}
}

func TestHandshakeReachesOpenUnauth(t *testing.T) {
	tg := newTestGateway(t, nil)

	result := tg.send(t, "1", "ProviderInfo", nil)
	assert.Empty(t, result.Err)

	var infos []provider.Info
	require.NoError(t, json.Unmarshal(result.Data, &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "software", infos[0].ID)
}

func TestLoginThenGenerateSignVerify(t *testing.T) {
	tg := newTestGateway(t, func(context.Context, string) error { return nil })

	loginResult := tg.send(t, "1", "Login", loginRequest{ProviderID: "software"})
	assert.Empty(t, loginResult.Err)

	loggedIn := tg.send(t, "2", "IsLoggedIn", nil)
	assert.Equal(t, []byte{1}, loggedIn.Data)

	genResult := tg.send(t, "3", "GenerateKey", generateKeyRequest{
		ProviderID:  "software",
		Algorithm:   provider.Algorithm{Name: "RSASSA-PKCS1-v1_5", Hash: "SHA-256", ModulusLength: 2048},
		Extractable: true,
		Usages:      []string{"sign", "verify"},
	})
	require.Empty(t, genResult.Err)

	var gen generateKeyResponse
	require.NoError(t, json.Unmarshal(genResult.Data, &gen))
	require.True(t, gen.Pair)
	assert.Equal(t, gen.PublicKey.Handle.ID, gen.PrivateKey.Handle.ID)

	data := []byte("hello")
	signResult := tg.send(t, "4", "Sign", signVerifyRequest{
		ProviderID: "software",
		Algorithm:  provider.Algorithm{Name: "RSASSA-PKCS1-v1_5", Hash: "SHA-256"},
		KeyHandle:  gen.PrivateKey.Handle,
		Data:       data,
	})
	require.Empty(t, signResult.Err)

	verifyResult := tg.send(t, "5", "Verify", signVerifyRequest{
		ProviderID: "software",
		Algorithm:  provider.Algorithm{Name: "RSASSA-PKCS1-v1_5", Hash: "SHA-256"},
		KeyHandle:  gen.PublicKey.Handle,
		Data:       data,
		Signature:  signResult.Data,
	})
	require.Empty(t, verifyResult.Err)
	assert.Equal(t, []byte{1}, verifyResult.Data)
}

func TestUnauthActionRejectedBeforeLogin(t *testing.T) {
	tg := newTestGateway(t, nil)

	result := tg.send(t, "1", "GenerateKey", generateKeyRequest{ProviderID: "software"})
	assert.Equal(t, ErrChannelNotOpen.Error(), result.Err)
}

func TestUnknownActionReportsError(t *testing.T) {
	tg := newTestGateway(t, nil)

	frame, err := envelope.EncodeAction(&envelope.ActionEnvelope{Action: "ProviderInfo", ActionID: "9"})
	require.NoError(t, err)
	// Corrupt the tag byte to something never registered, after encoding
	// a well-formed frame so actionId and the rest of the body parse.
	frame[7] = 0xAB
	frame[8] = 0xCD

	ch := make(chan *envelope.ResultEnvelope, 1)
	tg.mu.Lock()
	tg.pending["9"] = ch
	tg.mu.Unlock()

	ciphertext, err := tg.rs.Encrypt(frame)
	require.NoError(t, err)
	require.NoError(t, tg.conn.Send(ciphertext))

	select {
	case result := <-ch:
		assert.Equal(t, "Unknown action '0xabcd'", result.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for unknown action result")
	}
}

func TestLoginTimeoutLeavesSessionUsable(t *testing.T) {
	tg := newTestGateway(t, func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	})
	tg.d.loginTimeout = 50 * time.Millisecond

	loginResult := tg.send(t, "1", "Login", loginRequest{ProviderID: "software"})
	assert.Equal(t, ErrLoginTimeout.Error(), loginResult.Err)

	// The unauthenticated action surface must still work afterwards.
	infoResult := tg.send(t, "2", "ProviderInfo", nil)
	assert.Empty(t, infoResult.Err)

	loggedIn := tg.send(t, "3", "IsLoggedIn", nil)
	assert.Equal(t, []byte{0}, loggedIn.Data)
}

func TestTokenEventBroadcastOnlyToAuthorized(t *testing.T) {
	authorized := newTestGateway(t, nil)
	unauthorized := newTestGateway(t, nil)

	loginResult := authorized.send(t, "1", "Login", loginRequest{ProviderID: "software"})
	require.Empty(t, loginResult.Err)

	// Drain the authorized event Login pushes before raising the token.
	select {
	case evt := <-authorized.events:
		require.Equal(t, "token.authorized", evt.Action)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for authorized event")
	}

	authorized.d.providers.SimulateInsert(provider.TokenInfo{ID: "t1", Name: "TEST"})

	select {
	case evt := <-authorized.events:
		assert.Equal(t, "token.change", evt.Action)
		var tokenEvt provider.TokenEvent
		require.NoError(t, json.Unmarshal(evt.Data, &tokenEvt))
		require.Len(t, tokenEvt.Added, 1)
		assert.Equal(t, "t1", tokenEvt.Added[0].ID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for token event")
	}

	// The unauthorized session (a separate gateway, never logged in)
	// must see nothing on its own registry's hotplug.
	unauthorized.d.providers.SimulateInsert(provider.TokenInfo{ID: "t2", Name: "TEST2"})
	select {
	case evt := <-unauthorized.events:
		t.Fatalf("unauthorized session received event %q", evt.Action)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestConcurrentDigests(t *testing.T) {
	tg := newTestGateway(t, nil)

	loginResult := tg.send(t, "login", "Login", loginRequest{ProviderID: "software"})
	require.Empty(t, loginResult.Err)

	const n = 16
	var wg sync.WaitGroup
	results := make([]*envelope.ResultEnvelope, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			results[i] = tg.send(t, id, "Digest", digestRequest{
				ProviderID: "software",
				Algorithm:  provider.Algorithm{Name: "SHA-256"},
				Data:       []byte{byte(i)},
			})
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		require.NotNil(t, r, "digest %d never resolved", i)
		assert.Empty(t, r.Err)
		assert.Len(t, r.Data, 32)
	}
}
