// Command gwctl is a CLI caller that drives a running gatewayd over
// the secure channel: it fetches the plaintext pre-key bundle,
// completes the X3DH/ratchet handshake, logs in, and sends one action.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/webcrypto-local/gateway/pkg/client"
	"github.com/webcrypto-local/gateway/pkg/ratchet"
	"github.com/webcrypto-local/gateway/pkg/store"
	"github.com/webcrypto-local/gateway/pkg/wire"
)

var (
	wsAddr        = flag.String("addr", "ws://127.0.0.1:8765/", "Gateway secure WebSocket URL")
	discoveryAddr = flag.String("discovery-addr", "http://127.0.0.1:8787", "Gateway discovery HTTP base URL")
	dbPath        = flag.String("db", "./data/gwctl.db", "Path to this client's identity/session database")
	providerID    = flag.String("provider", "software", "Provider id to Login against before sending -action")
	generateKey   = flag.Bool("genkey", false, "Force generation of a new local identity, discarding any saved one")
	actionName    = flag.String("action", "ProviderInfo", "Action name to send after handshake and login")
	payloadJSON   = flag.String("payload", "{}", "JSON payload for -action")
	timeout       = flag.Duration("timeout", 15*time.Second, "Deadline for the handshake and the action round-trip")
	skipLogin     = flag.Bool("skip-login", false, "Do not send Login before -action")
)

func main() {
	flag.Parse()

	st, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("❌ open client store: %v", err)
	}
	defer st.Close()

	identity, err := loadOrGenerateIdentity(st, *generateKey)
	if err != nil {
		log.Fatalf("❌ load/generate identity: %v", err)
	}

	hostname, _ := os.Hostname()
	senderID := fmt.Sprintf("gwctl-%s", hostname)

	bundle, err := fetchBundle(*discoveryAddr)
	if err != nil {
		log.Fatalf("❌ Cannot GET response: %v", err)
	}
	if err := pinRemoteIdentity(st, bundle); err != nil {
		log.Fatalf("❌ remote identity check failed: %v", err)
	}
	log.Printf("✅ pre-key bundle fetched from peer %q", bundle.PeerID)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	conn, err := wire.Dial(ctx, *wsAddr)
	if err != nil {
		log.Fatalf("❌ dial gateway: %v", err)
	}
	defer conn.Close()

	caller, err := client.Handshake(conn, senderID, identity, bundle, ratchet.CipherChaCha20Poly1305)
	if err != nil {
		log.Fatalf("❌ handshake: %v", err)
	}
	log.Println("✅ secure channel established")

	caller.OnEvent = func(action string, data []byte) {
		log.Printf("📡 event %q: %s", action, data)
	}

	if !*skipLogin {
		loginPayload, _ := json.Marshal(map[string]string{"providerId": *providerID})
		if _, err := caller.Send(ctx, "Login", loginPayload); err != nil {
			log.Fatalf("❌ Login: %v", err)
		}
		log.Printf("✅ logged in against provider %q", *providerID)
	}

	data, err := caller.Send(ctx, *actionName, []byte(*payloadJSON))
	if err != nil {
		log.Fatalf("❌ %s: %v", *actionName, err)
	}
	fmt.Printf("%s -> %s\n", *actionName, data)
}

func loadOrGenerateIdentity(st *store.Store, force bool) (*ratchet.IdentityKeyPair, error) {
	if !force {
		blob, err := st.LoadIdentity()
		if err == nil {
			return ratchet.UnmarshalIdentityKeyPair(blob)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	log.Println("⏳ generating new client identity...")
	identity, err := ratchet.GenerateIdentityKeyPair()
	if err != nil {
		return nil, err
	}
	blob, err := identity.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if err := st.SaveIdentity(blob); err != nil {
		return nil, err
	}
	log.Println("✅ client identity generated and persisted")
	return identity, nil
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	PreKey  string `json:"preKey"`
}

func fetchBundle(base string) (*ratchet.PreKeyBundle, error) {
	resp, err := http.Get(base + "/.well-known/webcrypto-local")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var info serverInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(info.PreKey)
	if err != nil {
		return nil, err
	}
	return ratchet.DecodePreKeyBundle(raw)
}

// remoteIdentityKey is the logical key for the unique local server.
const remoteIdentityKey = "0"

// pinRemoteIdentity pins the gateway's identity on first pairing and
// refuses a changed key afterwards. A silent mismatch would mean gwctl
// talked to a different gateway than the one it paired with.
func pinRemoteIdentity(st *store.Store, bundle *ratchet.PreKeyBundle) error {
	saved, err := st.LoadRemoteIdentity(remoteIdentityKey)
	if errors.Is(err, store.ErrNotFound) {
		log.Println("⏳ no pinned server identity yet, pinning this one")
		return st.SaveRemoteIdentity(remoteIdentityKey, bundle.IdentityKey[:])
	}
	if err != nil {
		return err
	}
	if !bytes.Equal(saved, bundle.IdentityKey[:]) {
		return fmt.Errorf("gateway identity key changed since last pairing (re-run with a fresh -db to reprovision)")
	}
	return nil
}
