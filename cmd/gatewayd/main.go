// Command gatewayd is the long-running WebCrypto gateway process: it
// serves the plaintext discovery endpoint, upgrades incoming
// connections to the secure ratchet channel, and dispatches actions
// against the software crypto provider.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/webcrypto-local/gateway/pkg/discovery"
	"github.com/webcrypto-local/gateway/pkg/dispatcher"
	"github.com/webcrypto-local/gateway/pkg/provider"
	"github.com/webcrypto-local/gateway/pkg/ratchet"
	"github.com/webcrypto-local/gateway/pkg/store"
	"github.com/webcrypto-local/gateway/pkg/wire"
)

const (
	defaultWSPort        = 8765
	defaultDiscoveryPort = 8787
	defaultDBPath        = "./data/gateway.db"
	heartbeatInterval    = 5 * time.Minute
)

var (
	wsPort        = flag.Int("port", defaultWSPort, "Port the secure WebSocket endpoint listens on")
	discoveryPort = flag.Int("discovery-port", defaultDiscoveryPort, "Port the plaintext discovery endpoint listens on")
	dbPath        = flag.String("db", defaultDBPath, "Path to the identity/session SQLite database")
	providerID    = flag.String("provider", "software", "Provider id the software crypto backend registers under")
	autoLogin     = flag.Bool("auto-login", true, "Approve Login immediately instead of waiting on an OS prompt")
)

func main() {
	flag.Parse()
	printBanner()

	st, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("❌ open store: %v", err)
	}
	defer st.Close()

	identity, registrationID, err := loadOrGenerateIdentity(st)
	if err != nil {
		log.Fatalf("❌ load/generate identity: %v", err)
	}
	log.Printf("✅ identity ready (registrationId=%d)", registrationID)

	providers := provider.NewRegistry()
	providers.Enroll(provider.NewSoftware(*providerID), provider.Info{
		ID:   *providerID,
		Name: "Software WebCrypto Provider",
	})
	log.Printf("✅ provider %q enrolled", *providerID)

	d, err := dispatcher.New(st, providers, identity, registrationID, promptFunc(*autoLogin))
	if err != nil {
		log.Fatalf("❌ build dispatcher: %v", err)
	}

	discoverySrv := discovery.New(fmt.Sprintf(":%d", *discoveryPort), d)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := discoverySrv.Start(ctx); err != nil {
			log.Printf("❌ discovery server: %v", err)
		}
	}()
	log.Printf("✅ discovery endpoint on :%d%s", *discoveryPort, discovery.WellKnownPath)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wire.Upgrade(w, r)
		if err != nil {
			log.Printf("⚠️  upgrade failed: %v", err)
			return
		}
		go d.Serve(conn)
	})
	wsServer := &http.Server{Addr: fmt.Sprintf(":%d", *wsPort), Handler: mux}
	go func() {
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ websocket server: %v", err)
		}
	}()
	log.Printf("✅ secure channel listening on :%d", *wsPort)

	go startHeartbeatLoop(d)

	waitForShutdown(ctx, cancel, wsServer)
}

func loadOrGenerateIdentity(st *store.Store) (*ratchet.IdentityKeyPair, uint32, error) {
	blob, err := st.LoadIdentity()
	if err == nil {
		identity, decodeErr := ratchet.UnmarshalIdentityKeyPair(blob)
		if decodeErr != nil {
			return nil, 0, decodeErr
		}
		return identity, registrationIDFromIdentity(identity), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, 0, err
	}

	log.Println("⏳ no identity on disk, generating a new one...")
	identity, err := ratchet.GenerateIdentityKeyPair()
	if err != nil {
		return nil, 0, err
	}
	blob, err = identity.MarshalBinary()
	if err != nil {
		return nil, 0, err
	}
	if err := st.SaveIdentity(blob); err != nil {
		return nil, 0, err
	}
	log.Println("✅ new identity generated and persisted")
	return identity, registrationIDFromIdentity(identity), nil
}

// registrationIDFromIdentity derives a stable, non-secret registration
// id from the identity's public signing key so restarts keep the same
// value without a separate stored counter.
func registrationIDFromIdentity(identity *ratchet.IdentityKeyPair) uint32 {
	b := identity.SignPublic
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// promptFunc returns the host PIN-prompt collaborator. gatewayd has no
// OS-notification UI, so -auto-login=true approves immediately; set to
// false to simulate a prompt that never answers, useful for exercising
// the CryptoLogin-timeout path.
func promptFunc(auto bool) dispatcher.PromptFunc {
	return func(ctx context.Context, provID string) error {
		if auto {
			log.Printf("🔓 auto-approving login for provider %q", provID)
			return nil
		}
		<-ctx.Done()
		return ctx.Err()
	}
}

func startHeartbeatLoop(d *dispatcher.Dispatcher) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		log.Println("💓 Heartbeat")
		log.Printf("   Connected sessions: %d", d.SessionCount())
		log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	}
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║          WebCrypto Gateway Daemon                  ║")
	fmt.Println("║   Local Double-Ratchet WebCrypto RPC service       ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()
}

func waitForShutdown(ctx context.Context, cancel context.CancelFunc, wsServer *http.Server) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println()
	log.Println("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️  websocket server shutdown: %v", err)
	}
	cancel()

	log.Println("✅ gateway stopped")
	log.Println("Goodbye! 👋")
	os.Exit(0)
}
