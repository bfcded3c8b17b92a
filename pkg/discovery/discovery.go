// Package discovery serves the gateway's one plaintext HTTP endpoint:
// a GET that publishes the gateway's name, version, and a freshly
// minted pre-key bundle so a client can bootstrap an X3DH handshake
// without any prior contact. Built on gin, with CORS, request logging,
// and panic recovery ahead of the route.
package discovery

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/webcrypto-local/gateway/pkg/ratchet"
)

// WellKnownPath is the fixed discovery path clients probe.
const WellKnownPath = "/.well-known/webcrypto-local"

const (
	serverName    = "webcrypto-gateway"
	serverVersion = "1.0.0"
)

// BundleSource mints a fresh pre-key bundle for an inbound peer. The
// dispatcher implements this directly (see Dispatcher.PreKeyBundle);
// the one-time pre-key it advertises here is actually removed from the
// pool when the client's handshake arrives, so each bundle is consumed
// at most once without a stateful discovery step.
type BundleSource interface {
	PreKeyBundle(peerID string) *ratchet.PreKeyBundle
}

// ServerInfo is the JSON body of the discovery response.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	PreKey  string `json:"preKey"`
}

// Server wraps the gin engine and the underlying net/http.Server it
// controls. Start blocks until the context is cancelled, then shuts
// down gracefully.
type Server struct {
	bundles    BundleSource
	router     *gin.Engine
	httpServer *http.Server
	addr       string
}

// New builds a discovery server bound to addr (e.g. ":8787"), serving
// bundles minted by src.
func New(addr string, src BundleSource) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), corsMiddleware(), loggingMiddleware())

	s := &Server{bundles: src, router: router, addr: addr}
	router.GET(WellKnownPath, s.handleWellKnown)
	return s
}

func (s *Server) handleWellKnown(c *gin.Context) {
	bundle := s.bundles.PreKeyBundle(c.ClientIP())
	c.JSON(http.StatusOK, ServerInfo{
		Name:    serverName,
		Version: serverVersion,
		PreKey:  base64.StdEncoding.EncodeToString(bundle.Encode()),
	})
}

// Start runs the HTTP server until ctx is cancelled, then shuts it
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("discovery: listen: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fmt.Printf("%d | %s | %s %s | %v\n",
			c.Writer.Status(), c.ClientIP(), c.Request.Method, c.Request.URL.Path, time.Since(start))
	}
}
