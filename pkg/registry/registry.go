// Package registry implements the in-process table of live crypto
// handles a session holds: the opaque {id, providerId, type} triple
// the wire protocol passes around, and the real key/certificate object
// behind it that must stay resident for the life of the session.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Kind is the CryptoHandle's "type" discriminant.
type Kind string

const (
	KindPublic  Kind = "public"
	KindPrivate Kind = "private"
	KindSecret  Kind = "secret"
	KindX509    Kind = "x509"
	KindRequest Kind = "request"
)

// Handle is the opaque reference that crosses the wire. It never
// carries key material.
type Handle struct {
	ID         string `json:"id"`
	ProviderID string `json:"providerId"`
	Type       Kind   `json:"type"`
}

// Entry is the server-side table row behind a Handle.
type Entry struct {
	Handle     Handle
	LiveObject any
	ProviderID string
	CreatedAt  time.Time
}

// ErrNotFound is returned by Lookup when no entry matches the query
// triple.
var ErrNotFound = errors.New("registry: handle not found")

// Registry is a per-session, append-only table of live crypto objects.
// Entries are never removed individually; the whole registry is
// dropped when the owning session closes.
type Registry struct {
	mu      sync.Mutex
	entries []Entry
}

// New creates an empty registry for one session.
func New() *Registry {
	return &Registry{}
}

// Insert appends a new entry and returns its handle. Insertion is
// append-only so Lookup's first-match-wins semantics over insertion
// order are well defined even when two imports of the same key
// produce duplicate triples.
func (r *Registry) Insert(id, providerID string, kind Kind, obj any) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := Handle{ID: id, ProviderID: providerID, Type: kind}
	r.entries = append(r.entries, Entry{
		Handle:     h,
		LiveObject: obj,
		ProviderID: providerID,
		CreatedAt:  time.Now(),
	})
	return h
}

// Lookup returns the first-inserted entry whose handle triple equals
// the query, or ErrNotFound.
func (r *Registry) Lookup(h Handle) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.Handle == h {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: id %q", ErrNotFound, h.ID)
}

// Size reports how many entries the registry currently holds.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// CanonicalExporter produces a canonical SPKI encoding of a public key
// given its JWK representation, standing in for "reimport into a
// canonical provider, export as SPKI". The software provider
// (pkg/provider) implements this directly from Go's crypto/x509
// without round-tripping through an actual second provider, since
// there is only one software provider in this gateway.
type CanonicalExporter interface {
	JWKToSPKI(jwk []byte) ([]byte, error)
}

// Thumbprint computes the identity of a public key: JWK -> canonical
// SPKI -> SHA-256 -> hex. jwk is the JWK export of the key
// from its originating provider; canon resolves it to a canonical DER
// SPKI encoding before hashing, so two providers exporting the same
// mathematical key agree on its thumbprint.
func Thumbprint(jwk []byte, canon CanonicalExporter) (string, error) {
	spki, err := canon.JWKToSPKI(jwk)
	if err != nil {
		return "", fmt.Errorf("registry: thumbprint: %w", err)
	}
	sum := sha256.Sum256(spki)
	return hex.EncodeToString(sum[:]), nil
}

// RandomID is used for private/secret key handle ids: 32 random bytes,
// hex-encoded. Unlike a public-key thumbprint, it carries no derivable
// relationship to the key material.
func RandomID(randRead func([]byte) (int, error)) (string, error) {
	buf := make([]byte, 32)
	if _, err := randRead(buf); err != nil {
		return "", fmt.Errorf("registry: random id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// MarshalHandle and UnmarshalHandle give Handle a stable JSON form for
// the envelope payloads that embed it (e.g. GenerateKey's
// CryptoKeyPairProto, DeriveBits' alg.public).
func MarshalHandle(h Handle) ([]byte, error) {
	return json.Marshal(h)
}

func UnmarshalHandle(data []byte) (Handle, error) {
	var h Handle
	if err := json.Unmarshal(data, &h); err != nil {
		return Handle{}, fmt.Errorf("registry: decode handle: %w", err)
	}
	return h, nil
}
