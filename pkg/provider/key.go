// Package provider implements the WebCrypto-subtle surface the
// dispatcher delegates asymmetric and symmetric operations to. It
// ships a software provider and the interface a PKCS#11-token-backed
// one would satisfy.
package provider

import (
	"crypto"

	"github.com/webcrypto-local/gateway/pkg/registry"
)

// Algorithm is the gateway's rendering of a WebCrypto AlgorithmIdentifier:
// a name plus whichever of the optional fields that algorithm uses. The
// dispatcher decodes this straight off the action payload; unused fields
// are simply left zero.
type Algorithm struct {
	Name          string `json:"name"`
	Hash          string `json:"hash,omitempty"`
	NamedCurve    string `json:"namedCurve,omitempty"`
	ModulusLength int    `json:"modulusLength,omitempty"`
	Length        int    `json:"length,omitempty"`
	IV            []byte `json:"iv,omitempty"`

	// Public carries the *already resolved* peer public key for
	// DeriveBits(ECDH, ...). On the wire alg.public is a serialized
	// handle; the dispatcher looks it up in the registry before calling
	// into the provider, so by the time Algorithm reaches here Public
	// is the live key, not a handle.
	Public *Key `json:"-"`
}

// Key is a live key object resident in the gateway process. Exactly one
// of Public/Private/Secret is populated, matching Kind.
type Key struct {
	Kind        registry.Kind
	Algorithm   string
	Extractable bool
	Usages      []string

	Public  crypto.PublicKey
	Private crypto.PrivateKey
	Secret  []byte
}

// KeyResult is what GenerateKey hands back to the dispatcher (ImportKey
// and UnwrapKey return a single *Key), which is then responsible for registry insertion
// and handle assignment (thumbprinting is a registry concern, not a
// provider one).
type KeyResult struct {
	PublicKey  *Key
	PrivateKey *Key
	SecretKey  *Key
}

// IsPair reports whether this result is an asymmetric key pair, as
// opposed to a single secret key.
func (r *KeyResult) IsPair() bool {
	return r.PublicKey != nil && r.PrivateKey != nil
}
