package provider

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/webcrypto-local/gateway/pkg/registry"
)

// jwk is the subset of RFC 7518 fields the gateway round-trips. Only
// the key types this provider generates (RSA, EC on P-256/P-384/P-521, oct) are
// represented; an unknown kty fails the import rather than silently
// dropping fields, matching the codec's "unknown must fail" posture.
type jwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
	D   string `json:"d,omitempty"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
	P   string `json:"p,omitempty"`
	Q   string `json:"q,omitempty"`
	K   string `json:"k,omitempty"`
}

var ErrUnsupportedJWK = errors.New("provider: unsupported jwk")

func b64url(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func b64urlDecode(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }

// exportJWK encodes a Key as a UTF-8 JSON JWK.
func exportJWK(k *Key) ([]byte, error) {
	switch k.Kind {
	case registry.KindSecret:
		return json.Marshal(jwk{Kty: "oct", K: b64url(k.Secret)})
	case registry.KindPublic:
		switch pub := k.Public.(type) {
		case *rsa.PublicKey:
			return json.Marshal(jwk{
				Kty: "RSA",
				N:   b64url(pub.N.Bytes()),
				E:   b64url(big.NewInt(int64(pub.E)).Bytes()),
			})
		case *ecdsa.PublicKey:
			size := (pub.Curve.Params().BitSize + 7) / 8
			return json.Marshal(jwk{
				Kty: "EC",
				Crv: curveName(pub.Curve),
				X:   b64url(pub.X.FillBytes(make([]byte, size))),
				Y:   b64url(pub.Y.FillBytes(make([]byte, size))),
			})
		}
	case registry.KindPrivate:
		switch priv := k.Private.(type) {
		case *rsa.PrivateKey:
			return json.Marshal(jwk{
				Kty: "RSA",
				N:   b64url(priv.N.Bytes()),
				E:   b64url(big.NewInt(int64(priv.E)).Bytes()),
				D:   b64url(priv.D.Bytes()),
				P:   b64url(priv.Primes[0].Bytes()),
				Q:   b64url(priv.Primes[1].Bytes()),
			})
		case *ecdsa.PrivateKey:
			size := (priv.Curve.Params().BitSize + 7) / 8
			return json.Marshal(jwk{
				Kty: "EC",
				Crv: curveName(priv.Curve),
				X:   b64url(priv.X.FillBytes(make([]byte, size))),
				Y:   b64url(priv.Y.FillBytes(make([]byte, size))),
				D:   b64url(priv.D.FillBytes(make([]byte, size))),
			})
		}
	}
	return nil, fmt.Errorf("%w: kind %s alg %s", ErrUnsupportedJWK, k.Kind, k.Algorithm)
}

// importJWK decodes a UTF-8 JSON JWK back into a Key. alg supplies the
// algorithm name the caller expects, since a bare JWK does not always
// carry one (oct keys for HMAC vs AES are indistinguishable from the
// JWK alone).
func importJWK(data []byte, alg Algorithm, extractable bool, usages []string) (*Key, error) {
	var j jwk
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("provider: decode jwk: %w", err)
	}

	switch j.Kty {
	case "oct":
		secret, err := b64urlDecode(j.K)
		if err != nil {
			return nil, fmt.Errorf("provider: decode jwk k: %w", err)
		}
		return &Key{Kind: registry.KindSecret, Algorithm: alg.Name, Extractable: extractable, Usages: usages, Secret: secret}, nil

	case "RSA":
		n, err := b64urlDecode(j.N)
		if err != nil {
			return nil, fmt.Errorf("provider: decode jwk n: %w", err)
		}
		eBytes, err := b64urlDecode(j.E)
		if err != nil {
			return nil, fmt.Errorf("provider: decode jwk e: %w", err)
		}
		e := new(big.Int).SetBytes(eBytes).Int64()
		if j.D == "" {
			pub := &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(e)}
			return &Key{Kind: registry.KindPublic, Algorithm: alg.Name, Extractable: extractable, Usages: usages, Public: pub}, nil
		}
		d, err := b64urlDecode(j.D)
		if err != nil {
			return nil, fmt.Errorf("provider: decode jwk d: %w", err)
		}
		if j.P == "" || j.Q == "" {
			return nil, fmt.Errorf("%w: RSA private jwk missing p/q", ErrUnsupportedJWK)
		}
		p, err := b64urlDecode(j.P)
		if err != nil {
			return nil, fmt.Errorf("provider: decode jwk p: %w", err)
		}
		q, err := b64urlDecode(j.Q)
		if err != nil {
			return nil, fmt.Errorf("provider: decode jwk q: %w", err)
		}
		priv := &rsa.PrivateKey{
			PublicKey: rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(e)},
			D:         new(big.Int).SetBytes(d),
			Primes:    []*big.Int{new(big.Int).SetBytes(p), new(big.Int).SetBytes(q)},
		}
		if err := priv.Validate(); err != nil {
			return nil, fmt.Errorf("provider: invalid rsa jwk: %w", err)
		}
		priv.Precompute()
		return &Key{Kind: registry.KindPrivate, Algorithm: alg.Name, Extractable: extractable, Usages: usages, Private: priv}, nil

	case "EC":
		curve, err := curveByName(j.Crv)
		if err != nil {
			return nil, err
		}
		x, err := b64urlDecode(j.X)
		if err != nil {
			return nil, fmt.Errorf("provider: decode jwk x: %w", err)
		}
		y, err := b64urlDecode(j.Y)
		if err != nil {
			return nil, fmt.Errorf("provider: decode jwk y: %w", err)
		}
		if j.D == "" {
			pub := &ecdsa.PublicKey{Curve: curve, X: new(big.Int).SetBytes(x), Y: new(big.Int).SetBytes(y)}
			return &Key{Kind: registry.KindPublic, Algorithm: alg.Name, Extractable: extractable, Usages: usages, Public: pub}, nil
		}
		d, err := b64urlDecode(j.D)
		if err != nil {
			return nil, fmt.Errorf("provider: decode jwk d: %w", err)
		}
		priv := &ecdsa.PrivateKey{
			PublicKey: ecdsa.PublicKey{Curve: curve, X: new(big.Int).SetBytes(x), Y: new(big.Int).SetBytes(y)},
			D:         new(big.Int).SetBytes(d),
		}
		return &Key{Kind: registry.KindPrivate, Algorithm: alg.Name, Extractable: extractable, Usages: usages, Private: priv}, nil
	}

	return nil, fmt.Errorf("%w: kty %q", ErrUnsupportedJWK, j.Kty)
}

func curveName(c elliptic.Curve) string {
	switch c {
	case elliptic.P256():
		return "P-256"
	case elliptic.P384():
		return "P-384"
	case elliptic.P521():
		return "P-521"
	default:
		return ""
	}
}

func curveByName(name string) (elliptic.Curve, error) {
	switch name {
	case "P-256", "":
		return elliptic.P256(), nil
	case "P-384":
		return elliptic.P384(), nil
	case "P-521":
		return elliptic.P521(), nil
	default:
		return nil, fmt.Errorf("%w: namedCurve %q", ErrUnsupportedJWK, name)
	}
}

// jwkToSPKI reimports a JWK public key and re-exports it as DER SPKI,
// the canonicalization step the thumbprint pipeline needs so two
// providers exporting the "same" key agree on its identity.
func jwkToSPKI(data []byte) ([]byte, error) {
	k, err := importJWK(data, Algorithm{}, true, nil)
	if err != nil {
		return nil, err
	}
	if k.Kind != registry.KindPublic {
		return nil, fmt.Errorf("%w: jwk is not a public key", ErrUnsupportedJWK)
	}
	return x509.MarshalPKIXPublicKey(k.Public)
}
