package provider

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"errors"
	"fmt"
	"hash"

	"github.com/webcrypto-local/gateway/pkg/registry"
)

// Errors surfaced verbatim through the ResultEnvelope's error string.
var (
	ErrUnsupportedAlgorithm = errors.New("provider: unsupported algorithm")
	ErrBadKeyUsage          = errors.New("provider: key usage not permitted")
	ErrBadSignature         = errors.New("provider: invalid signature")
)

const defaultRSAModulusLength = 2048

// Software is the built-in, non-hardware provider: every primitive runs
// in-process against Go's standard crypto packages. It satisfies the
// same Provider surface a PKCS#11-backed implementation would, so the
// dispatcher never special-cases it.
type Software struct {
	id string
}

// NewSoftware constructs the software provider under the given
// provider id (the id the wire's providerId field carries).
func NewSoftware(id string) *Software {
	return &Software{id: id}
}

func (s *Software) ID() string { return s.id }

// requireUsage rejects an operation the key's usage list does not
// permit. Any one of the listed usages satisfies the check.
func requireUsage(key *Key, usages ...string) error {
	for _, want := range usages {
		for _, have := range key.Usages {
			if have == want {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: key does not allow %s", ErrBadKeyUsage, usages[0])
}

func hasher(name string) (func() hash.Hash, error) {
	switch name {
	case "", "SHA-256":
		return sha256.New, nil
	case "SHA-384":
		return sha512.New384, nil
	case "SHA-512":
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("%w: hash %q", ErrUnsupportedAlgorithm, name)
	}
}

// Digest implements the Subtle family's Digest action.
func (s *Software) Digest(alg Algorithm, data []byte) ([]byte, error) {
	newHash, err := hasher(alg.Name)
	if err != nil {
		return nil, err
	}
	h := newHash()
	h.Write(data)
	return h.Sum(nil), nil
}

// GenerateKey implements GenerateKey for every algorithm family this
// provider supports.
func (s *Software) GenerateKey(alg Algorithm, extractable bool, usages []string) (*KeyResult, error) {
	switch alg.Name {
	case "RSASSA-PKCS1-v1_5", "RSA-OAEP":
		bits := alg.ModulusLength
		if bits == 0 {
			bits = defaultRSAModulusLength
		}
		priv, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, fmt.Errorf("provider: generate rsa key: %w", err)
		}
		return &KeyResult{
			PublicKey:  &Key{Kind: registry.KindPublic, Algorithm: alg.Name, Extractable: true, Usages: usages, Public: &priv.PublicKey},
			PrivateKey: &Key{Kind: registry.KindPrivate, Algorithm: alg.Name, Extractable: extractable, Usages: usages, Private: priv},
		}, nil

	case "ECDSA", "ECDH":
		curve, err := curveByName(alg.NamedCurve)
		if err != nil {
			return nil, err
		}
		priv, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("provider: generate ec key: %w", err)
		}
		return &KeyResult{
			PublicKey:  &Key{Kind: registry.KindPublic, Algorithm: alg.Name, Extractable: true, Usages: usages, Public: &priv.PublicKey},
			PrivateKey: &Key{Kind: registry.KindPrivate, Algorithm: alg.Name, Extractable: extractable, Usages: usages, Private: priv},
		}, nil

	case "AES-GCM", "AES-KW", "AES-CTR", "AES-CBC":
		length := alg.Length
		if length == 0 {
			length = 256
		}
		secret := make([]byte, length/8)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("provider: generate aes key: %w", err)
		}
		return &KeyResult{SecretKey: &Key{Kind: registry.KindSecret, Algorithm: alg.Name, Extractable: extractable, Usages: usages, Secret: secret}}, nil

	case "HMAC":
		newHash, err := hasher(alg.Hash)
		if err != nil {
			return nil, err
		}
		secret := make([]byte, newHash().Size())
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("provider: generate hmac key: %w", err)
		}
		return &KeyResult{SecretKey: &Key{Kind: registry.KindSecret, Algorithm: alg.Name, Extractable: extractable, Usages: usages, Secret: secret}}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg.Name)
	}
}

// Sign implements Sign for RSASSA-PKCS1-v1_5, ECDSA, and HMAC.
func (s *Software) Sign(alg Algorithm, key *Key, data []byte) ([]byte, error) {
	if err := requireUsage(key, "sign"); err != nil {
		return nil, err
	}
	switch alg.Name {
	case "RSASSA-PKCS1-v1_5":
		priv, ok := key.Private.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: key is not an RSA private key", ErrUnsupportedAlgorithm)
		}
		newHash, err := hasher(alg.Hash)
		if err != nil {
			return nil, err
		}
		h := newHash()
		h.Write(data)
		return rsa.SignPKCS1v15(rand.Reader, priv, hashAlgoFor(alg.Hash), h.Sum(nil))

	case "ECDSA":
		priv, ok := key.Private.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: key is not an EC private key", ErrUnsupportedAlgorithm)
		}
		newHash, err := hasher(alg.Hash)
		if err != nil {
			return nil, err
		}
		h := newHash()
		h.Write(data)
		return ecdsa.SignASN1(rand.Reader, priv, h.Sum(nil))

	case "HMAC":
		return hmacSum(alg, key, data)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg.Name)
	}
}

func hmacSum(alg Algorithm, key *Key, data []byte) ([]byte, error) {
	newHash, err := hasher(alg.Hash)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(newHash, key.Secret)
	mac.Write(data)
	return mac.Sum(nil), nil
}

// Verify implements Verify, returning a plain bool — the dispatcher is
// responsible for the boolean-as-1-byte wire rendering.
func (s *Software) Verify(alg Algorithm, key *Key, data, sig []byte) (bool, error) {
	if err := requireUsage(key, "verify"); err != nil {
		return false, err
	}
	switch alg.Name {
	case "RSASSA-PKCS1-v1_5":
		pub, ok := key.Public.(*rsa.PublicKey)
		if !ok {
			return false, fmt.Errorf("%w: key is not an RSA public key", ErrUnsupportedAlgorithm)
		}
		newHash, err := hasher(alg.Hash)
		if err != nil {
			return false, err
		}
		h := newHash()
		h.Write(data)
		err = rsa.VerifyPKCS1v15(pub, hashAlgoFor(alg.Hash), h.Sum(nil), sig)
		return err == nil, nil

	case "ECDSA":
		pub, ok := key.Public.(*ecdsa.PublicKey)
		if !ok {
			return false, fmt.Errorf("%w: key is not an EC public key", ErrUnsupportedAlgorithm)
		}
		newHash, err := hasher(alg.Hash)
		if err != nil {
			return false, err
		}
		h := newHash()
		h.Write(data)
		return ecdsa.VerifyASN1(pub, h.Sum(nil), sig), nil

	case "HMAC":
		expected, err := hmacSum(alg, key, data)
		if err != nil {
			return false, err
		}
		return hmac.Equal(expected, sig), nil

	default:
		return false, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg.Name)
	}
}

// Encrypt implements Encrypt for RSA-OAEP and AES-GCM.
func (s *Software) Encrypt(alg Algorithm, key *Key, data []byte) ([]byte, error) {
	if err := requireUsage(key, "encrypt"); err != nil {
		return nil, err
	}
	switch alg.Name {
	case "RSA-OAEP":
		pub, ok := key.Public.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: key is not an RSA public key", ErrUnsupportedAlgorithm)
		}
		newHash, err := hasher(alg.Hash)
		if err != nil {
			return nil, err
		}
		return rsa.EncryptOAEP(newHash(), rand.Reader, pub, data, nil)

	case "AES-GCM":
		return aesGCMSeal(key.Secret, alg.IV, data)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg.Name)
	}
}

// Decrypt implements Decrypt for RSA-OAEP and AES-GCM.
func (s *Software) Decrypt(alg Algorithm, key *Key, data []byte) ([]byte, error) {
	if err := requireUsage(key, "decrypt"); err != nil {
		return nil, err
	}
	switch alg.Name {
	case "RSA-OAEP":
		priv, ok := key.Private.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: key is not an RSA private key", ErrUnsupportedAlgorithm)
		}
		newHash, err := hasher(alg.Hash)
		if err != nil {
			return nil, err
		}
		return rsa.DecryptOAEP(newHash(), rand.Reader, priv, data, nil)

	case "AES-GCM":
		return aesGCMOpen(key.Secret, alg.IV, data)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg.Name)
	}
}

// DeriveBits implements ECDH derivation. alg.Public must already be the
// resolved peer public key; the dispatcher resolves the wire handle
// before calling in.
func (s *Software) DeriveBits(alg Algorithm, key *Key, length int) ([]byte, error) {
	// deriveKey is built on deriveBits upstream, so either usage
	// authorizes the derivation here.
	if err := requireUsage(key, "deriveBits", "deriveKey"); err != nil {
		return nil, err
	}
	if alg.Name != "ECDH" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg.Name)
	}
	if alg.Public == nil {
		return nil, errors.New("provider: derivebits: alg.public not resolved")
	}
	priv, ok := key.Private.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: key is not an EC private key", ErrUnsupportedAlgorithm)
	}
	pub, ok := alg.Public.Public.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: alg.public is not an EC public key", ErrUnsupportedAlgorithm)
	}

	ecdhPriv, err := priv.ECDH()
	if err != nil {
		return nil, fmt.Errorf("provider: derivebits: %w", err)
	}
	ecdhPub, err := pub.ECDH()
	if err != nil {
		return nil, fmt.Errorf("provider: derivebits: %w", err)
	}
	secret, err := ecdhPriv.ECDH(ecdhPub)
	if err != nil {
		return nil, fmt.Errorf("provider: derivebits: %w", err)
	}
	if length > 0 && length/8 < len(secret) {
		secret = secret[:length/8]
	}
	return secret, nil
}

// ImportKey implements ImportKey for raw, spki, pkcs8, and jwk formats.
func (s *Software) ImportKey(format string, keyData []byte, alg Algorithm, extractable bool, usages []string) (*Key, error) {
	switch format {
	case "raw":
		return &Key{Kind: registry.KindSecret, Algorithm: alg.Name, Extractable: extractable, Usages: usages, Secret: keyData}, nil

	case "spki":
		pub, err := x509.ParsePKIXPublicKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("provider: parse spki: %w", err)
		}
		return &Key{Kind: registry.KindPublic, Algorithm: alg.Name, Extractable: extractable, Usages: usages, Public: pub}, nil

	case "pkcs8":
		priv, err := x509.ParsePKCS8PrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("provider: parse pkcs8: %w", err)
		}
		return &Key{Kind: registry.KindPrivate, Algorithm: alg.Name, Extractable: extractable, Usages: usages, Private: priv}, nil

	case "jwk":
		return importJWK(keyData, alg, extractable, usages)

	default:
		return nil, fmt.Errorf("provider: unsupported import format %q", format)
	}
}

// ExportKey implements ExportKey. JWK export is UTF-8 JSON.
func (s *Software) ExportKey(format string, key *Key) ([]byte, error) {
	if !key.Extractable {
		return nil, errors.New("provider: key is not extractable")
	}
	switch format {
	case "raw":
		if key.Kind != registry.KindSecret {
			return nil, fmt.Errorf("provider: raw export requires a secret key, got %s", key.Kind)
		}
		return key.Secret, nil

	case "spki":
		if key.Kind != registry.KindPublic {
			return nil, fmt.Errorf("provider: spki export requires a public key, got %s", key.Kind)
		}
		return x509.MarshalPKIXPublicKey(key.Public)

	case "pkcs8":
		if key.Kind != registry.KindPrivate {
			return nil, fmt.Errorf("provider: pkcs8 export requires a private key, got %s", key.Kind)
		}
		return x509.MarshalPKCS8PrivateKey(key.Private)

	case "jwk":
		return exportJWK(key)

	default:
		return nil, fmt.Errorf("provider: unsupported export format %q", format)
	}
}

// WrapKey implements WrapKey: export the target key in the given
// format, then AES-GCM-seal the exported bytes under the wrapping key.
func (s *Software) WrapKey(format string, key *Key, wrappingKey *Key, wrapAlg Algorithm) ([]byte, error) {
	if err := requireUsage(wrappingKey, "wrapKey"); err != nil {
		return nil, err
	}
	exported, err := s.ExportKey(format, key)
	if err != nil {
		return nil, err
	}
	if wrapAlg.Name != "AES-GCM" {
		return nil, fmt.Errorf("%w: wrap alg %q", ErrUnsupportedAlgorithm, wrapAlg.Name)
	}
	return aesGCMSeal(wrappingKey.Secret, wrapAlg.IV, exported)
}

// UnwrapKey implements UnwrapKey: AES-GCM-open the wrapped bytes under
// the wrapping key, then ImportKey the plaintext in the given format.
func (s *Software) UnwrapKey(format string, wrapped []byte, unwrappingKey *Key, unwrapAlg, unwrappedAlg Algorithm, extractable bool, usages []string) (*Key, error) {
	if err := requireUsage(unwrappingKey, "unwrapKey"); err != nil {
		return nil, err
	}
	if unwrapAlg.Name != "AES-GCM" {
		return nil, fmt.Errorf("%w: unwrap alg %q", ErrUnsupportedAlgorithm, unwrapAlg.Name)
	}
	plaintext, err := aesGCMOpen(unwrappingKey.Secret, unwrapAlg.IV, wrapped)
	if err != nil {
		return nil, err
	}
	return s.ImportKey(format, plaintext, unwrappedAlg, extractable, usages)
}

// JWKToSPKI satisfies registry.CanonicalExporter: it reimports a JWK
// export from any provider and re-exports it as canonical DER SPKI so
// thumbprints agree across providers. The software provider is always
// the canonicalization target.
func (s *Software) JWKToSPKI(jwkBytes []byte) ([]byte, error) {
	return jwkToSPKI(jwkBytes)
}

func aesGCMSeal(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("provider: aes-gcm: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("provider: aes-gcm: %w", err)
	}
	if len(iv) != gcm.NonceSize() {
		return nil, fmt.Errorf("provider: aes-gcm: iv must be %d bytes", gcm.NonceSize())
	}
	return gcm.Seal(nil, iv, plaintext, nil), nil
}

func aesGCMOpen(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("provider: aes-gcm: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("provider: aes-gcm: %w", err)
	}
	if len(iv) != gcm.NonceSize() {
		return nil, fmt.Errorf("provider: aes-gcm: iv must be %d bytes", gcm.NonceSize())
	}
	return gcm.Open(nil, iv, ciphertext, nil)
}

func hashAlgoFor(name string) crypto.Hash {
	switch name {
	case "SHA-384":
		return crypto.SHA384
	case "SHA-512":
		return crypto.SHA512
	default:
		return crypto.SHA256
	}
}
