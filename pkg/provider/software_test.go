package provider

import (
	"bytes"
	"errors"
	"testing"

	"github.com/webcrypto-local/gateway/pkg/registry"
)

func TestSoftwareGenerateSignVerify_RSA(t *testing.T) {
	sw := NewSoftware("software")
	alg := Algorithm{Name: "RSASSA-PKCS1-v1_5", Hash: "SHA-256", ModulusLength: 2048}

	pair, err := sw.GenerateKey(alg, true, []string{"sign", "verify"})
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if !pair.IsPair() {
		t.Fatal("expected a key pair")
	}

	data := []byte("hello")
	sig, err := sw.Sign(alg, pair.PrivateKey, data)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	ok, err := sw.Verify(alg, pair.PublicKey, data, sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatal("expected signature to verify")
	}

	tampered := append([]byte(nil), sig...)
	tampered[0] ^= 0xFF
	ok, err = sw.Verify(alg, pair.PublicKey, data, tampered)
	if err != nil {
		t.Fatalf("Verify(tampered): %v", err)
	}
	if ok {
		t.Fatal("expected tampered signature to fail verification")
	}
}

func TestSoftwareWrapUnwrap_AESGCM(t *testing.T) {
	sw := NewSoftware("software")
	iv := make([]byte, 12)

	kek, err := sw.GenerateKey(Algorithm{Name: "AES-GCM", Length: 256}, true, []string{"wrapKey", "unwrapKey"})
	if err != nil {
		t.Fatalf("GenerateKey(kek): %v", err)
	}

	hmacKey, err := sw.GenerateKey(Algorithm{Name: "HMAC", Hash: "SHA-256"}, true, []string{"sign", "verify"})
	if err != nil {
		t.Fatalf("GenerateKey(hmac): %v", err)
	}

	wrapAlg := Algorithm{Name: "AES-GCM", IV: iv}
	wrapped, err := sw.WrapKey("raw", hmacKey.SecretKey, kek.SecretKey, wrapAlg)
	if err != nil {
		t.Fatalf("WrapKey: %v", err)
	}

	unwrapped, err := sw.UnwrapKey("raw", wrapped, kek.SecretKey, wrapAlg, Algorithm{Name: "HMAC", Hash: "SHA-256"}, true, []string{"sign"})
	if err != nil {
		t.Fatalf("UnwrapKey: %v", err)
	}
	if unwrapped.Kind != registry.KindSecret {
		t.Fatalf("expected unwrapped key to be secret, got %s", unwrapped.Kind)
	}

	signAlg := Algorithm{Name: "HMAC", Hash: "SHA-256"}
	sigA, err := sw.Sign(signAlg, hmacKey.SecretKey, []byte("x"))
	if err != nil {
		t.Fatalf("Sign(original): %v", err)
	}
	sigB, err := sw.Sign(signAlg, unwrapped, []byte("x"))
	if err != nil {
		t.Fatalf("Sign(unwrapped): %v", err)
	}
	if !bytes.Equal(sigA, sigB) {
		t.Fatal("expected signatures from original and unwrapped key to match")
	}
}

func TestSoftwareJWKRoundTrip_RSA(t *testing.T) {
	sw := NewSoftware("software")
	alg := Algorithm{Name: "RSASSA-PKCS1-v1_5", Hash: "SHA-256", ModulusLength: 2048}

	pair, err := sw.GenerateKey(alg, true, []string{"sign", "verify"})
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	exported, err := sw.ExportKey("jwk", pair.PublicKey)
	if err != nil {
		t.Fatalf("ExportKey: %v", err)
	}

	imported, err := sw.ImportKey("jwk", exported, alg, true, []string{"verify"})
	if err != nil {
		t.Fatalf("ImportKey: %v", err)
	}

	sig, err := sw.Sign(alg, pair.PrivateKey, []byte("roundtrip"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ok, err := sw.Verify(alg, imported, []byte("roundtrip"), sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatal("expected signature to verify under reimported JWK public key")
	}
}

func TestSoftwareDeriveBits_ECDH(t *testing.T) {
	sw := NewSoftware("software")
	alg := Algorithm{Name: "ECDH", NamedCurve: "P-256"}

	a, err := sw.GenerateKey(alg, true, []string{"deriveBits"})
	if err != nil {
		t.Fatalf("GenerateKey(a): %v", err)
	}
	b, err := sw.GenerateKey(alg, true, []string{"deriveBits"})
	if err != nil {
		t.Fatalf("GenerateKey(b): %v", err)
	}

	secretA, err := sw.DeriveBits(Algorithm{Name: "ECDH", Public: b.PublicKey}, a.PrivateKey, 256)
	if err != nil {
		t.Fatalf("DeriveBits(a): %v", err)
	}
	secretB, err := sw.DeriveBits(Algorithm{Name: "ECDH", Public: a.PublicKey}, b.PrivateKey, 256)
	if err != nil {
		t.Fatalf("DeriveBits(b): %v", err)
	}
	if !bytes.Equal(secretA, secretB) {
		t.Fatal("expected both sides to derive the same shared secret")
	}
}

func TestOperationsRejectMissingKeyUsage(t *testing.T) {
	sw := NewSoftware("software")
	alg := Algorithm{Name: "HMAC", Hash: "SHA-256"}

	verifyOnly, err := sw.GenerateKey(alg, true, []string{"verify"})
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	if _, err := sw.Sign(alg, verifyOnly.SecretKey, []byte("x")); !errors.Is(err, ErrBadKeyUsage) {
		t.Fatalf("Sign with verify-only key: expected ErrBadKeyUsage, got %v", err)
	}

	sig, err := hmacSum(alg, verifyOnly.SecretKey, []byte("x"))
	if err != nil {
		t.Fatalf("hmacSum: %v", err)
	}
	ok, err := sw.Verify(alg, verifyOnly.SecretKey, []byte("x"), sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatal("expected verify-only key to verify")
	}

	aesKey, err := sw.GenerateKey(Algorithm{Name: "AES-GCM", Length: 256}, true, []string{"encrypt", "decrypt"})
	if err != nil {
		t.Fatalf("GenerateKey(aes): %v", err)
	}
	wrapAlg := Algorithm{Name: "AES-GCM", IV: make([]byte, 12)}
	if _, err := sw.WrapKey("raw", verifyOnly.SecretKey, aesKey.SecretKey, wrapAlg); !errors.Is(err, ErrBadKeyUsage) {
		t.Fatalf("WrapKey without wrapKey usage: expected ErrBadKeyUsage, got %v", err)
	}
}

func TestDigestUnknownAlgorithm(t *testing.T) {
	sw := NewSoftware("software")
	if _, err := sw.Digest(Algorithm{Name: "SHA-1"}, []byte("x")); err == nil {
		t.Fatal("expected unsupported algorithm error")
	}
}
