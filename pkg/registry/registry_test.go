package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
)

func TestInsertLookupRoundTrip(t *testing.T) {
	r := New()

	obj := &struct{ name string }{"live-key"}
	h := r.Insert("abc123", "software", KindPrivate, obj)

	if h.ID != "abc123" || h.ProviderID != "software" || h.Type != KindPrivate {
		t.Fatalf("unexpected handle %+v", h)
	}

	entry, err := r.Lookup(h)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if entry.LiveObject != obj {
		t.Fatal("Lookup returned a different live object")
	}
}

func TestLookupFirstMatchWins(t *testing.T) {
	r := New()

	first := &struct{ n int }{1}
	second := &struct{ n int }{2}
	h := r.Insert("dup", "software", KindSecret, first)
	r.Insert("dup", "software", KindSecret, second)

	entry, err := r.Lookup(h)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if entry.LiveObject != first {
		t.Fatal("expected the first-inserted entry to win")
	}
}

func TestLookupMissReportsID(t *testing.T) {
	r := New()
	_, err := r.Lookup(Handle{ID: "nope", ProviderID: "software", Type: KindPublic})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLookupDistinguishesProviderAndKind(t *testing.T) {
	r := New()
	r.Insert("same-id", "software", KindPublic, "pub")
	r.Insert("same-id", "software", KindPrivate, "priv")

	pub, err := r.Lookup(Handle{ID: "same-id", ProviderID: "software", Type: KindPublic})
	if err != nil {
		t.Fatalf("Lookup(public): %v", err)
	}
	if pub.LiveObject != "pub" {
		t.Fatal("public lookup returned the wrong entry")
	}

	if _, err := r.Lookup(Handle{ID: "same-id", ProviderID: "token", Type: KindPublic}); err == nil {
		t.Fatal("expected a foreign providerId to miss")
	}
}

type stubCanon struct {
	spki []byte
	err  error
}

func (s stubCanon) JWKToSPKI([]byte) ([]byte, error) { return s.spki, s.err }

func TestThumbprintIsHexSHA256OfSPKI(t *testing.T) {
	spki := []byte{0x30, 0x82, 0x01, 0x0a}
	sum := sha256.Sum256(spki)

	got, err := Thumbprint([]byte(`{"kty":"RSA"}`), stubCanon{spki: spki})
	if err != nil {
		t.Fatalf("Thumbprint: %v", err)
	}
	if got != hex.EncodeToString(sum[:]) {
		t.Fatalf("Thumbprint = %q, want hex sha256 of spki", got)
	}
}

func TestThumbprintPropagatesCanonError(t *testing.T) {
	if _, err := Thumbprint(nil, stubCanon{err: errors.New("bad jwk")}); err == nil {
		t.Fatal("expected canonicalization error to propagate")
	}
}

func TestRandomIDIs32BytesHex(t *testing.T) {
	id, err := RandomID(func(b []byte) (int, error) {
		for i := range b {
			b[i] = byte(i)
		}
		return len(b), nil
	})
	if err != nil {
		t.Fatalf("RandomID: %v", err)
	}
	if len(id) != 64 {
		t.Fatalf("id length = %d, want 64 hex chars", len(id))
	}
	if _, err := hex.DecodeString(id); err != nil {
		t.Fatalf("id is not hex: %v", err)
	}
}
