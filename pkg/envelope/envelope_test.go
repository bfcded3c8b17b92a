package envelope

import (
	"bytes"
	"errors"
	"testing"
)

func TestActionEnvelopeRoundTrip(t *testing.T) {
	original := &ActionEnvelope{
		Action:   "Digest",
		ActionID: "42",
		Payload:  []byte("sha-256 payload"),
	}

	frame, err := EncodeAction(original)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := DecodeAction(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.Action != original.Action {
		t.Errorf("Action = %q, want %q", decoded.Action, original.Action)
	}
	if decoded.ActionID != original.ActionID {
		t.Errorf("ActionID = %q, want %q", decoded.ActionID, original.ActionID)
	}
	if !bytes.Equal(decoded.Payload, original.Payload) {
		t.Errorf("Payload = %q, want %q", decoded.Payload, original.Payload)
	}
}

func TestResultEnvelopeRoundTripSuccess(t *testing.T) {
	original := &ResultEnvelope{
		Action:   "GenerateKey",
		ActionID: "7",
		Data:     []byte{0x01, 0x02, 0x03},
	}

	frame, err := EncodeResult(original)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := DecodeResult(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Err != "" {
		t.Errorf("Err = %q, want empty", decoded.Err)
	}
	if !bytes.Equal(decoded.Data, original.Data) {
		t.Errorf("Data mismatch")
	}
}

func TestResultEnvelopeRoundTripError(t *testing.T) {
	original := &ResultEnvelope{
		Action:   "Sign",
		ActionID: "3",
		Err:      "Unknown action 'Nope'",
	}

	frame, err := EncodeResult(original)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := DecodeResult(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Err != original.Err {
		t.Errorf("Err = %q, want %q", decoded.Err, original.Err)
	}
	if len(decoded.Data) != 0 {
		t.Errorf("Data = %v, want empty", decoded.Data)
	}
}

func TestEncodeActionUnknownTag(t *testing.T) {
	_, err := EncodeAction(&ActionEnvelope{Action: "Nope", ActionID: "1"})
	if !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("expected ErrUnknownTag, got %v", err)
	}
}

func TestDecodeActionUnknownTag(t *testing.T) {
	frame, err := EncodeAction(&ActionEnvelope{Action: "Digest", ActionID: "1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Corrupt the tag field (bytes 7:9) to an unassigned value.
	frame[7] = 0xFF
	frame[8] = 0xFF

	if _, err := DecodeAction(frame); !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("expected ErrUnknownTag, got %v", err)
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	frame, err := EncodeAction(&ActionEnvelope{Action: "Digest", ActionID: "1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	frame[0] ^= 0xFF

	if _, err := DecodeAction(frame); !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestDecodeInvalidVersion(t *testing.T) {
	frame, err := EncodeAction(&ActionEnvelope{Action: "Digest", ActionID: "1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	frame[5] = 0xFF

	if _, err := DecodeAction(frame); !errors.Is(err, ErrInvalidVersion) {
		t.Fatalf("expected ErrInvalidVersion, got %v", err)
	}
}

func TestDecodeTruncatedHeader(t *testing.T) {
	if _, err := DecodeAction(make([]byte, HeaderSize-1)); !errors.Is(err, ErrInvalidHeader) {
		t.Fatalf("expected ErrInvalidHeader, got %v", err)
	}
}

func TestDecodeTruncatedBody(t *testing.T) {
	frame, err := EncodeAction(&ActionEnvelope{Action: "Digest", ActionID: "1", Payload: []byte("hello")})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if _, err := DecodeAction(frame[:len(frame)-2]); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestDecodeWrongKind(t *testing.T) {
	frame, err := EncodeAction(&ActionEnvelope{Action: "Digest", ActionID: "1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeResult(frame); !errors.Is(err, ErrWrongKind) {
		t.Fatalf("expected ErrWrongKind, got %v", err)
	}
}

func TestTagTableHasNoCollisions(t *testing.T) {
	seen := make(map[uint16]string)
	for action, tag := range actionTags {
		if other, ok := seen[tag]; ok {
			t.Fatalf("tag 0x%04x assigned to both %q and %q", tag, other, action)
		}
		seen[tag] = action
	}
}

func TestPeekTag(t *testing.T) {
	frame, err := EncodeAction(&ActionEnvelope{Action: "Login", ActionID: "1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	kind, tag, err := PeekTag(frame)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if kind != kindAction {
		t.Fatalf("kind = %d, want %d", kind, kindAction)
	}
	wantTag, _ := TagForAction("Login")
	if tag != wantTag {
		t.Fatalf("tag = 0x%04x, want 0x%04x", tag, wantTag)
	}
}
