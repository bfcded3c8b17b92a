// Package envelope implements the gateway's wire codec: the fixed,
// length-delimited binary encoding that carries ActionEnvelope and
// ResultEnvelope across an already-decrypted ratchet frame.
//
// The header shape is a magic/version/tag framing, generalized with
// an explicit Kind byte so one codec serves both directions of the RPC.
package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	Magic   uint32 = 0x47575243 // "GWRC"
	Version uint16 = 1
)

const (
	kindAction byte = 0
	kindResult byte = 1
)

// tagUnknownAction is a reserved result tag for replying to an action
// whose own tag the codec could not resolve. It is never registered in
// the action table, so it can never collide with a real action's tag.
const tagUnknownAction uint16 = 0xFFFF

var (
	ErrInvalidMagic   = errors.New("envelope: invalid magic")
	ErrInvalidVersion = errors.New("envelope: unsupported version")
	ErrInvalidHeader  = errors.New("envelope: invalid header")
	ErrTruncated      = errors.New("envelope: frame truncated")
	ErrWrongKind      = errors.New("envelope: frame is not the expected kind")
	ErrUnknownTag     = errors.New("envelope: unknown action tag")
)

// HeaderSize is Magic(4) + Version(2) + Kind(1) + Tag(2) + ActionIDLen(2)
// + ErrLen(2) + PayloadLen(4).
const HeaderSize = 4 + 2 + 1 + 2 + 2 + 2 + 4

// ActionEnvelope is a client-to-server request: a stable action name,
// a monotonically increasing correlation id, and an opaque payload
// whose shape depends on the action.
type ActionEnvelope struct {
	Action   string
	ActionID string
	Payload  []byte
}

// ResultEnvelope is the server's reply. Exactly one of Data/Err is
// populated; a non-empty Err means the handler returned a protocol or
// cryptographic error rather than a result.
type ResultEnvelope struct {
	Action   string
	ActionID string
	Data     []byte
	Err      string
}

type header struct {
	kind        byte
	tag         uint16
	actionIDLen uint16
	errLen      uint16
	payloadLen  uint32
}

func encodeHeader(h header) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint16(buf[4:6], Version)
	buf[6] = h.kind
	binary.BigEndian.PutUint16(buf[7:9], h.tag)
	binary.BigEndian.PutUint16(buf[9:11], h.actionIDLen)
	binary.BigEndian.PutUint16(buf[11:13], h.errLen)
	binary.BigEndian.PutUint32(buf[13:17], h.payloadLen)
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	var h header
	if len(buf) < HeaderSize {
		return h, ErrInvalidHeader
	}
	if binary.BigEndian.Uint32(buf[0:4]) != Magic {
		return h, ErrInvalidMagic
	}
	if binary.BigEndian.Uint16(buf[4:6]) != Version {
		return h, ErrInvalidVersion
	}
	h.kind = buf[6]
	h.tag = binary.BigEndian.Uint16(buf[7:9])
	h.actionIDLen = binary.BigEndian.Uint16(buf[9:11])
	h.errLen = binary.BigEndian.Uint16(buf[11:13])
	h.payloadLen = binary.BigEndian.Uint32(buf[13:17])
	return h, nil
}

func encode(kind byte, tag uint16, actionID, errStr string, payload []byte) []byte {
	idBytes := []byte(actionID)
	errBytes := []byte(errStr)

	h := header{
		kind:        kind,
		tag:         tag,
		actionIDLen: uint16(len(idBytes)),
		errLen:      uint16(len(errBytes)),
		payloadLen:  uint32(len(payload)),
	}

	buf := make([]byte, HeaderSize+len(idBytes)+len(errBytes)+len(payload))
	copy(buf[0:HeaderSize], encodeHeader(h))
	offset := HeaderSize
	copy(buf[offset:], idBytes)
	offset += len(idBytes)
	copy(buf[offset:], errBytes)
	offset += len(errBytes)
	copy(buf[offset:], payload)
	return buf
}

func decodeBody(buf []byte, h header) (actionID, errStr string, payload []byte, err error) {
	need := HeaderSize + int(h.actionIDLen) + int(h.errLen) + int(h.payloadLen)
	if len(buf) < need {
		return "", "", nil, ErrTruncated
	}

	offset := HeaderSize
	actionID = string(buf[offset : offset+int(h.actionIDLen)])
	offset += int(h.actionIDLen)
	errStr = string(buf[offset : offset+int(h.errLen)])
	offset += int(h.errLen)
	payload = make([]byte, h.payloadLen)
	copy(payload, buf[offset:offset+int(h.payloadLen)])
	return actionID, errStr, payload, nil
}

// EncodeAction serializes an action request. It fails with
// ErrUnknownTag rather than silently encoding an unroutable frame.
func EncodeAction(e *ActionEnvelope) ([]byte, error) {
	tag, ok := TagForAction(e.Action)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTag, e.Action)
	}
	return encode(kindAction, tag, e.ActionID, "", e.Payload), nil
}

// EncodeResult serializes a result reply. A reply to an action whose
// tag the dispatcher never resolved (an "Unknown action" error)
// passes Action == "", which is encoded under the reserved
// tagUnknownAction rather than failing — the whole point of this path
// is delivering an in-band error for a request the codec couldn't name.
func EncodeResult(e *ResultEnvelope) ([]byte, error) {
	if e.Action == "" {
		return encode(kindResult, tagUnknownAction, e.ActionID, e.Err, e.Data), nil
	}
	tag, ok := TagForAction(e.Action)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTag, e.Action)
	}
	return encode(kindResult, tag, e.ActionID, e.Err, e.Data), nil
}

// DecodeAction parses a frame as an action request.
func DecodeAction(frame []byte) (*ActionEnvelope, error) {
	h, err := decodeHeader(frame)
	if err != nil {
		return nil, err
	}
	if h.kind != kindAction {
		return nil, ErrWrongKind
	}
	action, ok := ActionForTag(h.tag)
	if !ok {
		return nil, fmt.Errorf("%w: 0x%04x", ErrUnknownTag, h.tag)
	}

	actionID, _, payload, err := decodeBody(frame, h)
	if err != nil {
		return nil, err
	}
	return &ActionEnvelope{Action: action, ActionID: actionID, Payload: payload}, nil
}

// DecodeResult parses a frame as a result reply. Unlike DecodeAction, an
// unresolved tag does not fail the decode: a result can legitimately
// carry the reserved tagUnknownAction (Action == "") when it is an
// "Unknown action" error reply, since correlation only needs ActionID.
func DecodeResult(frame []byte) (*ResultEnvelope, error) {
	h, err := decodeHeader(frame)
	if err != nil {
		return nil, err
	}
	if h.kind != kindResult {
		return nil, ErrWrongKind
	}

	action, _ := ActionForTag(h.tag)

	actionID, errStr, payload, err := decodeBody(frame, h)
	if err != nil {
		return nil, err
	}
	return &ResultEnvelope{Action: action, ActionID: actionID, Data: payload, Err: errStr}, nil
}

// RawAction is what DecodeActionRaw returns: the actionId and tag of an
// action frame whose tag may not resolve to a known action name. The
// dispatcher uses this only to build the "Unknown action" error reply
// with the correct correlating ActionID — DecodeAction remains the
// only entry point that accepts a frame as a well-formed action.
type RawAction struct {
	ActionID string
	Tag      uint16
}

// DecodeActionRaw parses an action frame's actionId and tag without
// requiring the tag to resolve, so the dispatcher can still reply with
// the right ActionID when the tag names no registered action.
func DecodeActionRaw(frame []byte) (*RawAction, error) {
	h, err := decodeHeader(frame)
	if err != nil {
		return nil, err
	}
	if h.kind != kindAction {
		return nil, ErrWrongKind
	}
	actionID, _, _, err := decodeBody(frame, h)
	if err != nil {
		return nil, err
	}
	return &RawAction{ActionID: actionID, Tag: h.tag}, nil
}

// PeekTag reads just enough of a frame to learn its kind and action
// tag, without requiring the tag to be registered.
func PeekTag(frame []byte) (kind byte, tag uint16, err error) {
	h, err := decodeHeader(frame)
	if err != nil {
		return 0, 0, err
	}
	return h.kind, h.tag, nil
}
