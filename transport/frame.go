package transport

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// FrameKind discriminates the closed set of payloads carried over the
// shared 1:1 adapter.
type FrameKind string

const (
	// FrameHandshake carries a public key for session establishment.
	FrameHandshake FrameKind = "handshake"
	// FrameText carries an encrypted 1:1 text message.
	FrameText FrameKind = "text"
	// FrameKeyRatchet carries a ratchet control frame.
	FrameKeyRatchet FrameKind = "key_ratchet"
	// FrameGroupInvite carries an encrypted group invitation.
	FrameGroupInvite FrameKind = "group_invite"
	// FrameGroupData carries sender-key encrypted group payload bytes.
	FrameGroupData FrameKind = "group_data"
)

// GroupWirePrefix tags group payloads on the shared adapter so the routing
// layer can split them from ordinary 1:1 chat traffic. The adapter itself
// is payload-agnostic. The bytes after the prefix are base64.
const GroupWirePrefix = "GRP:"

// ErrUnknownFrameKind is returned for envelopes whose type tag is not in
// the closed set. Such frames are dropped, never probed field by field.
var ErrUnknownFrameKind = errors.New("unknown frame kind")

// Envelope is the decoded form of a JSON payload from the adapter. Exactly
// the fields for the tagged kind are populated.
type Envelope struct {
	Kind FrameKind
	// Body is the raw JSON for kind-specific decoding (key_ratchet,
	// group_invite).
	Body []byte
	// Data is the decoded binary payload for text and group_data frames.
	Data []byte
}

// envelopeHeader is the minimal JSON shape used to read the type tag once.
type envelopeHeader struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

// DecodeEnvelope decodes one adapter payload into an Envelope. Group
// payloads use the GroupWirePrefix short form; everything else is a JSON
// object with a "type" tag. Unknown tags return ErrUnknownFrameKind.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	if strings.HasPrefix(string(payload), GroupWirePrefix) {
		raw, err := base64.StdEncoding.DecodeString(string(payload[len(GroupWirePrefix):]))
		if err != nil {
			return Envelope{}, fmt.Errorf("invalid group payload encoding: %w", err)
		}
		return Envelope{Kind: FrameGroupData, Data: raw}, nil
	}

	var header envelopeHeader
	if err := json.Unmarshal(payload, &header); err != nil {
		return Envelope{}, fmt.Errorf("malformed frame: %w", err)
	}

	switch FrameKind(header.Type) {
	case FrameHandshake, FrameKeyRatchet, FrameGroupInvite:
		return Envelope{Kind: FrameKind(header.Type), Body: payload}, nil
	case FrameText:
		raw, err := base64.StdEncoding.DecodeString(header.Data)
		if err != nil {
			return Envelope{}, fmt.Errorf("invalid text payload encoding: %w", err)
		}
		return Envelope{Kind: FrameText, Body: payload, Data: raw}, nil
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownFrameKind, header.Type)
	}
}

// EncodeGroupData wraps sender-key encrypted group bytes for the shared
// adapter.
func EncodeGroupData(data []byte) []byte {
	return []byte(GroupWirePrefix + base64.StdEncoding.EncodeToString(data))
}

// EncodeText wraps an encrypted 1:1 payload as a text frame.
func EncodeText(ciphertext []byte) ([]byte, error) {
	return json.Marshal(envelopeHeader{
		Type: string(FrameText),
		Data: base64.StdEncoding.EncodeToString(ciphertext),
	})
}

// HandshakeFrame is the key-exchange message sent when a data channel
// opens.
type HandshakeFrame struct {
	Type      string `json:"type"`
	PublicKey string `json:"publicKey"`
}

// EncodeHandshake builds a handshake frame carrying our public key.
func EncodeHandshake(publicKey []byte) ([]byte, error) {
	return json.Marshal(HandshakeFrame{
		Type:      string(FrameHandshake),
		PublicKey: base64.StdEncoding.EncodeToString(publicKey),
	})
}

// DecodeHandshake parses a handshake frame body and returns the peer's
// public key.
func DecodeHandshake(body []byte) ([32]byte, error) {
	var frame HandshakeFrame
	var key [32]byte
	if err := json.Unmarshal(body, &frame); err != nil {
		return key, fmt.Errorf("malformed handshake frame: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(frame.PublicKey)
	if err != nil {
		return key, fmt.Errorf("invalid handshake key encoding: %w", err)
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("invalid handshake key length: %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}
