package ratchet

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType is the tagged-union discriminator for ratchet control frames.
const FrameType = "key_ratchet"

// FrameVersion is the protocol version this implementation emits.
const FrameVersion = 1

// ErrUnknownVersion marks a control frame from a newer protocol version.
// Such frames must be ignored without state changes.
var ErrUnknownVersion = errors.New("unknown ratchet frame version")

// ControlFrame is the ratchet announcement carried over the existing 1:1
// transport: the nonce the receiver needs to derive the same next key, the
// epoch the initiator moved to, and the protocol version.
type ControlFrame struct {
	Type    string `json:"type"`
	Nonce   string `json:"nonce"`
	Epoch   uint64 `json:"epoch"`
	Version int    `json:"version"`
}

// NewControlFrame builds a version-1 control frame for a ratchet nonce and
// epoch.
func NewControlFrame(nonce [32]byte, epoch uint64) ControlFrame {
	return ControlFrame{
		Type:    FrameType,
		Nonce:   base64.StdEncoding.EncodeToString(nonce[:]),
		Epoch:   epoch,
		Version: FrameVersion,
	}
}

// Encode serializes the frame as compact JSON.
func (f ControlFrame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode ratchet frame: %w", err)
	}
	return data, nil
}

// DecodeControlFrame parses and validates a control frame. Frames with a
// version other than FrameVersion return ErrUnknownVersion; the caller
// must treat those as no-ops.
func DecodeControlFrame(data []byte) (ControlFrame, error) {
	var f ControlFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return ControlFrame{}, fmt.Errorf("failed to decode ratchet frame: %w", err)
	}
	if f.Type != FrameType {
		return ControlFrame{}, fmt.Errorf("unexpected frame type %q", f.Type)
	}
	if f.Version != FrameVersion {
		return f, fmt.Errorf("%w: %d", ErrUnknownVersion, f.Version)
	}
	if _, err := f.DecodeNonce(); err != nil {
		return ControlFrame{}, err
	}
	return f, nil
}

// DecodeNonce returns the frame's 32-byte ratchet nonce.
func (f ControlFrame) DecodeNonce() ([32]byte, error) {
	var nonce [32]byte
	raw, err := base64.StdEncoding.DecodeString(f.Nonce)
	if err != nil {
		return nonce, fmt.Errorf("invalid ratchet nonce encoding: %w", err)
	}
	if len(raw) != 32 {
		return nonce, fmt.Errorf("invalid ratchet nonce length: %d", len(raw))
	}
	copy(nonce[:], raw)
	return nonce, nil
}
