package transport

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func TestDecodeEnvelopeGroupData(t *testing.T) {
	payload := []byte{0x01, 0x02, 0xFF}
	env, err := DecodeEnvelope(EncodeGroupData(payload))
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if env.Kind != FrameGroupData {
		t.Errorf("kind = %s, want %s", env.Kind, FrameGroupData)
	}
	if !bytes.Equal(env.Data, payload) {
		t.Errorf("data = %x, want %x", env.Data, payload)
	}
}

func TestDecodeEnvelopeText(t *testing.T) {
	ciphertext := []byte("opaque encrypted bytes")
	frame, err := EncodeText(ciphertext)
	if err != nil {
		t.Fatalf("EncodeText failed: %v", err)
	}

	env, err := DecodeEnvelope(frame)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if env.Kind != FrameText {
		t.Errorf("kind = %s, want %s", env.Kind, FrameText)
	}
	if !bytes.Equal(env.Data, ciphertext) {
		t.Error("text payload did not survive the round trip")
	}
}

func TestDecodeEnvelopeTaggedKinds(t *testing.T) {
	tests := []struct {
		name string
		body string
		want FrameKind
	}{
		{"handshake", `{"type":"handshake","publicKey":"aaaa"}`, FrameHandshake},
		{"key ratchet", `{"type":"key_ratchet","nonce":"","epoch":1,"version":1}`, FrameKeyRatchet},
		{"group invite", `{"type":"group_invite","group_id":"g1"}`, FrameGroupInvite},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tt.body))
			if err != nil {
				t.Fatalf("DecodeEnvelope failed: %v", err)
			}
			if env.Kind != tt.want {
				t.Errorf("kind = %s, want %s", env.Kind, tt.want)
			}
			if string(env.Body) != tt.body {
				t.Error("body must pass through untouched for kind-specific decoding")
			}
		})
	}
}

func TestDecodeEnvelopeUnknownKind(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"type":"video_call","offer":"..."}`))
	if !errors.Is(err, ErrUnknownFrameKind) {
		t.Errorf("got %v, want ErrUnknownFrameKind", err)
	}
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	if _, err := DecodeEnvelope([]byte("not json at all")); err == nil {
		t.Error("expected error for malformed payload")
	}
	if _, err := DecodeEnvelope([]byte(GroupWirePrefix + "!!not base64!!")); err == nil {
		t.Error("expected error for invalid group payload encoding")
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	frame, err := EncodeHandshake(key)
	if err != nil {
		t.Fatalf("EncodeHandshake failed: %v", err)
	}

	env, err := DecodeEnvelope(frame)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if env.Kind != FrameHandshake {
		t.Fatalf("kind = %s, want %s", env.Kind, FrameHandshake)
	}

	got, err := DecodeHandshake(env.Body)
	if err != nil {
		t.Fatalf("DecodeHandshake failed: %v", err)
	}
	if !bytes.Equal(got[:], key) {
		t.Error("public key did not survive the round trip")
	}
}

func TestDecodeHandshakeRejectsBadKey(t *testing.T) {
	short := `{"type":"handshake","publicKey":"` + base64.StdEncoding.EncodeToString(make([]byte, 16)) + `"}`
	if _, err := DecodeHandshake([]byte(short)); err == nil {
		t.Error("expected error for 16-byte key")
	}
	if _, err := DecodeHandshake([]byte(`{"type":"handshake","publicKey":"!!"}`)); err == nil {
		t.Error("expected error for invalid encoding")
	}
}

func TestConnectionStateString(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateFailed, "failed"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
