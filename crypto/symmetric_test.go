package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, SessionKeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}

func TestSymmetricRoundTrip(t *testing.T) {
	key := testKey(t)
	plaintext := []byte("the quick brown fox")

	wire, err := EncryptSymmetric(key, plaintext)
	if err != nil {
		t.Fatalf("EncryptSymmetric failed: %v", err)
	}
	if len(wire) != NonceSize+len(plaintext)+TagSize {
		t.Errorf("wire size = %d, want %d", len(wire), NonceSize+len(plaintext)+TagSize)
	}

	got, err := DecryptSymmetric(key, wire)
	if err != nil {
		t.Fatalf("DecryptSymmetric failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip mismatch: got %q", got)
	}
}

func TestSymmetricFreshNoncePerCall(t *testing.T) {
	key := testKey(t)
	a, _ := EncryptSymmetric(key, []byte("same message"))
	b, _ := EncryptSymmetric(key, []byte("same message"))
	if bytes.Equal(a[:NonceSize], b[:NonceSize]) {
		t.Error("two encryptions reused a nonce")
	}
}

func TestSymmetricTamperDetection(t *testing.T) {
	key := testKey(t)
	wire, err := EncryptSymmetric(key, []byte("integrity matters"))
	if err != nil {
		t.Fatalf("EncryptSymmetric failed: %v", err)
	}

	for _, pos := range []int{0, NonceSize, len(wire) - 1} {
		tampered := make([]byte, len(wire))
		copy(tampered, wire)
		tampered[pos] ^= 0x01

		if _, err := DecryptSymmetric(key, tampered); !errors.Is(err, ErrAuthenticationFailed) {
			t.Errorf("flipping byte %d: got %v, want ErrAuthenticationFailed", pos, err)
		}
	}
}

func TestSymmetricWrongKey(t *testing.T) {
	wire, err := EncryptSymmetric(testKey(t), []byte("secret"))
	if err != nil {
		t.Fatalf("EncryptSymmetric failed: %v", err)
	}
	if _, err := DecryptSymmetric(testKey(t), wire); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("got %v, want ErrAuthenticationFailed", err)
	}
}

func TestSymmetricMalformedInput(t *testing.T) {
	key := testKey(t)

	if _, err := DecryptSymmetric(key, []byte("short")); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("got %v, want ErrInvalidCiphertext", err)
	}
	if _, err := DecryptSymmetric(key[:16], make([]byte, NonceSize+TagSize)); err == nil {
		t.Error("expected error for truncated key")
	}
	if _, err := EncryptSymmetric(key[:16], []byte("x")); err == nil {
		t.Error("expected error for truncated key")
	}
}
