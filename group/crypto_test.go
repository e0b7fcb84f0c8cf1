package group

import (
	"bytes"
	"errors"
	"testing"

	"github.com/zajel-p2p/zajel-go/crypto"
)

func TestGenerateSenderKey(t *testing.T) {
	a, err := GenerateSenderKey()
	if err != nil {
		t.Fatalf("GenerateSenderKey failed: %v", err)
	}
	if len(a) != SenderKeySize {
		t.Errorf("key length = %d, want %d", len(a), SenderKeySize)
	}

	b, _ := GenerateSenderKey()
	if bytes.Equal(a, b) {
		t.Error("two generated sender keys are identical")
	}
}

func TestSenderKeyStoreSetGet(t *testing.T) {
	store := NewSenderKeyStore()
	key, _ := GenerateSenderKey()

	if err := store.SetSenderKey("g1", "alice", key); err != nil {
		t.Fatalf("SetSenderKey failed: %v", err)
	}
	if !store.HasSenderKey("g1", "alice") {
		t.Error("HasSenderKey = false after set")
	}

	got, err := store.SenderKey("g1", "alice")
	if err != nil {
		t.Fatalf("SenderKey failed: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Error("stored key does not match")
	}

	// Returned keys are copies.
	got[0] ^= 0xFF
	again, _ := store.SenderKey("g1", "alice")
	if !bytes.Equal(again, key) {
		t.Error("store returned aliased key")
	}
}

func TestSenderKeyStoreRejectsBadLength(t *testing.T) {
	store := NewSenderKeyStore()
	if err := store.SetSenderKey("g1", "alice", make([]byte, 16)); err == nil {
		t.Error("expected error for 16-byte key")
	}
}

func TestSenderKeyStoreMissingKey(t *testing.T) {
	store := NewSenderKeyStore()
	if _, err := store.SenderKey("g1", "nobody"); !errors.Is(err, ErrNoSenderKey) {
		t.Errorf("got %v, want ErrNoSenderKey", err)
	}
	if _, err := store.Encrypt([]byte("x"), "g1", "nobody"); !errors.Is(err, ErrNoSenderKey) {
		t.Errorf("got %v, want ErrNoSenderKey", err)
	}
}

func TestSenderKeyEncryptDecrypt(t *testing.T) {
	store := NewSenderKeyStore()
	key, _ := GenerateSenderKey()
	if err := store.SetSenderKey("g1", "alice", key); err != nil {
		t.Fatalf("SetSenderKey failed: %v", err)
	}

	plaintext := []byte("group message body")
	wire, err := store.Encrypt(plaintext, "g1", "alice")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	got, err := store.Decrypt(wire, "g1", "alice")
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip mismatch: %q", got)
	}
}

func TestSenderKeyDecryptWrongMember(t *testing.T) {
	store := NewSenderKeyStore()
	aliceKey, _ := GenerateSenderKey()
	bobKey, _ := GenerateSenderKey()
	_ = store.SetSenderKey("g1", "alice", aliceKey)
	_ = store.SetSenderKey("g1", "bob", bobKey)

	wire, err := store.Encrypt([]byte("from alice"), "g1", "alice")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	// Decrypting under the wrong member's key must fail authentication.
	if _, err := store.Decrypt(wire, "g1", "bob"); !errors.Is(err, crypto.ErrAuthenticationFailed) {
		t.Errorf("got %v, want ErrAuthenticationFailed", err)
	}
}

func TestSenderKeyRemove(t *testing.T) {
	store := NewSenderKeyStore()
	key, _ := GenerateSenderKey()
	_ = store.SetSenderKey("g1", "mallory", key)

	store.RemoveSenderKey("g1", "mallory")
	if store.HasSenderKey("g1", "mallory") {
		t.Error("key still present after removal")
	}
}

func TestSenderKeyClearGroup(t *testing.T) {
	store := NewSenderKeyStore()
	key, _ := GenerateSenderKey()
	_ = store.SetSenderKey("g1", "alice", key)
	_ = store.SetSenderKey("g2", "alice", key)

	store.ClearGroup("g1")
	if store.HasSenderKey("g1", "alice") {
		t.Error("g1 key survived ClearGroup")
	}
	if !store.HasSenderKey("g2", "alice") {
		t.Error("ClearGroup removed keys of another group")
	}
}

func TestRotateOwnKey(t *testing.T) {
	store := NewSenderKeyStore()
	old, _ := GenerateSenderKey()
	_ = store.SetSenderKey("g1", "self", old)

	rotated, err := store.RotateOwnKey("g1", "self")
	if err != nil {
		t.Fatalf("RotateOwnKey failed: %v", err)
	}
	if bytes.Equal(rotated, old) {
		t.Error("rotation returned the old key")
	}

	current, _ := store.SenderKey("g1", "self")
	if !bytes.Equal(current, rotated) {
		t.Error("rotated key not installed")
	}
}
