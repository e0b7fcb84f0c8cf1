package crypto

import (
	"bytes"
	"testing"
)

func TestEncryptedKeyStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ks, err := NewEncryptedKeyStore(dir, []byte("correct horse battery staple"))
	if err != nil {
		t.Fatalf("NewEncryptedKeyStore failed: %v", err)
	}
	defer ks.Close()

	secret := []byte("identity private key bytes")
	if err := ks.Put("identity", secret); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := ks.Get("identity")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Errorf("round trip mismatch: got %q", got)
	}
}

func TestEncryptedKeyStoreWrongPassword(t *testing.T) {
	dir := t.TempDir()

	ks, err := NewEncryptedKeyStore(dir, []byte("password one"))
	if err != nil {
		t.Fatalf("NewEncryptedKeyStore failed: %v", err)
	}
	if err := ks.Put("blob", []byte("payload")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	ks.Close()

	// Same directory, same salt, different password.
	wrong, err := NewEncryptedKeyStore(dir, []byte("password two"))
	if err != nil {
		t.Fatalf("NewEncryptedKeyStore failed: %v", err)
	}
	defer wrong.Close()

	if _, err := wrong.Get("blob"); err == nil {
		t.Error("expected decryption failure with wrong password")
	}
}

func TestEncryptedKeyStoreSaltPersists(t *testing.T) {
	dir := t.TempDir()
	password := "stable password"

	ks1, err := NewEncryptedKeyStore(dir, []byte(password))
	if err != nil {
		t.Fatalf("NewEncryptedKeyStore failed: %v", err)
	}
	if err := ks1.Put("blob", []byte("survives reopen")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	ks1.Close()

	ks2, err := NewEncryptedKeyStore(dir, []byte(password))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer ks2.Close()

	got, err := ks2.Get("blob")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if string(got) != "survives reopen" {
		t.Errorf("got %q after reopen", got)
	}
}

func TestEncryptedKeyStoreDelete(t *testing.T) {
	ks, err := NewEncryptedKeyStore(t.TempDir(), []byte("pw"))
	if err != nil {
		t.Fatalf("NewEncryptedKeyStore failed: %v", err)
	}
	defer ks.Close()

	if err := ks.Put("gone", []byte("data")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := ks.Delete("gone"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := ks.Get("gone"); err == nil {
		t.Error("expected error reading deleted blob")
	}

	// Deleting a missing blob is not an error.
	if err := ks.Delete("never existed"); err != nil {
		t.Errorf("Delete of missing blob failed: %v", err)
	}
}

func TestEncryptedKeyStoreEmptyPassword(t *testing.T) {
	if _, err := NewEncryptedKeyStore(t.TempDir(), nil); err == nil {
		t.Error("expected error for empty master password")
	}
}

func TestMemoryKeyStore(t *testing.T) {
	ks := NewMemoryKeyStore()

	if err := ks.Put("a", []byte("one")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := ks.Get("a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "one" {
		t.Errorf("got %q", got)
	}

	// Stored blobs are copies; mutating the returned slice must not
	// affect the store.
	got[0] = 'X'
	again, _ := ks.Get("a")
	if string(again) != "one" {
		t.Error("store returned aliased blob")
	}

	if err := ks.Delete("a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := ks.Get("a"); err == nil {
		t.Error("expected error after delete")
	}
	if err := ks.Delete("missing"); err != nil {
		t.Errorf("Delete of missing blob failed: %v", err)
	}
}
