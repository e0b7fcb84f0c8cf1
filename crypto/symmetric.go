package crypto

import (
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// EncryptSymmetric encrypts a message under a 32-byte symmetric key with
// ChaCha20-Poly1305, producing nonce(12) || ciphertext || tag(16). A fresh
// random nonce is drawn per call.
func EncryptSymmetric(key, plaintext []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("invalid symmetric key length: %d", len(key))
	}
	return sealWithKey(key, plaintext)
}

// DecryptSymmetric authenticates and decrypts nonce || ciphertext || tag
// under a 32-byte symmetric key. Returns ErrInvalidCiphertext for
// malformed input and ErrAuthenticationFailed when the tag does not
// verify.
func DecryptSymmetric(key, wire []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("invalid symmetric key length: %d", len(key))
	}
	if len(wire) < NonceSize+TagSize {
		return nil, ErrInvalidCiphertext
	}
	plaintext, ok := openWithKey(key, wire)
	if !ok {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}
