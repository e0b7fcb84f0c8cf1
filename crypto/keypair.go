package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/curve25519"
)

// KeyPair represents an X25519 key pair used for Zajel identity and
// ephemeral key agreement.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var private [32]byte
	if _, err := rand.Read(private[:]); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	public, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		ZeroBytes(private[:])
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	keyPair := &KeyPair{Private: private}
	copy(keyPair.Public[:], public)

	return keyPair, nil
}

// FromSecretKey reconstructs a key pair from an existing private key,
// deriving the matching public key.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	public, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	keyPair := &KeyPair{Private: secretKey}
	copy(keyPair.Public[:], public)

	return keyPair, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}

// SecureWipe overwrites sensitive bytes with zeros. The constant-time
// compare afterwards reads every byte back, so the compiler cannot treat
// the stores as dead.
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}
	for i := range data {
		data[i] = 0
	}
	subtle.ConstantTimeCompare(data, make([]byte, len(data)))
	runtime.KeepAlive(data)
	return nil
}

// ZeroBytes wipes a slice of key material, ignoring the nil-slice error.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// WipeKeyPair erases the private half of a key pair. The public key is
// left intact so callers can still hand it out after the wipe.
func WipeKeyPair(kp *KeyPair) error {
	if kp == nil {
		return errors.New("cannot wipe nil KeyPair")
	}
	return SecureWipe(kp.Private[:])
}
