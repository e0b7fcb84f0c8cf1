package crypto

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
)

// identityBlobName is the KeyStore entry holding the identity private key.
const identityBlobName = "identity"

// IdentityStore owns the device's long-lived X25519 identity keypair. The
// private half never leaves this type; other components obtain the public
// key or ask for ECDH results.
//
// Regenerating the identity invalidates every existing 1:1 session; peers
// must re-establish before traffic can flow again.
type IdentityStore struct {
	mu        sync.RWMutex
	keyPair   *KeyPair
	store     KeyStore
	ephemeral bool
}

// NewIdentityStore creates an IdentityStore persisting through the given
// KeyStore.
func NewIdentityStore(store KeyStore) *IdentityStore {
	return &IdentityStore{store: store}
}

// Load restores the persisted identity keypair. If the stored key is
// missing or unreadable it falls back to generating a fresh keypair and
// logs loudly, because that fallback breaks trust with every known peer.
// If even persisting the fresh key fails, the identity is kept in memory
// only and Ephemeral reports true.
func (is *IdentityStore) Load() error {
	is.mu.Lock()
	defer is.mu.Unlock()

	blob, err := is.store.Get(identityBlobName)
	if err == nil {
		if len(blob) != 32 {
			logrus.WithFields(logrus.Fields{
				"function": "Load",
				"size":     len(blob),
			}).Warn("Stored identity key has wrong size, regenerating")
			return is.regenerateLocked()
		}

		var private [32]byte
		copy(private[:], blob)
		ZeroBytes(blob)

		keyPair, err := FromSecretKey(private)
		if err != nil {
			ZeroBytes(private[:])
			logrus.WithFields(logrus.Fields{
				"function": "Load",
				"error":    err.Error(),
			}).Warn("Stored identity key is invalid, regenerating")
			return is.regenerateLocked()
		}

		is.keyPair = keyPair
		is.ephemeral = false

		logrus.WithFields(logrus.Fields{
			"function":          "Load",
			"public_key_prefix": fmt.Sprintf("%x", keyPair.Public[:8]),
		}).Info("Identity keys loaded from durable store")
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "Load",
		"error":    err.Error(),
	}).Warn("Failed to load identity keys from store, generating fresh keys; all existing peer sessions are invalidated")

	return is.regenerateLocked()
}

// Generate creates a brand-new identity keypair, replacing and wiping any
// previous one, and persists it.
func (is *IdentityStore) Generate() error {
	is.mu.Lock()
	defer is.mu.Unlock()
	return is.regenerateLocked()
}

// regenerateLocked creates and persists a fresh keypair. Caller holds mu.
func (is *IdentityStore) regenerateLocked() error {
	keyPair, err := GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("failed to generate identity keys: %w", err)
	}

	if is.keyPair != nil {
		_ = WipeKeyPair(is.keyPair)
	}
	is.keyPair = keyPair

	if err := is.store.Put(identityBlobName, keyPair.Private[:]); err != nil {
		// Degraded mode: the running process owns the only copy of this
		// keypair. Surfaced through Ephemeral so the user-facing layer
		// can warn that the identity will not survive a restart.
		is.ephemeral = true
		logrus.WithFields(logrus.Fields{
			"function": "regenerateLocked",
			"error":    err.Error(),
		}).Error("Failed to persist identity keys; operating with in-memory identity only")
		return nil
	}

	is.ephemeral = false
	logrus.WithFields(logrus.Fields{
		"function":          "regenerateLocked",
		"public_key_prefix": fmt.Sprintf("%x", keyPair.Public[:8]),
	}).Info("Generated and persisted new identity keys")
	return nil
}

// PublicKey returns the identity public key.
func (is *IdentityStore) PublicKey() ([32]byte, error) {
	is.mu.RLock()
	defer is.mu.RUnlock()
	if is.keyPair == nil {
		return [32]byte{}, ErrNoIdentity
	}
	return is.keyPair.Public, nil
}

// StableID derives the device identifier from the identity public key:
// the first 16 characters of the uppercase SHA-256 hex digest. The ID is
// shared across all Zajel clients and survives reconnects.
func (is *IdentityStore) StableID() (string, error) {
	pub, err := is.PublicKey()
	if err != nil {
		return "", err
	}
	return PeerIDFromPublicKey(pub[:]), nil
}

// SharedSecret computes the X25519 ECDH shared secret between our identity
// private key and a peer's public key.
func (is *IdentityStore) SharedSecret(peerPublic [32]byte) ([32]byte, error) {
	is.mu.RLock()
	defer is.mu.RUnlock()
	if is.keyPair == nil {
		return [32]byte{}, ErrNoIdentity
	}

	secret, err := curve25519.X25519(is.keyPair.Private[:], peerPublic[:])
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to compute shared secret: %w", err)
	}

	var result [32]byte
	copy(result[:], secret)
	ZeroBytes(secret)
	return result, nil
}

// Ephemeral reports whether the identity exists only in process memory
// because persisting it failed.
func (is *IdentityStore) Ephemeral() bool {
	is.mu.RLock()
	defer is.mu.RUnlock()
	return is.ephemeral
}

// HasIdentity reports whether identity keys are available.
func (is *IdentityStore) HasIdentity() bool {
	is.mu.RLock()
	defer is.mu.RUnlock()
	return is.keyPair != nil
}

// Wipe erases the private key material. The store becomes unusable until
// Load or Generate is called again.
func (is *IdentityStore) Wipe() {
	is.mu.Lock()
	defer is.mu.Unlock()
	if is.keyPair != nil {
		_ = WipeKeyPair(is.keyPair)
		is.keyPair = nil
	}
}
