package crypto

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// SessionKeySize is the size of a symmetric session key.
	SessionKeySize = 32
	// NonceSize is the AEAD nonce size (96 bits).
	NonceSize = chacha20poly1305.NonceSize
	// TagSize is the Poly1305 authentication tag size.
	TagSize = chacha20poly1305.Overhead

	// maxNonceHistory bounds the per-session replay window. When the set
	// grows past this the older half is evicted, matching the other Zajel
	// clients.
	maxNonceHistory = 10000
)

// retiredKey is a displaced session key kept read-only for decryption
// until its grace period elapses.
type retiredKey struct {
	key       [SessionKeySize]byte
	expiresAt time.Time
}

// pendingRatchet is a ratchet candidate installed by the initiator but not
// yet confirmed by the peer. The candidate becomes active the first time a
// ciphertext authenticates under it.
type pendingRatchet struct {
	key      [SessionKeySize]byte
	nonce    [32]byte
	epoch    uint64
	replaces [SessionKeySize]byte
}

// session is the per-peer symmetric session state. All mutation happens
// under mu, which also serializes encrypt/decrypt against ratchet installs
// for the same peer. Sessions for different peers are fully independent.
type session struct {
	mu sync.Mutex

	peerID       string
	activeKey    [SessionKeySize]byte
	epoch        uint64
	messageCount uint64
	lastRatchet  time.Time

	pending *pendingRatchet
	retired []retiredKey

	seenNonces map[[NonceSize]byte]struct{}
}

// newSession creates a session with the given active key at epoch 0.
func newSession(peerID string, key [SessionKeySize]byte, now time.Time) *session {
	return &session{
		peerID:      peerID,
		activeKey:   key,
		lastRatchet: now,
		seenNonces:  make(map[[NonceSize]byte]struct{}),
	}
}

// sealWithKey encrypts plaintext under key with a fresh random nonce,
// producing nonce || ciphertext || tag.
func sealWithKey(key []byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// openWithKey authenticates and decrypts nonce || ciphertext || tag under
// key. Returns false if the tag does not verify.
func openWithKey(key []byte, wire []byte) ([]byte, bool) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, false
	}

	plaintext, err := aead.Open(nil, wire[:NonceSize], wire[NonceSize:], nil)
	if err != nil {
		return nil, false
	}
	return plaintext, true
}

// recordNonce adds a nonce to the replay window, evicting the older half
// when the window is full. Caller holds mu.
func (s *session) recordNonce(nonce [NonceSize]byte) {
	s.seenNonces[nonce] = struct{}{}
	if len(s.seenNonces) <= maxNonceHistory {
		return
	}
	kept := make(map[[NonceSize]byte]struct{}, maxNonceHistory/2)
	i := 0
	for n := range s.seenNonces {
		if i >= maxNonceHistory/2 {
			break
		}
		kept[n] = struct{}{}
		i++
	}
	s.seenNonces = kept
}

// purgeExpiredRetired drops and wipes retired keys past their grace
// period. Caller holds mu.
func (s *session) purgeExpiredRetired(now time.Time) {
	kept := s.retired[:0]
	for i := range s.retired {
		if now.Before(s.retired[i].expiresAt) {
			kept = append(kept, s.retired[i])
		} else {
			ZeroBytes(s.retired[i].key[:])
		}
	}
	s.retired = kept
}

// wipe erases all key material held by the session. Caller holds mu.
func (s *session) wipe() {
	ZeroBytes(s.activeKey[:])
	if s.pending != nil {
		ZeroBytes(s.pending.key[:])
		ZeroBytes(s.pending.replaces[:])
		s.pending = nil
	}
	for i := range s.retired {
		ZeroBytes(s.retired[i].key[:])
	}
	s.retired = nil
}
