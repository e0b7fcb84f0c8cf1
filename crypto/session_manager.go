package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// hkdfInfoSession is the HKDF context string for session key
	// derivation. It must match the Dart and web clients for interop.
	hkdfInfoSession = "zajel_session"
	// hkdfInfoRatchet is the HKDF context string for ratchet key
	// derivation.
	hkdfInfoRatchet = "zajel_ratchet"

	// DefaultGracePeriod is how long a retired key keeps decrypting
	// in-flight ciphertext after a ratchet commit.
	DefaultGracePeriod = 30 * time.Second

	// sessionBlobPrefix namespaces per-peer session blobs in the KeyStore.
	sessionBlobPrefix = "session_"
)

// SessionManager holds all per-peer symmetric sessions. Sessions are kept
// in an arena keyed by peer id; each session carries its own mutex, so
// operations on different peers proceed in parallel while encrypt, decrypt
// and ratchet installs for one peer are strictly serialized.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*session
	peerKeys map[string][32]byte

	identity    *IdentityStore
	store       KeyStore
	gracePeriod time.Duration
	time        TimeProvider
}

// NewSessionManager creates a SessionManager backed by the given identity
// and durable key store.
func NewSessionManager(identity *IdentityStore, store KeyStore) *SessionManager {
	return NewSessionManagerWithTimeProvider(identity, store, defaultTimeProvider)
}

// NewSessionManagerWithTimeProvider creates a SessionManager with a custom
// time provider, used by tests to control the retired-key grace window.
func NewSessionManagerWithTimeProvider(identity *IdentityStore, store KeyStore, tp TimeProvider) *SessionManager {
	if tp == nil {
		tp = defaultTimeProvider
	}
	return &SessionManager{
		sessions:    make(map[string]*session),
		peerKeys:    make(map[string][32]byte),
		identity:    identity,
		store:       store,
		gracePeriod: DefaultGracePeriod,
		time:        tp,
	}
}

// SetGracePeriod overrides the retired-key grace period.
func (sm *SessionManager) SetGracePeriod(d time.Duration) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.gracePeriod = d
}

// graceWindow reads the configured grace period under the manager lock.
// Safe to call while holding a session's mutex: no code path waits on a
// session mutex while holding sm.mu.
func (sm *SessionManager) graceWindow() time.Duration {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.gracePeriod
}

// Establish performs X25519 key agreement with a peer and installs the
// derived 32-byte session key as the active key at epoch 0. Any previous
// session for the peer is replaced and wiped. Returns ErrNoIdentity if
// identity keys have not been loaded.
func (sm *SessionManager) Establish(peerID string, peerPublicKey [32]byte) error {
	shared, err := sm.identity.SharedSecret(peerPublicKey)
	if err != nil {
		return err
	}

	key, err := deriveKey(shared[:], nil, hkdfInfoSession)
	ZeroBytes(shared[:])
	if err != nil {
		return fmt.Errorf("failed to derive session key: %w", err)
	}

	sm.installSession(peerID, peerPublicKey, key)

	logrus.WithFields(logrus.Fields{
		"function":        "Establish",
		"peer_id":         peerID,
		"peer_key_prefix": fmt.Sprintf("%x", peerPublicKey[:4]),
	}).Info("Session established")
	return nil
}

// EstablishEphemeral performs the forward-secret establishment variant:
// in addition to the identity ECDH it runs a second ECDH between fresh
// single-use ephemeral keys, concatenates both outputs before derivation
// and discards the ephemeral private key immediately. A later compromise
// of the identity key then no longer exposes this session. Returns our
// ephemeral public key, which the caller must transmit to the peer.
func (sm *SessionManager) EstablishEphemeral(peerID string, peerPublicKey, peerEphemeralKey [32]byte) ([32]byte, error) {
	identityShared, err := sm.identity.SharedSecret(peerPublicKey)
	if err != nil {
		return [32]byte{}, err
	}

	ephemeral, err := GenerateKeyPair()
	if err != nil {
		ZeroBytes(identityShared[:])
		return [32]byte{}, fmt.Errorf("failed to generate ephemeral keys: %w", err)
	}

	ephemeralShared, err := curve25519.X25519(ephemeral.Private[:], peerEphemeralKey[:])
	_ = WipeKeyPair(ephemeral)
	if err != nil {
		ZeroBytes(identityShared[:])
		return [32]byte{}, fmt.Errorf("failed to compute ephemeral shared secret: %w", err)
	}

	ikm := make([]byte, 0, 64)
	ikm = append(ikm, identityShared[:]...)
	ikm = append(ikm, ephemeralShared...)
	ZeroBytes(identityShared[:])
	ZeroBytes(ephemeralShared)

	key, err := deriveKey(ikm, nil, hkdfInfoSession)
	ZeroBytes(ikm)
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to derive session key: %w", err)
	}

	sm.installSession(peerID, peerPublicKey, key)

	logrus.WithFields(logrus.Fields{
		"function": "EstablishEphemeral",
		"peer_id":  peerID,
	}).Info("Session established with ephemeral key agreement")
	return ephemeral.Public, nil
}

// EstablishEphemeralResponder completes the forward-secret establishment
// on the responding side: the responder generated and advertised its
// ephemeral keypair earlier, and combines it here with the initiator's
// ephemeral public key. Both sides derive the identical session key. The
// ephemeral private key is wiped before returning.
func (sm *SessionManager) EstablishEphemeralResponder(peerID string, peerPublicKey [32]byte, ourEphemeral *KeyPair, peerEphemeralKey [32]byte) error {
	identityShared, err := sm.identity.SharedSecret(peerPublicKey)
	if err != nil {
		return err
	}

	ephemeralShared, err := curve25519.X25519(ourEphemeral.Private[:], peerEphemeralKey[:])
	_ = WipeKeyPair(ourEphemeral)
	if err != nil {
		ZeroBytes(identityShared[:])
		return fmt.Errorf("failed to compute ephemeral shared secret: %w", err)
	}

	ikm := make([]byte, 0, 64)
	ikm = append(ikm, identityShared[:]...)
	ikm = append(ikm, ephemeralShared...)
	ZeroBytes(identityShared[:])
	ZeroBytes(ephemeralShared)

	key, err := deriveKey(ikm, nil, hkdfInfoSession)
	ZeroBytes(ikm)
	if err != nil {
		return fmt.Errorf("failed to derive session key: %w", err)
	}

	sm.installSession(peerID, peerPublicKey, key)

	logrus.WithFields(logrus.Fields{
		"function": "EstablishEphemeralResponder",
		"peer_id":  peerID,
	}).Info("Session established with ephemeral key agreement")
	return nil
}

// installSession replaces any existing session for the peer with a fresh
// one at epoch 0 and persists its key.
func (sm *SessionManager) installSession(peerID string, peerPublicKey [32]byte, key [SessionKeySize]byte) {
	s := newSession(peerID, key, sm.time.Now())

	sm.mu.Lock()
	if old, ok := sm.sessions[peerID]; ok {
		old.mu.Lock()
		old.wipe()
		old.mu.Unlock()
	}
	sm.sessions[peerID] = s
	sm.peerKeys[peerID] = peerPublicKey
	sm.mu.Unlock()

	sm.persistSession(s)
}

// RestoreSession loads a previously persisted session key for a peer.
func (sm *SessionManager) RestoreSession(peerID string) error {
	blob, err := sm.store.Get(sessionBlobPrefix + peerID)
	if err != nil {
		return fmt.Errorf("failed to load session for %s: %w", peerID, err)
	}
	if len(blob) != 8+SessionKeySize {
		ZeroBytes(blob)
		return fmt.Errorf("invalid session blob for %s: %d bytes", peerID, len(blob))
	}

	var key [SessionKeySize]byte
	copy(key[:], blob[8:])
	epoch := binary.BigEndian.Uint64(blob[:8])
	ZeroBytes(blob)

	s := newSession(peerID, key, sm.time.Now())
	s.epoch = epoch

	sm.mu.Lock()
	if old, ok := sm.sessions[peerID]; ok {
		old.mu.Lock()
		old.wipe()
		old.mu.Unlock()
	}
	sm.sessions[peerID] = s
	sm.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "RestoreSession",
		"peer_id":  peerID,
		"epoch":    epoch,
	}).Debug("Session restored from durable store")
	return nil
}

// persistSession writes the session's active key and epoch to the durable
// store. Persistence failures are logged, not fatal: the in-memory session
// stays usable for the life of the process.
func (sm *SessionManager) persistSession(s *session) {
	blob := make([]byte, 8+SessionKeySize)
	binary.BigEndian.PutUint64(blob[:8], s.epoch)
	copy(blob[8:], s.activeKey[:])

	if err := sm.store.Put(sessionBlobPrefix+s.peerID, blob); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "persistSession",
			"peer_id":  s.peerID,
			"error":    err.Error(),
		}).Warn("Failed to persist session key")
	}
	ZeroBytes(blob)
}

// Encrypt encrypts plaintext for a peer under the session's active key,
// producing nonce(12) || ciphertext || tag(16). A fresh random nonce is
// drawn per call; calls for the same peer are serialized internally.
func (sm *SessionManager) Encrypt(peerID string, plaintext []byte) ([]byte, error) {
	s, err := sm.session(peerID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wire, err := sealWithKey(s.activeKey[:], plaintext)
	if err != nil {
		return nil, err
	}
	s.messageCount++
	return wire, nil
}

// Decrypt authenticates and decrypts wire data from a peer. Keys are tried
// in order: the active key, then a pending ratchet candidate (success
// commits the ratchet), then each retired key still inside its grace
// period. Exhausting all of them returns ErrAuthenticationFailed.
func (sm *SessionManager) Decrypt(peerID string, wire []byte) ([]byte, error) {
	if len(wire) < NonceSize+TagSize {
		return nil, ErrInvalidCiphertext
	}

	s, err := sm.session(peerID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var nonce [NonceSize]byte
	copy(nonce[:], wire[:NonceSize])
	if _, seen := s.seenNonces[nonce]; seen {
		return nil, fmt.Errorf("%w (peer %s)", ErrReplayDetected, peerID)
	}

	now := sm.time.Now()
	s.purgeExpiredRetired(now)

	if plaintext, ok := openWithKey(s.activeKey[:], wire); ok {
		s.recordNonce(nonce)
		return plaintext, nil
	}

	if s.pending != nil {
		if plaintext, ok := openWithKey(s.pending.key[:], wire); ok {
			sm.commitPendingLocked(s, now)
			s.recordNonce(nonce)
			return plaintext, nil
		}
	}

	for i := range s.retired {
		if plaintext, ok := openWithKey(s.retired[i].key[:], wire); ok {
			s.recordNonce(nonce)
			return plaintext, nil
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":      "Decrypt",
		"peer_id":       peerID,
		"retired_keys":  len(s.retired),
		"pending":       s.pending != nil,
		"wire_size":     len(wire),
		"session_epoch": s.epoch,
	}).Warn("Ciphertext failed authentication against all known keys")
	return nil, fmt.Errorf("%w (peer %s)", ErrAuthenticationFailed, peerID)
}

// commitPendingLocked promotes the pending ratchet candidate to active,
// moving the displaced key into the retired set with a grace expiry.
// Caller holds s.mu.
func (sm *SessionManager) commitPendingLocked(s *session, now time.Time) {
	s.retired = append(s.retired, retiredKey{
		key:       s.activeKey,
		expiresAt: now.Add(sm.graceWindow()),
	})
	s.activeKey = s.pending.key
	s.epoch = s.pending.epoch
	s.pending = nil
	s.lastRatchet = now
	s.messageCount = 0

	sm.persistSession(s)

	logrus.WithFields(logrus.Fields{
		"function": "commitPendingLocked",
		"peer_id":  s.peerID,
		"epoch":    s.epoch,
	}).Info("Ratchet committed, displaced key retired with grace period")
}

// PrepareRatchet derives the next session key from the active key and the
// given 32-byte nonce, installing it as the pending candidate at the next
// epoch. New encryptions keep using the current active key until the
// candidate is confirmed by inbound traffic. Returns the pending epoch for
// inclusion in the control frame.
func (sm *SessionManager) PrepareRatchet(peerID string, nonce [32]byte) (uint64, error) {
	s, err := sm.session(peerID)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	candidate, err := deriveKey(s.activeKey[:], nonce[:], hkdfInfoRatchet)
	if err != nil {
		return 0, fmt.Errorf("failed to derive ratchet key: %w", err)
	}

	if s.pending != nil {
		logrus.WithFields(logrus.Fields{
			"function":      "PrepareRatchet",
			"peer_id":       peerID,
			"pending_epoch": s.pending.epoch,
		}).Warn("Replacing unconfirmed pending ratchet")
		ZeroBytes(s.pending.key[:])
	}

	s.pending = &pendingRatchet{
		key:      candidate,
		nonce:    nonce,
		epoch:    s.epoch + 1,
		replaces: s.activeKey,
	}

	logrus.WithFields(logrus.Fields{
		"function": "PrepareRatchet",
		"peer_id":  peerID,
		"epoch":    s.pending.epoch,
	}).Debug("Pending ratchet installed")
	return s.pending.epoch, nil
}

// ApplyRatchet processes a ratchet initiated by the peer: it derives the
// identical next key from our active key and the received nonce and
// installs it directly as committed, since an authenticated control frame
// proves the initiator has already moved. The displaced key is retired
// with a grace period. Frames that do not advance the epoch are rejected
// with ErrStaleEpoch and change no state.
func (sm *SessionManager) ApplyRatchet(peerID string, nonce [32]byte, epoch uint64) error {
	s, err := sm.session(peerID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if epoch <= s.epoch {
		logrus.WithFields(logrus.Fields{
			"function":      "ApplyRatchet",
			"peer_id":       peerID,
			"frame_epoch":   epoch,
			"session_epoch": s.epoch,
		}).Warn("Ignoring ratchet frame with stale epoch")
		return fmt.Errorf("%w: frame epoch %d, session epoch %d", ErrStaleEpoch, epoch, s.epoch)
	}

	candidate, err := deriveKey(s.activeKey[:], nonce[:], hkdfInfoRatchet)
	if err != nil {
		return fmt.Errorf("failed to derive ratchet key: %w", err)
	}

	now := sm.time.Now()
	s.retired = append(s.retired, retiredKey{
		key:       s.activeKey,
		expiresAt: now.Add(sm.graceWindow()),
	})
	s.activeKey = candidate
	s.epoch = epoch
	s.lastRatchet = now
	s.messageCount = 0
	if s.pending != nil {
		ZeroBytes(s.pending.key[:])
		s.pending = nil
	}

	sm.persistSession(s)

	logrus.WithFields(logrus.Fields{
		"function": "ApplyRatchet",
		"peer_id":  peerID,
		"epoch":    epoch,
	}).Info("Peer ratchet applied")
	return nil
}

// HasSession reports whether a session exists for a peer.
func (sm *SessionManager) HasSession(peerID string) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	_, ok := sm.sessions[peerID]
	return ok
}

// SessionEpoch returns the committed epoch counter for a peer's session.
func (sm *SessionManager) SessionEpoch(peerID string) (uint64, error) {
	s, err := sm.session(peerID)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch, nil
}

// PeerPublicKey returns the cached public key for a peer, used for
// fingerprint and safety-number display. The cache is not secret.
func (sm *SessionManager) PeerPublicKey(peerID string) ([32]byte, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	key, ok := sm.peerKeys[peerID]
	return key, ok
}

// DestroySession wipes and removes a peer's session and its persisted key.
func (sm *SessionManager) DestroySession(peerID string) {
	sm.mu.Lock()
	s, ok := sm.sessions[peerID]
	if ok {
		delete(sm.sessions, peerID)
	}
	delete(sm.peerKeys, peerID)
	sm.mu.Unlock()

	if ok {
		s.mu.Lock()
		s.wipe()
		s.mu.Unlock()
	}
	if err := sm.store.Delete(sessionBlobPrefix + peerID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DestroySession",
			"peer_id":  peerID,
			"error":    err.Error(),
		}).Warn("Failed to delete persisted session")
	}
}

// DestroyAll wipes every session, for logout or identity reset.
func (sm *SessionManager) DestroyAll() {
	sm.mu.Lock()
	sessions := sm.sessions
	sm.sessions = make(map[string]*session)
	sm.peerKeys = make(map[string][32]byte)
	sm.mu.Unlock()

	for peerID, s := range sessions {
		s.mu.Lock()
		s.wipe()
		s.mu.Unlock()
		_ = sm.store.Delete(sessionBlobPrefix + peerID)
	}
	logrus.WithFields(logrus.Fields{
		"function": "DestroyAll",
		"count":    len(sessions),
	}).Info("All sessions destroyed")
}

// session looks up the session for a peer.
func (sm *SessionManager) session(peerID string) (*session, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s, ok := sm.sessions[peerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, peerID)
	}
	return s, nil
}

// deriveKey expands secret into a 32-byte key with HKDF-SHA256 bound to a
// context string.
func deriveKey(secret, salt []byte, info string) ([SessionKeySize]byte, error) {
	var key [SessionKeySize]byte
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("HKDF expansion failed: %w", err)
	}
	return key, nil
}
