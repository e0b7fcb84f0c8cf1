package group

import (
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/zajel-p2p/zajel-go/crypto"
)

// SenderKeySize is the size of a group sender key.
const SenderKeySize = 32

// SenderKeyStore holds the symmetric sender keys for all groups, keyed by
// (group id, member device id). A member's key encrypts everything that
// member sends to the group; decrypting a message authored by X always
// uses X's stored key.
//
// Keys are independent random values, never derived from one another, so
// compromising one member's key exposes nothing about the others'.
type SenderKeyStore struct {
	mu   sync.RWMutex
	keys map[string]map[string][]byte
}

// NewSenderKeyStore creates an empty sender key store.
func NewSenderKeyStore() *SenderKeyStore {
	return &SenderKeyStore{keys: make(map[string]map[string][]byte)}
}

// GenerateSenderKey creates a fresh random 32-byte sender key.
func GenerateSenderKey() ([]byte, error) {
	key := make([]byte, SenderKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate sender key: %w", err)
	}
	return key, nil
}

// SetSenderKey stores a member's sender key for a group.
func (s *SenderKeyStore) SetSenderKey(groupID, deviceID string, key []byte) error {
	if len(key) != SenderKeySize {
		return fmt.Errorf("invalid sender key length: expected %d, got %d", SenderKeySize, len(key))
	}

	stored := make([]byte, SenderKeySize)
	copy(stored, key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys[groupID] == nil {
		s.keys[groupID] = make(map[string][]byte)
	}
	if old, ok := s.keys[groupID][deviceID]; ok {
		crypto.ZeroBytes(old)
	}
	s.keys[groupID][deviceID] = stored
	return nil
}

// SenderKey returns a copy of a member's sender key.
func (s *SenderKeyStore) SenderKey(groupID, deviceID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[groupID][deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s in group %s", ErrNoSenderKey, deviceID, groupID)
	}
	out := make([]byte, SenderKeySize)
	copy(out, key)
	return out, nil
}

// HasSenderKey reports whether a key is stored for a member.
func (s *SenderKeyStore) HasSenderKey(groupID, deviceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[groupID][deviceID]
	return ok
}

// RemoveSenderKey wipes and removes a member's key. After removing a
// departed member, the remaining members must each generate and
// redistribute fresh sender keys; until that rotation completes the
// departed member can still read new ciphertext. That obligation sits
// with the caller, not here.
func (s *SenderKeyStore) RemoveSenderKey(groupID, deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.keys[groupID][deviceID]; ok {
		crypto.ZeroBytes(key)
		delete(s.keys[groupID], deviceID)
	}
}

// ClearGroup wipes and removes every key for a group.
func (s *SenderKeyStore) ClearGroup(groupID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.keys[groupID] {
		crypto.ZeroBytes(key)
	}
	delete(s.keys, groupID)

	logrus.WithFields(logrus.Fields{
		"function": "ClearGroup",
		"group_id": groupID,
	}).Debug("Sender keys cleared for group")
}

// Encrypt encrypts plaintext under the named member's sender key,
// producing nonce(12) || ciphertext || tag(16).
func (s *SenderKeyStore) Encrypt(plaintext []byte, groupID, memberID string) ([]byte, error) {
	key, err := s.SenderKey(groupID, memberID)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(key)
	return crypto.EncryptSymmetric(key, plaintext)
}

// Decrypt authenticates and decrypts a message under the named member's
// sender key. The member id selects the key, so a message authored by X
// only ever decrypts under X's key.
func (s *SenderKeyStore) Decrypt(wire []byte, groupID, memberID string) ([]byte, error) {
	key, err := s.SenderKey(groupID, memberID)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(key)
	return crypto.DecryptSymmetric(key, wire)
}

// RotateOwnKey generates a fresh sender key for our own device in a group
// and installs it, returning the new key for redistribution to the
// remaining members. Called after removing a member.
func (s *SenderKeyStore) RotateOwnKey(groupID, selfDeviceID string) ([]byte, error) {
	key, err := GenerateSenderKey()
	if err != nil {
		return nil, err
	}
	if err := s.SetSenderKey(groupID, selfDeviceID, key); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "RotateOwnKey",
		"group_id": groupID,
	}).Info("Own sender key rotated; redistribute to remaining members")
	return key, nil
}
