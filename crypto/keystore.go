package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// KeyStore is the opaque persistent byte store the crypto core writes its
// durable state into: the identity private key and per-peer session keys.
// The storage medium is a collaborator concern; implementations only need
// to provide durable named blobs.
type KeyStore interface {
	// Put stores a blob under a name, replacing any previous value.
	Put(name string, data []byte) error

	// Get retrieves a blob by name. Returns an error if it does not exist.
	Get(name string) ([]byte, error)

	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(name string) error
}

const (
	// PBKDF2Iterations is the iteration count for at-rest key derivation.
	PBKDF2Iterations = 100000
	// keyStoreVersion is the current on-disk encryption format version.
	keyStoreVersion = 1
	// saltSize is the size of the PBKDF2 salt.
	saltSize = 32
)

// EncryptedKeyStore is a KeyStore backed by files encrypted at rest with
// AES-256-GCM under a key derived from a master password. It provides
// defense in depth for key material even if the filesystem is compromised.
//
// File format: [version:2][nonce:12][ciphertext+tag:N].
type EncryptedKeyStore struct {
	encryptionKey [32]byte
	dataDir       string
	saltFile      string
}

// NewEncryptedKeyStore creates a key store rooted at dataDir. The master
// password is wiped before returning; callers must not reuse it.
func NewEncryptedKeyStore(dataDir string, masterPassword []byte) (*EncryptedKeyStore, error) {
	if len(masterPassword) == 0 {
		return nil, fmt.Errorf("master password cannot be empty")
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	ks := &EncryptedKeyStore{
		dataDir:  dataDir,
		saltFile: filepath.Join(dataDir, ".salt"),
	}

	salt, err := ks.loadOrGenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize salt: %w", err)
	}

	derivedKey := pbkdf2.Key(masterPassword, salt, PBKDF2Iterations, 32, sha256.New)
	copy(ks.encryptionKey[:], derivedKey)

	ZeroBytes(derivedKey)
	ZeroBytes(masterPassword)

	return ks, nil
}

// loadOrGenerateSalt loads the existing salt or generates a new one.
func (ks *EncryptedKeyStore) loadOrGenerateSalt() ([]byte, error) {
	salt := make([]byte, saltSize)

	data, err := os.ReadFile(ks.saltFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read salt file: %w", err)
		}

		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}

		if err := os.WriteFile(ks.saltFile, salt, 0o600); err != nil {
			return nil, fmt.Errorf("failed to save salt: %w", err)
		}

		return salt, nil
	}

	if len(data) != saltSize {
		return nil, fmt.Errorf("invalid salt file size: got %d, want %d", len(data), saltSize)
	}

	copy(salt, data)
	return salt, nil
}

// Put encrypts and writes a blob atomically (temporary file plus rename).
func (ks *EncryptedKeyStore) Put(name string, data []byte) error {
	block, err := aes.NewCipher(ks.encryptionKey[:])
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, data, nil)

	output := make([]byte, 2+len(nonce)+len(ciphertext))
	binary.BigEndian.PutUint16(output[0:2], keyStoreVersion)
	copy(output[2:2+len(nonce)], nonce)
	copy(output[2+len(nonce):], ciphertext)

	tmpFile := filepath.Join(ks.dataDir, name+".tmp")
	finalFile := filepath.Join(ks.dataDir, name)

	if err := os.WriteFile(tmpFile, output, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	if err := os.Rename(tmpFile, finalFile); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename file: %w", err)
	}

	return nil
}

// Get reads and decrypts a blob. Returns an error if the file is missing,
// corrupted, or fails authentication.
func (ks *EncryptedKeyStore) Get(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(ks.dataDir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	// version + minimum GCM nonce + tag
	if len(data) < 2+12+16 {
		return nil, fmt.Errorf("file too short: %d bytes", len(data))
	}

	version := binary.BigEndian.Uint16(data[0:2])
	if version != keyStoreVersion {
		return nil, fmt.Errorf("unsupported key store version: %d (expected %d)", version, keyStoreVersion)
	}

	block, err := aes.NewCipher(ks.encryptionKey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < 2+nonceSize {
		return nil, fmt.Errorf("file too short for nonce: %d bytes", len(data))
	}

	nonce := data[2 : 2+nonceSize]
	ciphertext := data[2+nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("key store decryption failed (wrong password or corrupted data): %w", err)
	}

	return plaintext, nil
}

// Delete removes a blob, best-effort overwriting it with zeros first.
func (ks *EncryptedKeyStore) Delete(name string) error {
	filePath := filepath.Join(ks.dataDir, name)

	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat file: %w", err)
	}

	zeros := make([]byte, info.Size())
	if err := os.WriteFile(filePath, zeros, 0o600); err != nil {
		return os.Remove(filePath)
	}

	return os.Remove(filePath)
}

// Close securely wipes the at-rest encryption key from memory. The store
// must not be used afterwards.
func (ks *EncryptedKeyStore) Close() error {
	ZeroBytes(ks.encryptionKey[:])
	return nil
}

// MemoryKeyStore is a volatile KeyStore used in tests and as the backing
// store for the degraded in-memory identity mode.
type MemoryKeyStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryKeyStore creates an empty in-memory key store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{blobs: make(map[string][]byte)}
}

// Put stores a copy of the blob.
func (m *MemoryKeyStore) Put(name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	blob := make([]byte, len(data))
	copy(blob, data)
	m.blobs[name] = blob
	return nil
}

// Get returns a copy of the stored blob.
func (m *MemoryKeyStore) Get(name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.blobs[name]
	if !ok {
		return nil, fmt.Errorf("no blob stored under %q", name)
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

// Delete removes a blob, wiping its contents.
func (m *MemoryKeyStore) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if blob, ok := m.blobs[name]; ok {
		ZeroBytes(blob)
		delete(m.blobs, name)
	}
	return nil
}
