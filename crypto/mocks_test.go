package crypto

import (
	"errors"
	"sync"
	"time"
)

// mockTimeProvider is a controllable clock for grace-period and ratchet
// interval tests.
type mockTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

func newMockTime() *mockTimeProvider {
	return &mockTimeProvider{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// failingKeyStore rejects every operation, for degraded-mode tests.
type failingKeyStore struct{}

func (failingKeyStore) Put(string, []byte) error   { return errors.New("store unavailable") }
func (failingKeyStore) Get(string) ([]byte, error) { return nil, errors.New("store unavailable") }
func (failingKeyStore) Delete(string) error        { return errors.New("store unavailable") }
