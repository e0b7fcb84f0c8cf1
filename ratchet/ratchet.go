package ratchet

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zajel-p2p/zajel-go/crypto"
)

// Config controls when ratchets are initiated.
type Config struct {
	// MessageThreshold is the number of sent messages after which a
	// ratchet is initiated.
	MessageThreshold uint64
	// TimeThreshold is the maximum session key age before a ratchet is
	// initiated regardless of message count.
	TimeThreshold time.Duration
}

// DefaultConfig returns the standard thresholds: ratchet every 100
// messages or every 30 minutes, whichever comes first.
func DefaultConfig() Config {
	return Config{
		MessageThreshold: 100,
		TimeThreshold:    30 * time.Minute,
	}
}

// peerState tracks ratchet scheduling for one peer. count and lastRatchet
// are mutated only under mu.
type peerState struct {
	mu          sync.Mutex
	count       uint64
	lastRatchet time.Time
}

// Manager decides when each peer's session should ratchet forward and
// processes inbound ratchet control frames. It mutates session state only
// through the SessionManager, which serializes against concurrent
// encrypts for the same peer.
type Manager struct {
	mu     sync.RWMutex
	peers  map[string]*peerState
	config Config

	sessions *crypto.SessionManager
	time     crypto.TimeProvider
}

// NewManager creates a ratchet manager over the given session manager.
func NewManager(sessions *crypto.SessionManager, config Config) *Manager {
	return NewManagerWithTimeProvider(sessions, config, nil)
}

// NewManagerWithTimeProvider creates a ratchet manager with a custom time
// provider for deterministic threshold tests.
func NewManagerWithTimeProvider(sessions *crypto.SessionManager, config Config, tp crypto.TimeProvider) *Manager {
	if config.MessageThreshold == 0 {
		config.MessageThreshold = DefaultConfig().MessageThreshold
	}
	if config.TimeThreshold == 0 {
		config.TimeThreshold = DefaultConfig().TimeThreshold
	}
	m := &Manager{
		peers:    make(map[string]*peerState),
		config:   config,
		sessions: sessions,
		time:     tp,
	}
	if m.time == nil {
		m.time = realTime{}
	}
	return m
}

type realTime struct{}

func (realTime) Now() time.Time { return time.Now() }

// OnMessageSent records an outgoing message for a peer. When the message
// or time threshold is reached it initiates a ratchet and returns the
// encoded control frame that must be delivered to the peer; otherwise it
// returns nil.
func (m *Manager) OnMessageSent(peerID string) ([]byte, error) {
	ps := m.peer(peerID)

	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := m.time.Now()
	if ps.lastRatchet.IsZero() {
		ps.lastRatchet = now
	}
	ps.count++

	if ps.count < m.config.MessageThreshold && now.Sub(ps.lastRatchet) < m.config.TimeThreshold {
		return nil, nil
	}

	frame, err := m.initiateLocked(peerID, ps, now)
	if err != nil {
		return nil, err
	}
	return frame, nil
}

// initiateLocked starts a ratchet for a peer: random nonce, pending key
// install, counter reset. Caller holds ps.mu.
func (m *Manager) initiateLocked(peerID string, ps *peerState, now time.Time) ([]byte, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate ratchet nonce: %w", err)
	}

	epoch, err := m.sessions.PrepareRatchet(peerID, nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare ratchet for %s: %w", peerID, err)
	}

	ps.count = 0
	ps.lastRatchet = now

	frame, err := NewControlFrame(nonce, epoch).Encode()
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "initiateLocked",
		"peer_id":  peerID,
		"epoch":    epoch,
	}).Info("Ratchet initiated")
	return frame, nil
}

// ForceRatchet initiates a ratchet immediately, regardless of thresholds.
// Used when a key is suspected compromised.
func (m *Manager) ForceRatchet(peerID string) ([]byte, error) {
	ps := m.peer(peerID)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return m.initiateLocked(peerID, ps, m.time.Now())
}

// OnRatchetReceived processes an inbound ratchet control frame from a
// peer: it derives the same next key and commits it, then resets the local
// scheduling counters. Frames with an unknown version are logged and
// ignored without error, as are frames with stale epochs (duplicates of
// already-applied ratchets).
func (m *Manager) OnRatchetReceived(peerID string, data []byte) error {
	frame, err := DecodeControlFrame(data)
	if err != nil {
		if errors.Is(err, ErrUnknownVersion) {
			logrus.WithFields(logrus.Fields{
				"function": "OnRatchetReceived",
				"peer_id":  peerID,
				"version":  frame.Version,
			}).Warn("Ignoring ratchet frame with unknown version")
			return nil
		}
		return err
	}

	nonce, err := frame.DecodeNonce()
	if err != nil {
		return err
	}

	if err := m.sessions.ApplyRatchet(peerID, nonce, frame.Epoch); err != nil {
		if errors.Is(err, crypto.ErrStaleEpoch) {
			return nil
		}
		return err
	}

	ps := m.peer(peerID)
	ps.mu.Lock()
	ps.count = 0
	ps.lastRatchet = m.time.Now()
	ps.mu.Unlock()

	return nil
}

// Forget drops the scheduling state for a peer, for session teardown.
func (m *Manager) Forget(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, peerID)
}

// MessageCount returns the current outgoing-message count for a peer.
func (m *Manager) MessageCount(peerID string) uint64 {
	ps := m.peer(peerID)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.count
}

// peer returns the scheduling state for a peer, creating it on first use.
func (m *Manager) peer(peerID string) *peerState {
	m.mu.RLock()
	ps, ok := m.peers[peerID]
	m.mu.RUnlock()
	if ok {
		return ps
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ps, ok = m.peers[peerID]; ok {
		return ps
	}
	ps = &peerState{}
	m.peers[peerID] = ps
	return ps
}
