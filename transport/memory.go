package transport

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// MemoryHub links MemoryAdapters in one process so that tests and local
// simulations can exercise the full connection lifecycle without a
// network. Connections established through the hub complete immediately.
type MemoryHub struct {
	mu       sync.RWMutex
	adapters map[string]*MemoryAdapter
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{adapters: make(map[string]*MemoryAdapter)}
}

// Adapter creates and registers an adapter for a local identity. Payloads
// sent to a connection id are delivered to the adapter registered under
// that id.
func (h *MemoryHub) Adapter(localID string) *MemoryAdapter {
	h.mu.Lock()
	defer h.mu.Unlock()

	a := &MemoryAdapter{
		localID:     localID,
		hub:         h,
		states:      make(map[string]ConnectionState),
		stateEvents: make(chan StateEvent, 64),
		dataEvents:  make(chan DataEvent, 256),
	}
	h.adapters[localID] = a
	return a
}

// lookup finds a registered adapter by id.
func (h *MemoryHub) lookup(id string) (*MemoryAdapter, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	a, ok := h.adapters[id]
	return a, ok
}

// MemoryAdapter is an in-process P2PConnectionAdapter. It mirrors the
// semantics of the production WebRTC adapter closely enough for the mesh
// state machine: connections transition through connecting to connected
// (or failed when the remote side is unknown), and sends to anything but a
// connected peer fail.
type MemoryAdapter struct {
	localID string
	hub     *MemoryHub

	mu          sync.Mutex
	states      map[string]ConnectionState
	stateEvents chan StateEvent
	dataEvents  chan DataEvent
}

// LocalID returns the identity this adapter is registered under.
func (a *MemoryAdapter) LocalID() string { return a.localID }

// ConnectToPeer transitions the peer through connecting to connected when
// the peer's adapter is registered with the hub, or to failed otherwise.
func (a *MemoryAdapter) ConnectToPeer(peerID string) error {
	a.setState(peerID, StateConnecting)

	if _, ok := a.hub.lookup(peerID); !ok {
		a.setState(peerID, StateFailed)
		return nil
	}

	a.setState(peerID, StateConnected)
	return nil
}

// DisconnectPeer tears down the connection to a peer.
func (a *MemoryAdapter) DisconnectPeer(peerID string) error {
	a.setState(peerID, StateDisconnected)
	return nil
}

// ConnectionState returns the tracked state for a peer.
func (a *MemoryAdapter) ConnectionState(peerID string) ConnectionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.states[peerID]
}

// SendData delivers a payload to the peer's adapter, tagged with our local
// id as the sender.
func (a *MemoryAdapter) SendData(peerID string, data []byte) error {
	a.mu.Lock()
	state := a.states[peerID]
	a.mu.Unlock()
	if state != StateConnected {
		return fmt.Errorf("%w: %s is %s", ErrNotConnected, peerID, state)
	}

	remote, ok := a.hub.lookup(peerID)
	if !ok {
		return fmt.Errorf("%w: %s left the hub", ErrNotConnected, peerID)
	}

	payload := make([]byte, len(data))
	copy(payload, data)
	select {
	case remote.dataEvents <- DataEvent{PeerID: a.localID, Data: payload}:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "SendData",
			"local_id": a.localID,
			"peer_id":  peerID,
		}).Warn("Dropping payload: receiver event queue full")
	}
	return nil
}

// StateEvents returns the connection-state event stream.
func (a *MemoryAdapter) StateEvents() <-chan StateEvent { return a.stateEvents }

// DataEvents returns the inbound payload stream.
func (a *MemoryAdapter) DataEvents() <-chan DataEvent { return a.dataEvents }

// FailPeer forces a peer into the failed state, simulating a dropped
// connection.
func (a *MemoryAdapter) FailPeer(peerID string) {
	a.setState(peerID, StateFailed)
}

// setState records a state and emits a state event. Events are only
// emitted on actual changes.
func (a *MemoryAdapter) setState(peerID string, state ConnectionState) {
	a.mu.Lock()
	old := a.states[peerID]
	if old == state {
		a.mu.Unlock()
		return
	}
	a.states[peerID] = state
	a.mu.Unlock()

	select {
	case a.stateEvents <- StateEvent{PeerID: peerID, State: state}:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "setState",
			"local_id": a.localID,
			"peer_id":  peerID,
			"state":    state.String(),
		}).Warn("Dropping state event: queue full")
	}
}
