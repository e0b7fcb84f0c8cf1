package group

import (
	"sync"

	"github.com/zajel-p2p/zajel-go/transport"
)

// mockAdapter is a scripted P2PConnectionAdapter for mesh and service
// tests: connect calls are recorded, state transitions are driven by the
// test, and sends are captured per connection id.
type mockAdapter struct {
	mu           sync.Mutex
	states       map[string]transport.ConnectionState
	connectCalls []string
	sends        map[string][][]byte

	stateEvents chan transport.StateEvent
	dataEvents  chan transport.DataEvent
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{
		states:      make(map[string]transport.ConnectionState),
		sends:       make(map[string][][]byte),
		stateEvents: make(chan transport.StateEvent, 64),
		dataEvents:  make(chan transport.DataEvent, 64),
	}
}

func (a *mockAdapter) ConnectToPeer(peerID string) error {
	a.mu.Lock()
	a.connectCalls = append(a.connectCalls, peerID)
	a.states[peerID] = transport.StateConnecting
	a.mu.Unlock()
	return nil
}

func (a *mockAdapter) DisconnectPeer(peerID string) error {
	a.mu.Lock()
	a.states[peerID] = transport.StateDisconnected
	a.mu.Unlock()
	return nil
}

func (a *mockAdapter) ConnectionState(peerID string) transport.ConnectionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.states[peerID]
}

func (a *mockAdapter) SendData(peerID string, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.states[peerID] != transport.StateConnected {
		return transport.ErrNotConnected
	}
	payload := make([]byte, len(data))
	copy(payload, data)
	a.sends[peerID] = append(a.sends[peerID], payload)
	return nil
}

func (a *mockAdapter) StateEvents() <-chan transport.StateEvent { return a.stateEvents }
func (a *mockAdapter) DataEvents() <-chan transport.DataEvent   { return a.dataEvents }

// emitState marks a connection state and pushes the event, as the real
// adapter would after an asynchronous transition.
func (a *mockAdapter) emitState(peerID string, state transport.ConnectionState) {
	a.mu.Lock()
	a.states[peerID] = state
	a.mu.Unlock()
	a.stateEvents <- transport.StateEvent{PeerID: peerID, State: state}
}

// emitData pushes an inbound payload event.
func (a *mockAdapter) emitData(peerID string, data []byte) {
	a.dataEvents <- transport.DataEvent{PeerID: peerID, Data: data}
}

func (a *mockAdapter) connectCallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.connectCalls)
}

func (a *mockAdapter) dialed(peerID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range a.connectCalls {
		if id == peerID {
			return true
		}
	}
	return false
}

func (a *mockAdapter) connectCallsSnapshot() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.connectCalls...)
}

func (a *mockAdapter) sentTo(peerID string) [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]byte(nil), a.sends[peerID]...)
}
