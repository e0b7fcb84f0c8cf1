package transport

import "errors"

// ConnectionState represents the state of one peer connection.
type ConnectionState uint8

const (
	// StateDisconnected means no connection exists or it was torn down.
	StateDisconnected ConnectionState = iota
	// StateConnecting means a connection attempt is in progress.
	StateConnecting
	// StateConnected means the connection is established and usable.
	StateConnected
	// StateFailed means the connection attempt or connection failed.
	StateFailed
)

// String returns the lowercase name of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned by SendData when the target peer connection
// is not in the connected state.
var ErrNotConnected = errors.New("peer not connected")

// StateEvent announces a connection-state change for a peer.
type StateEvent struct {
	PeerID string
	State  ConnectionState
}

// DataEvent carries an inbound payload from a peer.
type DataEvent struct {
	PeerID string
	Data   []byte
}

// P2PConnectionAdapter is the interface the transport collaborator
// provides. Connection identifiers are opaque to the adapter; group
// traffic namespaces them (see group.ConnectionID) to disambiguate from
// 1:1 peer identifiers sharing the same adapter.
//
// Event delivery is at-least-once; consumers must be idempotent because
// events can be redelivered after reconnects.
type P2PConnectionAdapter interface {
	// ConnectToPeer starts a connection attempt to a peer. The result is
	// reported through the state event stream, not the return value.
	ConnectToPeer(peerID string) error

	// DisconnectPeer tears down a peer connection.
	DisconnectPeer(peerID string) error

	// ConnectionState returns the current state for a peer.
	ConnectionState(peerID string) ConnectionState

	// SendData sends a payload to a connected peer. Returns
	// ErrNotConnected if the peer is not connected.
	SendData(peerID string, data []byte) error

	// StateEvents is the stream of connection-state changes.
	StateEvents() <-chan StateEvent

	// DataEvents is the stream of inbound payloads.
	DataEvents() <-chan DataEvent
}
