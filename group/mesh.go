package group

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zajel-p2p/zajel-go/transport"
)

// connectionIDPrefix namespaces group connections on the shared adapter,
// disambiguating them from 1:1 peer identifiers.
const connectionIDPrefix = "group:"

// ConnectionID builds the adapter connection identifier for a group
// member: "group:<groupID>:<deviceID>".
func ConnectionID(groupID, deviceID string) string {
	return connectionIDPrefix + groupID + ":" + deviceID
}

// ParseConnectionID splits a namespaced group connection identifier.
// Returns ok=false for identifiers outside the group namespace.
func ParseConnectionID(id string) (groupID, deviceID string, ok bool) {
	if !strings.HasPrefix(id, connectionIDPrefix) {
		return "", "", false
	}
	rest := id[len(connectionIDPrefix):]
	sep := strings.LastIndex(rest, ":")
	if sep <= 0 || sep == len(rest)-1 {
		return "", "", false
	}
	return rest[:sep], rest[sep+1:], true
}

// MemberConnection tracks the connection to one group member.
type MemberConnection struct {
	DeviceID    string
	DisplayName string
	State       transport.ConnectionState
	LastChange  time.Time
}

// MemberStateEvent announces a member connection-state change to mesh
// subscribers. Delivery is at-least-once; consumers must be idempotent.
type MemberStateEvent struct {
	GroupID  string
	DeviceID string
	State    transport.ConnectionState
}

// DataHandler receives decoded group payload bytes from a member
// connection.
type DataHandler func(groupID, fromDevice string, data []byte)

// Mesh fans logical groups out to N-1 physical peer connections through
// the transport adapter. Member-connection state is driven exclusively by
// the adapter's event stream; the mesh itself only issues connect and
// disconnect requests. Each group's connection map has its own lock, so
// groups operate independently.
type Mesh struct {
	mu     sync.RWMutex
	groups map[string]*meshGroup

	adapter     transport.P2PConnectionAdapter
	events      chan MemberStateEvent
	dataHandler DataHandler
}

// meshGroup is the per-group connection map and its lock.
type meshGroup struct {
	mu      sync.Mutex
	members map[string]*MemberConnection
}

// NewMesh creates a mesh over the given adapter.
func NewMesh(adapter transport.P2PConnectionAdapter) *Mesh {
	return &Mesh{
		groups:  make(map[string]*meshGroup),
		adapter: adapter,
		events:  make(chan MemberStateEvent, 64),
	}
}

// SetDataHandler installs the handler for inbound group payloads. Must be
// called before Run.
func (m *Mesh) SetDataHandler(h DataHandler) {
	m.dataHandler = h
}

// Events is the stream of member connection-state changes.
func (m *Mesh) Events() <-chan MemberStateEvent {
	return m.events
}

// Run consumes the adapter's event streams until the context is canceled.
// It is the only goroutine that mutates member-connection states.
func (m *Mesh) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.adapter.StateEvents():
			if !ok {
				return
			}
			m.handleStateEvent(ev)
		case ev, ok := <-m.adapter.DataEvents():
			if !ok {
				return
			}
			m.handleDataEvent(ev)
		}
	}
}

// handleStateEvent applies an adapter state change to the tracked member
// connection, deduplicating no-op transitions.
func (m *Mesh) handleStateEvent(ev transport.StateEvent) {
	groupID, deviceID, ok := ParseConnectionID(ev.PeerID)
	if !ok {
		return // 1:1 connection, not ours
	}

	mg := m.group(groupID)
	if mg == nil {
		return
	}

	mg.mu.Lock()
	conn, tracked := mg.members[deviceID]
	if !tracked || conn.State == ev.State {
		mg.mu.Unlock()
		return
	}
	conn.State = ev.State
	conn.LastChange = time.Now()
	mg.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "handleStateEvent",
		"group_id":  groupID,
		"device_id": deviceID,
		"state":     ev.State.String(),
	}).Debug("Member connection state changed")

	select {
	case m.events <- MemberStateEvent{GroupID: groupID, DeviceID: deviceID, State: ev.State}:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "handleStateEvent",
			"group_id": groupID,
		}).Warn("Dropping member state event: subscriber queue full")
	}
}

// handleDataEvent routes a group payload to the data handler.
func (m *Mesh) handleDataEvent(ev transport.DataEvent) {
	groupID, deviceID, ok := ParseConnectionID(ev.PeerID)
	if !ok {
		return
	}
	if m.dataHandler != nil {
		m.dataHandler(groupID, deviceID, ev.Data)
	}
}

// ActivateGroup seeds a MemberConnection for every other member and
// issues one connection attempt per member through the adapter. The
// attempts run concurrently so that setup latency is not additive, and a
// failure in one never aborts its siblings.
func (m *Mesh) ActivateGroup(g *Group) {
	mg := &meshGroup{members: make(map[string]*MemberConnection)}
	now := time.Now()

	others := g.OtherMembers()
	for _, member := range others {
		mg.members[member.DeviceID] = &MemberConnection{
			DeviceID:    member.DeviceID,
			DisplayName: member.DisplayName,
			State:       transport.StateDisconnected,
			LastChange:  now,
		}
	}

	m.mu.Lock()
	m.groups[g.ID] = mg
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "ActivateGroup",
		"group_id":     g.ID,
		"member_count": len(others),
	}).Info("Activating group mesh")

	for _, member := range others {
		go m.connectMember(g.ID, member.DeviceID)
	}
}

// connectMember issues one connection attempt. Errors surface through the
// adapter's state stream as failed transitions, so they are only logged
// here.
func (m *Mesh) connectMember(groupID, deviceID string) {
	if err := m.adapter.ConnectToPeer(ConnectionID(groupID, deviceID)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "connectMember",
			"group_id":  groupID,
			"device_id": deviceID,
			"error":     err.Error(),
		}).Warn("Connection attempt failed")
	}
}

// DeactivateGroup disconnects every tracked member and clears the group's
// connection state.
func (m *Mesh) DeactivateGroup(groupID string) {
	m.mu.Lock()
	mg, ok := m.groups[groupID]
	if ok {
		delete(m.groups, groupID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	mg.mu.Lock()
	deviceIDs := make([]string, 0, len(mg.members))
	for deviceID := range mg.members {
		deviceIDs = append(deviceIDs, deviceID)
	}
	mg.members = make(map[string]*MemberConnection)
	mg.mu.Unlock()

	for _, deviceID := range deviceIDs {
		if err := m.adapter.DisconnectPeer(ConnectionID(groupID, deviceID)); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "DeactivateGroup",
				"group_id":  groupID,
				"device_id": deviceID,
				"error":     err.Error(),
			}).Warn("Disconnect failed during deactivation")
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "DeactivateGroup",
		"group_id": groupID,
	}).Info("Group mesh deactivated")
}

// HandleMemberJoined adds a single member connection to an active group
// and starts its connection attempt, leaving the other connections
// untouched.
func (m *Mesh) HandleMemberJoined(groupID string, member Member) {
	mg := m.group(groupID)
	if mg == nil {
		return
	}

	mg.mu.Lock()
	if _, exists := mg.members[member.DeviceID]; exists {
		mg.mu.Unlock()
		return
	}
	mg.members[member.DeviceID] = &MemberConnection{
		DeviceID:    member.DeviceID,
		DisplayName: member.DisplayName,
		State:       transport.StateDisconnected,
		LastChange:  time.Now(),
	}
	mg.mu.Unlock()

	go m.connectMember(groupID, member.DeviceID)
}

// HandleMemberLeft removes a single member connection, disconnecting it,
// without touching the others.
func (m *Mesh) HandleMemberLeft(groupID, deviceID string) {
	mg := m.group(groupID)
	if mg == nil {
		return
	}

	mg.mu.Lock()
	_, tracked := mg.members[deviceID]
	delete(mg.members, deviceID)
	mg.mu.Unlock()
	if !tracked {
		return
	}

	if err := m.adapter.DisconnectPeer(ConnectionID(groupID, deviceID)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "HandleMemberLeft",
			"group_id":  groupID,
			"device_id": deviceID,
			"error":     err.Error(),
		}).Warn("Disconnect failed for departed member")
	}
}

// BroadcastToGroup sends a payload to every member currently connected,
// skipping members still connecting or failed, and returns the count
// actually sent. Callers compare the count against the member total to
// detect partial delivery.
func (m *Mesh) BroadcastToGroup(groupID string, data []byte) int {
	mg := m.group(groupID)
	if mg == nil {
		return 0
	}

	mg.mu.Lock()
	connected := make([]string, 0, len(mg.members))
	for deviceID, conn := range mg.members {
		if conn.State == transport.StateConnected {
			connected = append(connected, deviceID)
		}
	}
	mg.mu.Unlock()

	sent := 0
	for _, deviceID := range connected {
		if err := m.adapter.SendData(ConnectionID(groupID, deviceID), data); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "BroadcastToGroup",
				"group_id":  groupID,
				"device_id": deviceID,
				"error":     err.Error(),
			}).Warn("Broadcast send failed for member")
			continue
		}
		sent++
	}

	logrus.WithFields(logrus.Fields{
		"function": "BroadcastToGroup",
		"group_id": groupID,
		"sent":     sent,
		"tracked":  len(connected),
	}).Debug("Group broadcast complete")
	return sent
}

// SendToMember sends a payload to one member of a group.
func (m *Mesh) SendToMember(groupID, deviceID string, data []byte) error {
	mg := m.group(groupID)
	if mg == nil {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}

	mg.mu.Lock()
	conn, tracked := mg.members[deviceID]
	state := transport.StateDisconnected
	if tracked {
		state = conn.State
	}
	mg.mu.Unlock()

	if !tracked {
		return fmt.Errorf("%w: %s", ErrMemberNotFound, deviceID)
	}
	if state != transport.StateConnected {
		return fmt.Errorf("%w: %s is %s", transport.ErrNotConnected, deviceID, state)
	}
	return m.adapter.SendData(ConnectionID(groupID, deviceID), data)
}

// MemberState returns the tracked connection state for a member.
func (m *Mesh) MemberState(groupID, deviceID string) (transport.ConnectionState, bool) {
	mg := m.group(groupID)
	if mg == nil {
		return transport.StateDisconnected, false
	}
	mg.mu.Lock()
	defer mg.mu.Unlock()
	conn, ok := mg.members[deviceID]
	if !ok {
		return transport.StateDisconnected, false
	}
	return conn.State, true
}

// Connections returns a snapshot of a group's member connections.
func (m *Mesh) Connections(groupID string) []MemberConnection {
	mg := m.group(groupID)
	if mg == nil {
		return nil
	}
	mg.mu.Lock()
	defer mg.mu.Unlock()
	out := make([]MemberConnection, 0, len(mg.members))
	for _, conn := range mg.members {
		out = append(out, *conn)
	}
	return out
}

// group returns the tracked state for a group, or nil when inactive.
func (m *Mesh) group(groupID string) *meshGroup {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.groups[groupID]
}
