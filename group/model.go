package group

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// MaxMembers caps group size; groups are full-mesh, so every member
	// pays N-1 connections.
	MaxMembers = 15

	// MaxMessagesPerGroup bounds the per-group message log; the oldest
	// messages are evicted beyond it.
	MaxMessagesPerGroup = 5000
)

// MessageType classifies group message content.
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeFile   MessageType = "file"
	MessageTypeImage  MessageType = "image"
	MessageTypeSystem MessageType = "system"
)

// DeliveryStatus tracks how far an outgoing message has progressed.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
)

// Member is one device participating in a group.
type Member struct {
	DeviceID    string    `json:"device_id"`
	DisplayName string    `json:"display_name"`
	PublicKey   string    `json:"public_key"` // X25519 public key, base64
	JoinedAt    time.Time `json:"joined_at"`
}

// Group is a small full-mesh conversation.
type Group struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	SelfDeviceID string    `json:"self_device_id"`
	Members      []Member  `json:"members"`
	CreatedAt    time.Time `json:"created_at"`
	CreatedBy    string    `json:"created_by"`
}

// MemberCount returns the number of members including ourselves.
func (g *Group) MemberCount() int {
	return len(g.Members)
}

// OtherMembers returns every member except our own device.
func (g *Group) OtherMembers() []Member {
	others := make([]Member, 0, len(g.Members))
	for _, m := range g.Members {
		if m.DeviceID != g.SelfDeviceID {
			others = append(others, m)
		}
	}
	return others
}

// FindMember returns the member with the given device id.
func (g *Group) FindMember(deviceID string) (Member, bool) {
	for _, m := range g.Members {
		if m.DeviceID == deviceID {
			return m, true
		}
	}
	return Member{}, false
}

// Message is one message within a group conversation. Its identity is the
// pair (AuthorDeviceID, SequenceNumber), globally unique per group.
type Message struct {
	GroupID        string            `json:"group_id"`
	AuthorDeviceID string            `json:"author_device_id"`
	SequenceNumber uint64            `json:"sequence_number"`
	Type           MessageType       `json:"type"`
	Content        string            `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	Status         DeliveryStatus    `json:"status,omitempty"`
	IsOutgoing     bool              `json:"is_outgoing,omitempty"`
}

// ID returns the deduplication key for this message.
func (m *Message) ID() string {
	return fmt.Sprintf("%s:%d", m.AuthorDeviceID, m.SequenceNumber)
}

// messagePayload is the encrypted body shared across clients. GroupID,
// Status and IsOutgoing are local state and never cross the wire.
type messagePayload struct {
	AuthorDeviceID string            `json:"author_device_id"`
	SequenceNumber *uint64           `json:"sequence_number"`
	Type           MessageType       `json:"type"`
	Content        *string           `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Timestamp      string            `json:"timestamp"`
}

// MarshalPayload serializes the message body for sender-key encryption.
func (m *Message) MarshalPayload() ([]byte, error) {
	seq := m.SequenceNumber
	content := m.Content
	payload := messagePayload{
		AuthorDeviceID: m.AuthorDeviceID,
		SequenceNumber: &seq,
		Type:           m.Type,
		Content:        &content,
		Metadata:       m.Metadata,
		Timestamp:      m.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message payload: %w", err)
	}
	return data, nil
}

// UnmarshalMessagePayload parses a decrypted message body, validating the
// schema: author, sequence number, content and timestamp are required, and
// sequence numbers start at 1.
func UnmarshalMessagePayload(raw []byte, groupID string) (*Message, error) {
	var payload messagePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("malformed message payload: %w", err)
	}

	if payload.AuthorDeviceID == "" {
		return nil, fmt.Errorf("message payload missing author_device_id")
	}
	if payload.SequenceNumber == nil {
		return nil, fmt.Errorf("message payload missing sequence_number")
	}
	if *payload.SequenceNumber < 1 {
		return nil, fmt.Errorf("invalid sequence number: %d", *payload.SequenceNumber)
	}
	if payload.Content == nil {
		return nil, fmt.Errorf("message payload missing content")
	}
	if payload.Timestamp == "" {
		return nil, fmt.Errorf("message payload missing timestamp")
	}

	ts, err := time.Parse(time.RFC3339Nano, payload.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("invalid message timestamp: %w", err)
	}

	msgType := payload.Type
	if msgType == "" {
		msgType = MessageTypeText
	}

	return &Message{
		GroupID:        groupID,
		AuthorDeviceID: payload.AuthorDeviceID,
		SequenceNumber: *payload.SequenceNumber,
		Type:           msgType,
		Content:        *payload.Content,
		Metadata:       payload.Metadata,
		Timestamp:      ts,
	}, nil
}

// Invitation is the payload that brings a new member into a group. It is
// sent exactly once, over an already-secured 1:1 channel, and carries the
// existing members' sender keys plus the fresh key assigned to the
// invitee.
type Invitation struct {
	Type       string   `json:"type"`
	GroupID    string   `json:"group_id"`
	GroupName  string   `json:"group_name"`
	CreatedBy  string   `json:"created_by"`
	CreatedAt  string   `json:"created_at"`
	Members    []Member `json:"members"`
	SenderKeys map[string]string `json:"sender_keys"` // device id -> base64 key
	// InviteeSenderKey is the fresh sender key generated for the invitee.
	InviteeSenderKey string `json:"invitee_sender_key"`
}

// InvitationType is the tagged-union discriminator for invitations.
const InvitationType = "group_invite"

// Encode serializes the invitation for transmission.
func (inv *Invitation) Encode() ([]byte, error) {
	inv.Type = InvitationType
	data, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("failed to encode invitation: %w", err)
	}
	return data, nil
}

// DecodeInvitation parses an invitation payload.
func DecodeInvitation(data []byte) (*Invitation, error) {
	var inv Invitation
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("malformed invitation: %w", err)
	}
	if inv.Type != InvitationType {
		return nil, fmt.Errorf("unexpected invitation type %q", inv.Type)
	}
	if inv.GroupID == "" || inv.InviteeSenderKey == "" {
		return nil, fmt.Errorf("invitation missing required fields")
	}
	return &inv, nil
}
