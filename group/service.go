package group

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/zajel-p2p/zajel-go/crypto"
	"github.com/zajel-p2p/zajel-go/transport"
)

// Service orchestrates group lifecycle, membership and messaging: it owns
// the wiring between the store, the sender-key store, the sync engine and
// the connection mesh. Invitations leave through the caller's secured 1:1
// channel; everything after that flows through the mesh.
type Service struct {
	selfDeviceID string
	selfName     string
	selfPubKey   string

	store Store
	keys  *SenderKeyStore
	sync  *Sync
	mesh  *Mesh

	time crypto.TimeProvider
}

// NewService creates a group service for the local device. selfPubKey is
// the device's X25519 public key, base64 encoded, as shared in member
// rosters.
func NewService(selfDeviceID, selfName, selfPubKey string, store Store, keys *SenderKeyStore, mesh *Mesh) *Service {
	svc := &Service{
		selfDeviceID: selfDeviceID,
		selfName:     selfName,
		selfPubKey:   selfPubKey,
		store:        store,
		keys:         keys,
		sync:         NewSync(store),
		mesh:         mesh,
	}
	mesh.SetDataHandler(svc.handleGroupData)
	return svc
}

// SetTimeProvider overrides the clock, for tests.
func (svc *Service) SetTimeProvider(tp crypto.TimeProvider) {
	svc.time = tp
}

func (svc *Service) now() time.Time {
	if svc.time != nil {
		return svc.time.Now()
	}
	return time.Now()
}

// CreateGroup creates a new group containing only ourselves, generates our
// sender key for it and activates its (initially empty) mesh.
func (svc *Service) CreateGroup(name string) (*Group, error) {
	g := &Group{
		ID:           uuid.NewString(),
		Name:         name,
		SelfDeviceID: svc.selfDeviceID,
		Members: []Member{{
			DeviceID:    svc.selfDeviceID,
			DisplayName: svc.selfName,
			PublicKey:   svc.selfPubKey,
			JoinedAt:    svc.now(),
		}},
		CreatedAt: svc.now(),
		CreatedBy: svc.selfDeviceID,
	}

	key, err := GenerateSenderKey()
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(key)
	if err := svc.keys.SetSenderKey(g.ID, svc.selfDeviceID, key); err != nil {
		return nil, err
	}
	if err := svc.store.SaveGroup(g); err != nil {
		return nil, fmt.Errorf("failed to save group: %w", err)
	}
	svc.mesh.ActivateGroup(g)

	logrus.WithFields(logrus.Fields{
		"function": "CreateGroup",
		"group_id": g.ID,
		"name":     name,
	}).Info("Group created")
	return g, nil
}

// Invite adds a member to a group and returns the invitation payload to
// send them over the secured 1:1 channel. The invitation carries the full
// roster, every existing member's sender key, and a fresh sender key
// generated for the invitee.
func (svc *Service) Invite(groupID string, invitee Member) (*Invitation, error) {
	g, err := svc.store.Group(groupID)
	if err != nil {
		return nil, err
	}
	if g.MemberCount() >= MaxMembers {
		return nil, fmt.Errorf("%w: %d members", ErrGroupFull, g.MemberCount())
	}
	if _, exists := g.FindMember(invitee.DeviceID); exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateMember, invitee.DeviceID)
	}

	inviteeKey, err := GenerateSenderKey()
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(inviteeKey)

	senderKeys := make(map[string]string, g.MemberCount())
	for _, m := range g.Members {
		key, err := svc.keys.SenderKey(groupID, m.DeviceID)
		if err != nil {
			// A member whose key we never received is skipped; the invitee
			// picks it up through the member's own redistribution.
			logrus.WithFields(logrus.Fields{
				"function":  "Invite",
				"group_id":  groupID,
				"device_id": m.DeviceID,
			}).Warn("No sender key for member, omitting from invitation")
			continue
		}
		senderKeys[m.DeviceID] = base64.StdEncoding.EncodeToString(key)
		crypto.ZeroBytes(key)
	}

	if invitee.JoinedAt.IsZero() {
		invitee.JoinedAt = svc.now()
	}
	g.Members = append(g.Members, invitee)
	if err := svc.keys.SetSenderKey(groupID, invitee.DeviceID, inviteeKey); err != nil {
		return nil, err
	}
	if err := svc.store.SaveGroup(g); err != nil {
		return nil, fmt.Errorf("failed to save group: %w", err)
	}
	svc.mesh.HandleMemberJoined(groupID, invitee)

	inv := &Invitation{
		Type:             InvitationType,
		GroupID:          g.ID,
		GroupName:        g.Name,
		CreatedBy:        g.CreatedBy,
		CreatedAt:        g.CreatedAt.UTC().Format(time.RFC3339Nano),
		Members:          g.Members,
		SenderKeys:       senderKeys,
		InviteeSenderKey: base64.StdEncoding.EncodeToString(inviteeKey),
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Invite",
		"group_id":  groupID,
		"device_id": invitee.DeviceID,
	}).Info("Member invited")
	return inv, nil
}

// JoinFromInvitation accepts an invitation: it installs the group roster,
// all carried sender keys plus our own fresh key, and activates the mesh
// toward every existing member.
func (svc *Service) JoinFromInvitation(inv *Invitation) (*Group, error) {
	if len(inv.Members) > MaxMembers {
		return nil, fmt.Errorf("%w: %d members", ErrGroupFull, len(inv.Members))
	}

	createdAt, err := time.Parse(time.RFC3339Nano, inv.CreatedAt)
	if err != nil {
		createdAt = svc.now()
	}

	g := &Group{
		ID:           inv.GroupID,
		Name:         inv.GroupName,
		SelfDeviceID: svc.selfDeviceID,
		Members:      append([]Member(nil), inv.Members...),
		CreatedAt:    createdAt,
		CreatedBy:    inv.CreatedBy,
	}
	if _, ok := g.FindMember(svc.selfDeviceID); !ok {
		g.Members = append(g.Members, Member{
			DeviceID:    svc.selfDeviceID,
			DisplayName: svc.selfName,
			PublicKey:   svc.selfPubKey,
			JoinedAt:    svc.now(),
		})
	}

	ownKey, err := base64.StdEncoding.DecodeString(inv.InviteeSenderKey)
	if err != nil {
		return nil, fmt.Errorf("invalid invitee sender key encoding: %w", err)
	}
	if err := svc.keys.SetSenderKey(g.ID, svc.selfDeviceID, ownKey); err != nil {
		return nil, err
	}
	crypto.ZeroBytes(ownKey)

	for deviceID, encoded := range inv.SenderKeys {
		if deviceID == svc.selfDeviceID {
			continue
		}
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "JoinFromInvitation",
				"group_id":  g.ID,
				"device_id": deviceID,
			}).Warn("Skipping sender key with invalid encoding")
			continue
		}
		if err := svc.keys.SetSenderKey(g.ID, deviceID, key); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "JoinFromInvitation",
				"group_id":  g.ID,
				"device_id": deviceID,
				"error":     err.Error(),
			}).Warn("Skipping invalid sender key")
		}
		crypto.ZeroBytes(key)
	}

	if err := svc.store.SaveGroup(g); err != nil {
		return nil, fmt.Errorf("failed to save group: %w", err)
	}
	svc.mesh.ActivateGroup(g)

	logrus.WithFields(logrus.Fields{
		"function":     "JoinFromInvitation",
		"group_id":     g.ID,
		"member_count": g.MemberCount(),
	}).Info("Joined group from invitation")
	return g, nil
}

// RemoveMember drops a member from the roster, wipes their sender key,
// disconnects them from the mesh and rotates our own sender key. The new
// key is returned so the caller can redistribute it to the remaining
// members over their 1:1 channels; until every remaining member rotates,
// the departed member can still read traffic encrypted under old keys.
func (svc *Service) RemoveMember(groupID, deviceID string) ([]byte, error) {
	g, err := svc.store.Group(groupID)
	if err != nil {
		return nil, err
	}
	if _, ok := g.FindMember(deviceID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrMemberNotFound, deviceID)
	}

	kept := make([]Member, 0, len(g.Members)-1)
	for _, m := range g.Members {
		if m.DeviceID != deviceID {
			kept = append(kept, m)
		}
	}
	g.Members = kept
	if err := svc.store.SaveGroup(g); err != nil {
		return nil, fmt.Errorf("failed to save group: %w", err)
	}

	svc.keys.RemoveSenderKey(groupID, deviceID)
	svc.mesh.HandleMemberLeft(groupID, deviceID)

	newKey, err := svc.keys.RotateOwnKey(groupID, svc.selfDeviceID)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "RemoveMember",
		"group_id":  groupID,
		"device_id": deviceID,
	}).Info("Member removed, own sender key rotated")
	return newKey, nil
}

// LeaveGroup tears down our participation: deactivate the mesh, wipe all
// sender keys and delete local group state.
func (svc *Service) LeaveGroup(groupID string) error {
	svc.mesh.DeactivateGroup(groupID)
	svc.keys.ClearGroup(groupID)
	if err := svc.store.DeleteGroup(groupID); err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "LeaveGroup",
		"group_id": groupID,
	}).Info("Left group")
	return nil
}

// SendText authors a text message: allocate the next sequence number,
// encrypt the payload under our own sender key, broadcast it through the
// mesh and apply it to our own log. Returns the message with its delivery
// status set from the broadcast outcome.
func (svc *Service) SendText(groupID, content string) (*Message, error) {
	g, err := svc.store.Group(groupID)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		GroupID:        groupID,
		AuthorDeviceID: svc.selfDeviceID,
		SequenceNumber: svc.sync.NextSequence(groupID, svc.selfDeviceID),
		Type:           MessageTypeText,
		Content:        content,
		Timestamp:      svc.now(),
		Status:         StatusPending,
		IsOutgoing:     true,
	}

	payload, err := msg.MarshalPayload()
	if err != nil {
		return nil, err
	}
	ciphertext, err := svc.keys.Encrypt(payload, groupID, svc.selfDeviceID)
	if err != nil {
		return nil, err
	}

	sent := svc.mesh.BroadcastToGroup(groupID, transport.EncodeGroupData(ciphertext))
	if sent > 0 {
		msg.Status = StatusSent
	}
	if others := len(g.OtherMembers()); sent < others {
		logrus.WithFields(logrus.Fields{
			"function": "SendText",
			"group_id": groupID,
			"sent":     sent,
			"members":  others,
		}).Warn("Partial group delivery; offline members catch up via sync")
	}

	if _, err := svc.sync.ApplyMessage(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// handleGroupData is the mesh data handler: unwrap the wire envelope,
// decrypt the inbound payload under the author's sender key, validate it
// and apply it to the log. The sending device is the claimed author; a
// payload whose embedded author differs is rejected, because it would have
// had to be encrypted under someone else's key.
func (svc *Service) handleGroupData(groupID, fromDevice string, data []byte) {
	if _, err := svc.store.Group(groupID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleGroupData",
			"group_id": groupID,
		}).Debug("Dropping payload for unknown group")
		return
	}

	env, err := transport.DecodeEnvelope(data)
	if err != nil || env.Kind != transport.FrameGroupData {
		logrus.WithFields(logrus.Fields{
			"function":  "handleGroupData",
			"group_id":  groupID,
			"device_id": fromDevice,
		}).Warn("Dropping non-group frame on mesh connection")
		return
	}

	msg, err := svc.decryptGroupData(groupID, fromDevice, env.Data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "handleGroupData",
			"group_id":  groupID,
			"device_id": fromDevice,
			"error":     err.Error(),
		}).Warn("Dropping undecryptable group payload")
		return
	}

	if _, err := svc.sync.ApplyMessage(msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleGroupData",
			"group_id":   groupID,
			"message_id": msg.ID(),
			"error":      err.Error(),
		}).Warn("Failed to apply group message")
	}
}

// decryptGroupData decrypts and validates one inbound payload.
func (svc *Service) decryptGroupData(groupID, fromDevice string, data []byte) (*Message, error) {
	plaintext, err := svc.keys.Decrypt(data, groupID, fromDevice)
	if err != nil {
		return nil, err
	}
	msg, err := UnmarshalMessagePayload(plaintext, groupID)
	if err != nil {
		return nil, err
	}
	if msg.AuthorDeviceID != fromDevice {
		return nil, fmt.Errorf("%w: payload claims %s, sender key belongs to %s",
			ErrAuthorMismatch, msg.AuthorDeviceID, fromDevice)
	}
	msg.Status = StatusDelivered
	return msg, nil
}

// HandleGroupData is the exported entry point for callers that decode
// adapter envelopes themselves instead of running the mesh event loop.
// data is the sender-key ciphertext carried by a group data frame.
func (svc *Service) HandleGroupData(groupID, fromDevice string, data []byte) error {
	msg, err := svc.decryptGroupData(groupID, fromDevice, data)
	if err != nil {
		return err
	}
	_, err = svc.sync.ApplyMessage(msg)
	return err
}

// TryDecryptAllGroups resolves a group payload that arrived without group
// context (a shared 1:1 channel with several common groups) by attempting
// the sender's key in each group we share with them. Cost grows with the
// number of shared groups; acceptable because the payload carries no
// plaintext group identifier on the wire.
func (svc *Service) TryDecryptAllGroups(fromDevice string, data []byte) (*Message, error) {
	for _, g := range svc.store.Groups() {
		if _, ok := g.FindMember(fromDevice); !ok {
			continue
		}
		msg, err := svc.decryptGroupData(g.ID, fromDevice, data)
		if err != nil {
			continue
		}
		if _, err := svc.sync.ApplyMessage(msg); err != nil {
			return nil, err
		}
		return msg, nil
	}
	return nil, fmt.Errorf("%w: no group key for %s decrypts payload", ErrNoSenderKey, fromDevice)
}

// SyncOffer returns our vector clock for a group, to send to a reconnected
// member so they can compute what we are missing.
func (svc *Service) SyncOffer(groupID string) VectorClock {
	return svc.sync.Clock(groupID)
}

// HandleSyncOffer answers a member's vector clock with the messages they
// lack, already encrypted under the respective authors' sender keys we
// hold. Only messages we authored are re-encrypted; messages from third
// authors are forwarded under those authors' keys so the recipient's
// author check still holds.
func (svc *Service) HandleSyncOffer(groupID, fromDevice string, remote VectorClock) (int, error) {
	missing := svc.sync.MessagesForSync(groupID, remote)
	sent := 0
	for _, msg := range missing {
		payload, err := msg.MarshalPayload()
		if err != nil {
			continue
		}
		ciphertext, err := svc.keys.Encrypt(payload, groupID, msg.AuthorDeviceID)
		if err != nil {
			// Can't forward without the author's key.
			continue
		}
		if err := svc.mesh.SendToMember(groupID, fromDevice, transport.EncodeGroupData(ciphertext)); err != nil {
			return sent, err
		}
		sent++
	}

	logrus.WithFields(logrus.Fields{
		"function":  "HandleSyncOffer",
		"group_id":  groupID,
		"device_id": fromDevice,
		"sent":      sent,
	}).Debug("Answered sync offer")
	return sent, nil
}

// Messages returns a group's log, most recent last.
func (svc *Service) Messages(groupID string, limit int) []*Message {
	return svc.store.Messages(groupID, limit)
}

// Group returns a group by id.
func (svc *Service) Group(groupID string) (*Group, error) {
	return svc.store.Group(groupID)
}

// Groups returns every known group.
func (svc *Service) Groups() []*Group {
	return svc.store.Groups()
}

// Gaps returns missing sequence numbers for an author in a group.
func (svc *Service) Gaps(groupID, deviceID string) []uint64 {
	return svc.sync.FindGaps(groupID, deviceID)
}
