package group

import (
	"fmt"
	"sort"
	"sync"
)

// Store is the message-log collaborator boundary: groups, their message
// logs, per-author sequence counters and per-group vector clocks. The
// production clients persist this; MemoryStore is the in-memory reference
// implementation.
//
// Vector clocks are mutated only through Sync, never written directly by
// UI or transport code.
type Store interface {
	// SaveGroup stores or updates a group.
	SaveGroup(g *Group) error

	// Group returns a group by id, or ErrGroupNotFound.
	Group(groupID string) (*Group, error)

	// Groups returns all known groups.
	Groups() []*Group

	// DeleteGroup removes a group with its messages, counters and clock.
	DeleteGroup(groupID string) error

	// SaveMessage appends a message to a group's log.
	SaveMessage(msg *Message) error

	// HasMessage reports whether a message with the given dedup id is
	// already stored.
	HasMessage(groupID, messageID string) bool

	// Messages returns a group's messages ordered by timestamp. A
	// non-zero limit returns only the most recent ones.
	Messages(groupID string, limit int) []*Message

	// MessageBySequence returns the stored message with the given author
	// and sequence number.
	MessageBySequence(groupID, deviceID string, seq uint64) (*Message, bool)

	// NextSequence allocates the next sequence number for an author,
	// starting at 1.
	NextSequence(groupID, deviceID string) uint64

	// Clock returns the group's vector clock.
	Clock(groupID string) VectorClock

	// SetClock replaces the group's vector clock.
	SetClock(groupID string, clock VectorClock) error
}

// MemoryStore is the in-memory Store implementation. The message log per
// group is bounded at MaxMessagesPerGroup with oldest-first eviction, and
// an id set gives O(1) duplicate checks.
type MemoryStore struct {
	mu        sync.RWMutex
	groups    map[string]*Group
	messages  map[string][]*Message
	seenIDs   map[string]map[string]struct{}
	sequences map[string]map[string]uint64
	clocks    map[string]VectorClock
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		groups:    make(map[string]*Group),
		messages:  make(map[string][]*Message),
		seenIDs:   make(map[string]map[string]struct{}),
		sequences: make(map[string]map[string]uint64),
		clocks:    make(map[string]VectorClock),
	}
}

// SaveGroup stores or updates a group and initializes its side tables.
func (ms *MemoryStore) SaveGroup(g *Group) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	copied := *g
	copied.Members = append([]Member(nil), g.Members...)
	ms.groups[g.ID] = &copied

	if ms.seenIDs[g.ID] == nil {
		ms.seenIDs[g.ID] = make(map[string]struct{})
	}
	if ms.sequences[g.ID] == nil {
		ms.sequences[g.ID] = make(map[string]uint64)
	}
	if ms.clocks[g.ID] == nil {
		ms.clocks[g.ID] = NewVectorClock()
	}
	return nil
}

// Group returns a copy of the stored group.
func (ms *MemoryStore) Group(groupID string) (*Group, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	g, ok := ms.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	copied := *g
	copied.Members = append([]Member(nil), g.Members...)
	return &copied, nil
}

// Groups returns all stored groups.
func (ms *MemoryStore) Groups() []*Group {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	out := make([]*Group, 0, len(ms.groups))
	for _, g := range ms.groups {
		copied := *g
		copied.Members = append([]Member(nil), g.Members...)
		out = append(out, &copied)
	}
	return out
}

// DeleteGroup removes a group and all associated state.
func (ms *MemoryStore) DeleteGroup(groupID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.groups, groupID)
	delete(ms.messages, groupID)
	delete(ms.seenIDs, groupID)
	delete(ms.sequences, groupID)
	delete(ms.clocks, groupID)
	return nil
}

// SaveMessage appends a message, evicting the oldest beyond the cap.
func (ms *MemoryStore) SaveMessage(msg *Message) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	copied := *msg
	ms.messages[msg.GroupID] = append(ms.messages[msg.GroupID], &copied)

	if log := ms.messages[msg.GroupID]; len(log) > MaxMessagesPerGroup {
		evicted := log[:len(log)-MaxMessagesPerGroup]
		ms.messages[msg.GroupID] = log[len(log)-MaxMessagesPerGroup:]
		if seen := ms.seenIDs[msg.GroupID]; seen != nil {
			for _, old := range evicted {
				delete(seen, old.ID())
			}
		}
	}

	if ms.seenIDs[msg.GroupID] == nil {
		ms.seenIDs[msg.GroupID] = make(map[string]struct{})
	}
	ms.seenIDs[msg.GroupID][msg.ID()] = struct{}{}
	return nil
}

// HasMessage reports whether a dedup id was stored.
func (ms *MemoryStore) HasMessage(groupID, messageID string) bool {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	_, ok := ms.seenIDs[groupID][messageID]
	return ok
}

// Messages returns the group's log sorted by timestamp.
func (ms *MemoryStore) Messages(groupID string, limit int) []*Message {
	ms.mu.RLock()
	log := append([]*Message(nil), ms.messages[groupID]...)
	ms.mu.RUnlock()

	sort.SliceStable(log, func(i, j int) bool {
		return log[i].Timestamp.Before(log[j].Timestamp)
	})
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	return log
}

// MessageBySequence returns the message with the given author and
// sequence.
func (ms *MemoryStore) MessageBySequence(groupID, deviceID string, seq uint64) (*Message, bool) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	for _, msg := range ms.messages[groupID] {
		if msg.AuthorDeviceID == deviceID && msg.SequenceNumber == seq {
			copied := *msg
			return &copied, true
		}
	}
	return nil, false
}

// NextSequence allocates the next per-author sequence number.
func (ms *MemoryStore) NextSequence(groupID, deviceID string) uint64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.sequences[groupID] == nil {
		ms.sequences[groupID] = make(map[string]uint64)
	}
	next := ms.sequences[groupID][deviceID] + 1
	ms.sequences[groupID][deviceID] = next
	return next
}

// Clock returns the group's vector clock.
func (ms *MemoryStore) Clock(groupID string) VectorClock {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	clock, ok := ms.clocks[groupID]
	if !ok {
		return NewVectorClock()
	}
	return clock
}

// SetClock replaces the group's vector clock.
func (ms *MemoryStore) SetClock(groupID string, clock VectorClock) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.clocks[groupID] = clock
	return nil
}
