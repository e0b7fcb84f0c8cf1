package group

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// MaxSequenceGap bounds how far ahead of the known clock a message's
// sequence number may jump before it is rejected as implausible.
const MaxSequenceGap = 100

// Sync applies group messages idempotently and reconciles message logs
// across members with vector clocks. All clock and log mutations for one
// group are serialized through a per-group lock; different groups proceed
// in parallel.
type Sync struct {
	mu     sync.Mutex
	groups map[string]*sync.Mutex

	store Store
}

// NewSync creates a Sync over the given store.
func NewSync(store Store) *Sync {
	return &Sync{
		groups: make(map[string]*sync.Mutex),
		store:  store,
	}
}

// groupLock returns the serialization lock for a group.
func (s *Sync) groupLock(groupID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.groups[groupID]
	if !ok {
		lock = &sync.Mutex{}
		s.groups[groupID] = lock
	}
	return lock
}

// ApplyMessage stores a message and advances the group's vector clock for
// its author. It is idempotent: a message whose (author, sequence) pair is
// already stored is a no-op and returns applied=false with the clock
// untouched. Sequence numbers implausibly far ahead of the clock are
// rejected with ErrSequenceJump.
func (s *Sync) ApplyMessage(msg *Message) (applied bool, err error) {
	if msg.SequenceNumber < 1 {
		return false, fmt.Errorf("invalid sequence number: %d", msg.SequenceNumber)
	}

	lock := s.groupLock(msg.GroupID)
	lock.Lock()
	defer lock.Unlock()

	if s.store.HasMessage(msg.GroupID, msg.ID()) {
		logrus.WithFields(logrus.Fields{
			"function":   "ApplyMessage",
			"group_id":   msg.GroupID,
			"message_id": msg.ID(),
		}).Debug("Duplicate message ignored")
		return false, nil
	}

	clock := s.store.Clock(msg.GroupID)
	lastSeen := clock.Get(msg.AuthorDeviceID)
	if msg.SequenceNumber > lastSeen+MaxSequenceGap {
		logrus.WithFields(logrus.Fields{
			"function":  "ApplyMessage",
			"group_id":  msg.GroupID,
			"author":    msg.AuthorDeviceID,
			"last_seen": lastSeen,
			"received":  msg.SequenceNumber,
		}).Warn("Rejecting message with oversized sequence jump")
		return false, fmt.Errorf("%w: last seen %d, received %d", ErrSequenceJump, lastSeen, msg.SequenceNumber)
	}

	if err := s.store.SaveMessage(msg); err != nil {
		return false, fmt.Errorf("failed to store message: %w", err)
	}
	if err := s.store.SetClock(msg.GroupID, clock.Set(msg.AuthorDeviceID, msg.SequenceNumber)); err != nil {
		return false, fmt.Errorf("failed to update vector clock: %w", err)
	}
	return true, nil
}

// Clock returns the group's current vector clock.
func (s *Sync) Clock(groupID string) VectorClock {
	lock := s.groupLock(groupID)
	lock.Lock()
	defer lock.Unlock()
	return s.store.Clock(groupID)
}

// NextSequence allocates the next sequence number for an author.
func (s *Sync) NextSequence(groupID, deviceID string) uint64 {
	lock := s.groupLock(groupID)
	lock.Lock()
	defer lock.Unlock()
	return s.store.NextSequence(groupID, deviceID)
}

// MessagesForSync returns the concrete messages a remote party lacks,
// given its vector clock, sorted by timestamp. Sequence numbers the diff
// names but the local log no longer holds (evicted or never received) are
// skipped; FindGaps surfaces the latter.
func (s *Sync) MessagesForSync(groupID string, remote VectorClock) []*Message {
	lock := s.groupLock(groupID)
	lock.Lock()
	missing := s.store.Clock(groupID).MissingFrom(remote)
	lock.Unlock()

	var out []*Message
	for deviceID, seqs := range missing {
		for _, seq := range seqs {
			if msg, ok := s.store.MessageBySequence(groupID, deviceID, seq); ok {
				out = append(out, msg)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// FindGaps scans 1..clock[device] for sequence numbers with no stored
// message: deliveries lost or still in flight that must be explicitly
// re-requested from the author or another member.
func (s *Sync) FindGaps(groupID, deviceID string) []uint64 {
	lock := s.groupLock(groupID)
	lock.Lock()
	highest := s.store.Clock(groupID).Get(deviceID)
	lock.Unlock()

	var gaps []uint64
	for seq := uint64(1); seq <= highest; seq++ {
		if _, ok := s.store.MessageBySequence(groupID, deviceID, seq); !ok {
			gaps = append(gaps, seq)
		}
	}
	return gaps
}
