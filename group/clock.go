package group

// VectorClock maps device ids to the highest sequence number locally known
// for that device. Clocks are logically immutable: mutating operations
// return a new clock and entries are monotonically non-decreasing over the
// life of a group.
type VectorClock map[string]uint64

// NewVectorClock returns an empty clock.
func NewVectorClock() VectorClock {
	return VectorClock{}
}

// Get returns the highest known sequence for a device (zero when unknown).
func (vc VectorClock) Get(deviceID string) uint64 {
	return vc[deviceID]
}

// Set returns a new clock with the device's entry raised to seq. If seq
// does not exceed the current entry the receiver is returned unchanged;
// monotonicity is enforced here and nowhere else.
func (vc VectorClock) Set(deviceID string, seq uint64) VectorClock {
	if seq <= vc[deviceID] {
		return vc
	}
	next := vc.Clone()
	next[deviceID] = seq
	return next
}

// Merge returns a new clock with the element-wise maximum of both clocks.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	merged := vc.Clone()
	for deviceID, seq := range other {
		if seq > merged[deviceID] {
			merged[deviceID] = seq
		}
	}
	return merged
}

// MissingFrom returns, for each device known to this (local) clock, the
// sequence numbers 1..local[device] that exceed the remote clock's entry:
// the messages the remote party lacks.
func (vc VectorClock) MissingFrom(remote VectorClock) map[string][]uint64 {
	missing := make(map[string][]uint64)
	for deviceID, localSeq := range vc {
		remoteSeq := remote[deviceID]
		if remoteSeq >= localSeq {
			continue
		}
		seqs := make([]uint64, 0, localSeq-remoteSeq)
		for seq := remoteSeq + 1; seq <= localSeq; seq++ {
			seqs = append(seqs, seq)
		}
		missing[deviceID] = seqs
	}
	return missing
}

// Clone returns an independent copy of the clock.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for deviceID, seq := range vc {
		out[deviceID] = seq
	}
	return out
}

// Equal reports whether two clocks hold identical entries, treating
// missing entries as zero.
func (vc VectorClock) Equal(other VectorClock) bool {
	for deviceID, seq := range vc {
		if other[deviceID] != seq {
			return false
		}
	}
	for deviceID, seq := range other {
		if vc[deviceID] != seq {
			return false
		}
	}
	return true
}
