// Package ratchet schedules forward-secrecy key ratchets for 1:1 sessions.
//
// The manager counts outgoing messages per peer and tracks the time since
// the last ratchet. Once either threshold is crossed it derives the next
// session key from the current one plus a random nonce, installs it as the
// session's pending candidate, and hands the caller a control frame to
// deliver to the peer. The receiving side derives the identical key from
// the frame and commits it immediately.
//
// Control frames are versioned JSON; frames with an unknown version are
// logged and ignored so newer clients can extend the protocol without
// breaking older ones.
package ratchet
