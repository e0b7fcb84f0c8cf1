package crypto

import "errors"

// Sentinel errors returned by identity and session operations. Callers are
// expected to match these with errors.Is; every error carrying additional
// context wraps one of them.
var (
	// ErrNoIdentity is returned when an operation requires identity keys
	// that have not been generated or loaded yet.
	ErrNoIdentity = errors.New("no identity keys available")

	// ErrNoSession is returned when encrypt or decrypt is attempted for a
	// peer without an established session.
	ErrNoSession = errors.New("no session established for peer")

	// ErrInvalidCiphertext is returned for wire data too short to contain
	// a nonce and an authentication tag.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrAuthenticationFailed is returned when a ciphertext fails to
	// authenticate against the active key, the pending ratchet candidate,
	// and every retired key still inside its grace period.
	ErrAuthenticationFailed = errors.New("message authentication failed")

	// ErrReplayDetected is returned when a ciphertext reuses a nonce
	// already seen for the same session.
	ErrReplayDetected = errors.New("replay detected: duplicate nonce")

	// ErrStaleEpoch is returned when a ratchet control frame carries an
	// epoch that does not advance the session's epoch counter.
	ErrStaleEpoch = errors.New("stale ratchet epoch")
)
