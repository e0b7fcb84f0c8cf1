package group

import "errors"

// Sentinel errors for group membership and message handling.
var (
	// ErrGroupNotFound is returned when an operation names an unknown
	// group.
	ErrGroupNotFound = errors.New("group not found")

	// ErrGroupFull is returned when adding a member would exceed
	// MaxMembers.
	ErrGroupFull = errors.New("group is full")

	// ErrDuplicateMember is returned when a device is added to a group it
	// already belongs to.
	ErrDuplicateMember = errors.New("member already in group")

	// ErrMemberNotFound is returned when an operation names a device that
	// is not a member of the group.
	ErrMemberNotFound = errors.New("member not found in group")

	// ErrNoSenderKey is returned when no sender key is stored for the
	// named group member.
	ErrNoSenderKey = errors.New("no sender key for member")

	// ErrAuthorMismatch is returned when a decrypted message claims a
	// different author than the sender key used to decrypt it. This is
	// always fatal to the message: it indicates a bug or an attack.
	ErrAuthorMismatch = errors.New("message author does not match sender key")

	// ErrSequenceJump is returned when a message's sequence number is
	// implausibly far ahead of the last one seen from its author.
	ErrSequenceJump = errors.New("sequence number too far ahead")
)
