package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// Fingerprint returns the uppercase SHA-256 hex digest of a public key,
// used for out-of-band key verification.
func Fingerprint(publicKey []byte) string {
	digest := sha256.Sum256(publicKey)
	return strings.ToUpper(hex.EncodeToString(digest[:]))
}

// FormatFingerprint renders a fingerprint in 4-character groups separated
// by spaces for display.
func FormatFingerprint(fingerprint string) string {
	var b strings.Builder
	for i := 0; i < len(fingerprint); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		end := i + 4
		if end > len(fingerprint) {
			end = len(fingerprint)
		}
		b.WriteString(fingerprint[i:end])
	}
	return b.String()
}

// PeerIDFromPublicKey derives the stable device identifier from a public
// key: the first 16 characters of the uppercase SHA-256 hex digest. All
// Zajel clients derive the same ID for the same key.
func PeerIDFromPublicKey(publicKey []byte) string {
	digest := sha256.Sum256(publicKey)
	return strings.ToUpper(hex.EncodeToString(digest[:]))[:16]
}

// SafetyNumber computes the shared 60-digit safety number for two public
// keys. Both peers compute the same number regardless of argument order:
// the raw key bytes are sorted lexicographically before hashing, then the
// first 24 digest bytes are read as 12 big-endian uint16 values mod 100000,
// each zero-padded to 5 digits.
func SafetyNumber(publicKeyA, publicKeyB []byte) string {
	var combined []byte
	if bytes.Compare(publicKeyA, publicKeyB) <= 0 {
		combined = append(append([]byte{}, publicKeyA...), publicKeyB...)
	} else {
		combined = append(append([]byte{}, publicKeyB...), publicKeyA...)
	}

	digest := sha256.Sum256(combined)

	var b strings.Builder
	for i := 0; i < 24; i += 2 {
		val := uint32(binary.BigEndian.Uint16(digest[i:i+2])) % 100000
		fmt.Fprintf(&b, "%05d", val)
	}
	return b.String()
}

// FormatSafetyNumber renders a safety number as 12 groups of 5 digits.
func FormatSafetyNumber(number string) string {
	var b strings.Builder
	for i := 0; i < len(number); i += 5 {
		if i > 0 {
			b.WriteByte(' ')
		}
		end := i + 5
		if end > len(number) {
			end = len(number)
		}
		b.WriteString(number[i:end])
	}
	return b.String()
}
