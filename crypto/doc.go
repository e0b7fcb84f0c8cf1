// Package crypto implements the cryptographic core of the Zajel protocol.
//
// This package handles long-lived X25519 identity keys, per-peer symmetric
// sessions derived via ECDH and HKDF-SHA256, authenticated encryption with
// ChaCha20-Poly1305, and out-of-band peer verification through fingerprints
// and safety numbers.
//
// Sessions ratchet forward over time: each session holds exactly one active
// key, an optional pending ratchet candidate, and a bounded set of retired
// keys that remain valid for decryption during a short grace period. The
// ordered decryption fallback (active, then pending, then retired) absorbs
// the race between a key ratchet and ciphertext still in flight under the
// displaced key.
//
// Example:
//
//	store := crypto.NewMemoryKeyStore()
//	identity := crypto.NewIdentityStore(store)
//	if err := identity.Load(); err != nil {
//	    log.Fatal(err)
//	}
//	sessions := crypto.NewSessionManager(identity, store)
//	if err := sessions.Establish("PEER1234", peerPublicKey); err != nil {
//	    log.Fatal(err)
//	}
//	wire, err := sessions.Encrypt("PEER1234", []byte("hello"))
package crypto
