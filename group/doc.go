// Package group implements many-to-many encrypted conversations over a
// full-mesh peer-to-peer topology.
//
// Each member holds a random symmetric sender key per group, distributed
// to the other members over already-secured 1:1 channels and never derived
// from any other key. Messages are encrypted once under the author's
// sender key and broadcast to every connected member.
//
// Message streams are reconciled with vector clocks: every message carries
// a per-author monotonic sequence number, the pair (author, sequence) is
// the global deduplication key, and clock diffs drive gap detection and
// re-sync after partitions.
//
// The mesh state machine fans a logical group out to N-1 physical peer
// connections through a transport adapter; connection state is driven
// exclusively by the adapter's event stream.
package group
