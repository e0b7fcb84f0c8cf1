// Package transport defines the boundary to the physical peer-to-peer
// transport (WebRTC data channels in the production clients) and the wire
// envelope shared across it.
//
// The core never opens sockets itself: it drives a P2PConnectionAdapter
// supplied by the transport collaborator and consumes its typed event
// streams. Payloads crossing the adapter are decoded exactly once, at this
// boundary, into a closed set of frame kinds; unknown kinds are rejected
// safely instead of being probed dynamically.
package transport
