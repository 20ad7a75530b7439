// Package transport defines the local-control-plane transport interfaces
// used to reach a running realmesh node from off-node clients (the gateway
// and shell binaries), and provides basic implementations (tcp, udp, quic,
// winpipe, mem). Note this is unrelated to the mesh's own LoRa radio link,
// which lives in pkg/radio; this package only carries API requests and
// responses between a node process and its local operators.
//
// Key concepts:
// - Transport: dials/listens for Sessions of a specific Kind (QUIC/TCP/UDP/etc.)
// - Session: a bidirectional connection to a peer; may support multiplexed streams
// - Stream: a Send/Recv channel of opaque byte frames
// - Manager: deduplicates concurrent inbound/outbound links and selects a
//   canonical session per peer based on policy and link quality
package transport

