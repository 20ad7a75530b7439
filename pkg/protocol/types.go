// Package protocol carries structured (non-wire-header) payload bodies:
// the format-tagged encoding used by the API surface's response "data"
// field and by any control payload that outgrows the packet header's
// compact textual heartbeat encoding (see pkg/meshtypes for the on-air
// packet format itself).
package protocol

// ContentType is optional hint for payload decoding.
// Kept as constants to avoid coupling; not serialized in header.
const (
    ContentUnknown = "application/octet-stream"
    ContentCBOR    = "application/cbor"
    ContentJSON    = "application/json"
    ContentProto   = "application/x-protobuf"
)

