package meshtypes

import (
	"encoding/binary"
)

// reservedPadBytes sizes the header's reserved region so the fixed layout
// totals HeaderSize (32) bytes. The named fields below (messageId through
// pathHistory, checksum) sum to 22 bytes; the remaining 10 are reserved,
// explicitly encoded as zero rather than left to compiler struct packing
// (spec §9: "do not rely on compiler packed-struct semantics for
// portability — define explicit encode/decode for each field").
const reservedPadBytes = HeaderSize - (4 + 4 + 2 + 1 + 1 + 1 + 1 + 1 + 1 + 1 + PathHistoryDepth + 2)

// Header is the fixed 32-byte, little-endian, packed on-air message header
// (spec §3).
type Header struct {
	MessageID       uint32
	Timestamp       uint32 // seconds since node boot of the originator
	SequenceNumber  uint16
	ProtocolVersion uint8
	MessageType     MessageType
	Priority        Priority
	RoutingFlags    RoutingFlags
	HopCount        uint8
	MaxHops         uint8
	PayloadLength   uint8
	Reserved        uint8
	PathHistory     [PathHistoryDepth]byte
	Checksum        uint16
}

// MarshalBinary encodes h into a HeaderSize-byte little-endian buffer, with
// Checksum computed and written last.
func (h Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	h.encodeInto(buf, 0)
	binary.LittleEndian.PutUint16(buf[HeaderSize-2:], Checksum(buf))
	return buf, nil
}

// encodeInto writes every field except the checksum (left zero) starting at
// offset.
func (h Header) encodeInto(buf []byte, off int) {
	binary.LittleEndian.PutUint32(buf[off:], h.MessageID)
	binary.LittleEndian.PutUint32(buf[off+4:], h.Timestamp)
	binary.LittleEndian.PutUint16(buf[off+8:], h.SequenceNumber)
	buf[off+10] = h.ProtocolVersion
	buf[off+11] = byte(h.MessageType)
	buf[off+12] = byte(h.Priority)
	buf[off+13] = byte(h.RoutingFlags)
	buf[off+14] = h.HopCount
	buf[off+15] = h.MaxHops
	buf[off+16] = h.PayloadLength
	buf[off+17] = h.Reserved
	copy(buf[off+18:off+18+PathHistoryDepth], h.PathHistory[:])
	// off+18+PathHistoryDepth .. HeaderSize-2 is padding, left zero.
	// checksum bytes (last 2) left zero by caller until Checksum() runs.
}

// UnmarshalBinary decodes buf (must be exactly HeaderSize bytes) into h,
// without validating the checksum — callers validate separately via
// ValidateChecksum so BadPacket detection stays a single explicit step.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) != HeaderSize {
		return NewError("Header.UnmarshalBinary", CodeBadPacket, errTruncated)
	}
	h.MessageID = binary.LittleEndian.Uint32(buf[0:])
	h.Timestamp = binary.LittleEndian.Uint32(buf[4:])
	h.SequenceNumber = binary.LittleEndian.Uint16(buf[8:])
	h.ProtocolVersion = buf[10]
	h.MessageType = MessageType(buf[11])
	h.Priority = Priority(buf[12])
	h.RoutingFlags = RoutingFlags(buf[13])
	h.HopCount = buf[14]
	h.MaxHops = buf[15]
	h.PayloadLength = buf[16]
	h.Reserved = buf[17]
	copy(h.PathHistory[:], buf[18:18+PathHistoryDepth])
	h.Checksum = binary.LittleEndian.Uint16(buf[HeaderSize-2:])
	return nil
}

// Checksum computes the 16-bit truncated sum over every header byte in buf
// (which must be HeaderSize bytes) except the trailing checksum field,
// which is treated as zero during computation (spec §4.1).
func Checksum(buf []byte) uint16 {
	var sum uint32
	for i := 0; i < HeaderSize-2; i++ {
		sum += uint32(buf[i])
	}
	return uint16(sum)
}

// ValidateChecksum reports whether the trailing checksum field of buf
// matches Checksum(buf).
func ValidateChecksum(buf []byte) bool {
	if len(buf) != HeaderSize {
		return false
	}
	return binary.LittleEndian.Uint16(buf[HeaderSize-2:]) == Checksum(buf)
}

// PushPathToken shifts token into PathHistory[0], displacing the oldest
// (spec §4.2.3: "shift our token into pathHistory[0] displacing the oldest").
func (h *Header) PushPathToken(token byte) {
	for i := PathHistoryDepth - 1; i > 0; i-- {
		h.PathHistory[i] = h.PathHistory[i-1]
	}
	h.PathHistory[0] = token
}

// HasToken reports whether token already appears in the path history.
func (h Header) HasToken(token byte) bool {
	for _, t := range h.PathHistory {
		if t == token {
			return true
		}
	}
	return false
}

// ComputeMessageID computes the deterministic message identifier (spec §4.1):
// fold_xor(source.uuid[0..4] << (8*i)) XOR timestamp XOR (sequence << 16).
func ComputeMessageID(source UUID, timestamp uint32, sequence uint16) uint32 {
	var folded uint32
	for i := 0; i < 4; i++ {
		folded ^= uint32(source[i]) << (8 * uint(i))
	}
	return folded ^ timestamp ^ (uint32(sequence) << 16)
}
