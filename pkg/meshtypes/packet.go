package meshtypes

import "errors"

var (
	errTruncated         = errors.New("truncated")
	errBadChecksum       = errors.New("bad checksum")
	errUnsupportedVer    = errors.New("unsupported protocol version")
	errPayloadTooLong    = errors.New("payload too long")
	errInvalidSourceAddr = errors.New("invalid source address")
)

// Packet is Header + source/destination addresses + payload (spec §3).
// The on-air packet (Header + addresses + payload) is at most MaxPacketSize
// bytes.
type Packet struct {
	Header      Header
	Source      NodeAddress
	Destination NodeAddress
	Payload     []byte
}

// addrEncodedLen returns the on-air length of a single address:
// 1(len)+nodeId + 1(len)+subdomain + UUIDSize raw bytes.
func addrEncodedLen(a NodeAddress) int {
	return 1 + len(truncated255(a.NodeID)) + 1 + len(truncated255(a.Subdomain)) + UUIDSize
}

func truncated255(s string) string {
	if len(s) > 255 {
		return s[:255]
	}
	return s
}

// Serialize packs the header verbatim, then the length-prefixed source and
// destination addresses, then the payload (spec §4.1, §6).
func Serialize(p Packet) ([]byte, error) {
	if len(p.Payload) > MaxPayloadSize {
		return nil, NewError("Serialize", CodeBadPacket, errPayloadTooLong)
	}
	h := p.Header
	h.PayloadLength = uint8(len(p.Payload))
	hb, err := h.MarshalBinary()
	if err != nil {
		return nil, err
	}
	total := len(hb) + addrEncodedLen(p.Source) + addrEncodedLen(p.Destination) + len(p.Payload)
	if total > MaxPacketSize {
		return nil, NewError("Serialize", CodeBadPacket, errPayloadTooLong)
	}
	buf := make([]byte, 0, total)
	buf = append(buf, hb...)
	buf = appendAddr(buf, p.Source)
	buf = appendAddr(buf, p.Destination)
	buf = append(buf, p.Payload...)
	return buf, nil
}

func appendAddr(buf []byte, a NodeAddress) []byte {
	nodeID := truncated255(a.NodeID)
	subdomain := truncated255(a.Subdomain)
	buf = append(buf, byte(len(nodeID)))
	buf = append(buf, nodeID...)
	buf = append(buf, byte(len(subdomain)))
	buf = append(buf, subdomain...)
	buf = append(buf, a.UUID[:]...)
	return buf
}

// Deserialize validates checksum, protocol version and payload length
// pre-deserialization (spec invariant 5), then parses both addresses and
// exactly payloadLength payload bytes.
func Deserialize(buf []byte) (Packet, error) {
	if len(buf) < HeaderSize {
		return Packet{}, NewError("Deserialize", CodeBadPacket, errTruncated)
	}
	hb := buf[:HeaderSize]
	if !ValidateChecksum(hb) {
		return Packet{}, NewError("Deserialize", CodeBadPacket, errBadChecksum)
	}
	var h Header
	if err := h.UnmarshalBinary(hb); err != nil {
		return Packet{}, err
	}
	if h.ProtocolVersion != ProtocolVersion {
		return Packet{}, NewError("Deserialize", CodeBadPacket, errUnsupportedVer)
	}
	if h.PayloadLength > MaxPayloadSize {
		return Packet{}, NewError("Deserialize", CodeBadPacket, errPayloadTooLong)
	}

	rest := buf[HeaderSize:]
	src, n, err := parseAddr(rest)
	if err != nil {
		return Packet{}, err
	}
	rest = rest[n:]
	dst, n, err := parseAddr(rest)
	if err != nil {
		return Packet{}, err
	}
	rest = rest[n:]

	if len(rest) < int(h.PayloadLength) {
		return Packet{}, NewError("Deserialize", CodeBadPacket, errTruncated)
	}
	payload := append([]byte(nil), rest[:h.PayloadLength]...)

	return Packet{Header: h, Source: src, Destination: dst, Payload: payload}, nil
}

func parseAddr(buf []byte) (NodeAddress, int, error) {
	if len(buf) < 1 {
		return NodeAddress{}, 0, NewError("parseAddr", CodeBadPacket, errTruncated)
	}
	nlen := int(buf[0])
	if len(buf) < 1+nlen+1 {
		return NodeAddress{}, 0, NewError("parseAddr", CodeBadPacket, errTruncated)
	}
	nodeID := string(buf[1 : 1+nlen])
	off := 1 + nlen
	slen := int(buf[off])
	off++
	if len(buf) < off+slen+UUIDSize {
		return NodeAddress{}, 0, NewError("parseAddr", CodeBadPacket, errTruncated)
	}
	subdomain := string(buf[off : off+slen])
	off += slen
	var u UUID
	copy(u[:], buf[off:off+UUIDSize])
	off += UUIDSize
	addr := NodeAddress{NodeID: nodeID, Subdomain: subdomain, UUID: u}
	if !addr.Valid() {
		return NodeAddress{}, 0, NewError("parseAddr", CodeBadPacket, errInvalidSourceAddr)
	}
	return addr, off, nil
}

// IsValid reports whether p passes the pre-admission checks spec §4.2.1
// step 1 requires: valid source address, supported version, payload within
// bounds.
func (p Packet) IsValid() bool {
	if !p.Source.Valid() || p.Source.IsBroadcast() {
		return false
	}
	if p.Header.ProtocolVersion != ProtocolVersion {
		return false
	}
	if len(p.Payload) > MaxPayloadSize {
		return false
	}
	return true
}
