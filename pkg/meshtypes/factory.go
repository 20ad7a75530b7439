package meshtypes

import (
	"encoding/binary"
	"fmt"
)

// newHeader builds the shared header skeleton for a fresh outbound packet.
// timestamp is seconds-since-boot of the originator (spec §3: not wall
// clock); callers supply it (see pkg/node for the boot-relative clock).
func newHeader(msgType MessageType, priority Priority, flags RoutingFlags, maxHops uint8, source UUID, timestamp uint32, sequence uint16) Header {
	return Header{
		MessageID:       ComputeMessageID(source, timestamp, sequence),
		Timestamp:       timestamp,
		SequenceNumber:  sequence,
		ProtocolVersion: ProtocolVersion,
		MessageType:     msgType,
		Priority:        priority,
		RoutingFlags:    flags,
		MaxHops:         maxHops,
	}
}

// CreateData builds a DATA packet (spec §4.1). routingFlags is DIRECT,
// optionally OR'd with ENCRYPTED; maxHops is MaxHopCount. Payload longer
// than MaxPayloadSize is truncated at construction.
func CreateData(src, dst NodeAddress, timestamp uint32, sequence uint16, text string, priority Priority, encrypted bool) Packet {
	flags := FlagDirect
	if encrypted {
		flags = flags.Set(FlagEncrypted)
	}
	h := newHeader(MsgData, priority, flags, MaxHopCount, src.UUID, timestamp, sequence)
	payload := truncatePayload([]byte(text))
	h.PayloadLength = uint8(len(payload))
	return Packet{Header: h, Source: src, Destination: dst, Payload: payload}
}

// HeartbeatData is the compact status advertised by createHeartbeat.
type HeartbeatData struct {
	Status        NodeStatus
	UptimeSec     uint32
	ContactsCount uint32
	BridgesCount  uint32
	Sent          uint32
	Recv          uint32
	AvgRSSI       int32 // scaled x10 to keep the encoding integral
	Load          uint8
}

// Encode renders the heartbeat status as the compact textual encoding spec
// §4.1 requires: "status,uptime,contacts,bridges,sent,recv,rssi,load".
func (d HeartbeatData) Encode() []byte {
	s := fmt.Sprintf("%d,%d,%d,%d,%d,%d,%d,%d", d.Status, d.UptimeSec, d.ContactsCount, d.BridgesCount, d.Sent, d.Recv, d.AvgRSSI, d.Load)
	return []byte(s)
}

// DecodeHeartbeatData parses the encoding Encode produces.
func DecodeHeartbeatData(b []byte) (HeartbeatData, error) {
	var d HeartbeatData
	var status, uptime, contacts, bridges, sent, recv, rssi, load int64
	n, err := fmt.Sscanf(string(b), "%d,%d,%d,%d,%d,%d,%d,%d", &status, &uptime, &contacts, &bridges, &sent, &recv, &rssi, &load)
	if err != nil || n != 8 {
		return d, NewError("DecodeHeartbeatData", CodeBadPacket, err)
	}
	d.Status = NodeStatus(status)
	d.UptimeSec = uint32(uptime)
	d.ContactsCount = uint32(contacts)
	d.BridgesCount = uint32(bridges)
	d.Sent = uint32(sent)
	d.Recv = uint32(recv)
	d.AvgRSSI = int32(rssi)
	d.Load = uint8(load)
	return d, nil
}

// CreateHeartbeat builds a bounded-flood HEARTBEAT packet (spec §4.1,
// §4.2.4): CONTROL priority, FLOOD flag, maxHops=3, empty (broadcast)
// destination.
func CreateHeartbeat(src NodeAddress, timestamp uint32, sequence uint16, data HeartbeatData) Packet {
	h := newHeader(MsgHeartbeat, PriorityControl, FlagFlood, 3, src.UUID, timestamp, sequence)
	payload := truncatePayload(data.Encode())
	h.PayloadLength = uint8(len(payload))
	return Packet{Header: h, Source: src, Destination: NodeAddress{}, Payload: payload}
}

// CreateAck builds an ACK packet whose payload is the 4-byte original
// message id (spec §4.1).
func CreateAck(src, dst NodeAddress, timestamp uint32, sequence uint16, originalMessageID uint32) Packet {
	h := newHeader(MsgAck, PriorityControl, FlagDirect, MaxHopCount, src.UUID, timestamp, sequence)
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, originalMessageID)
	h.PayloadLength = uint8(len(payload))
	return Packet{Header: h, Source: src, Destination: dst, Payload: payload}
}

// AckOriginalMessageID extracts the acknowledged message id from an ACK
// packet's payload.
func AckOriginalMessageID(p Packet) (uint32, error) {
	if len(p.Payload) < 4 {
		return 0, NewError("AckOriginalMessageID", CodeBadPacket, errTruncated)
	}
	return binary.LittleEndian.Uint32(p.Payload[:4]), nil
}

// CreateNameConflict builds a single-hop NAME_CONFLICT packet whose payload
// is the reason string (spec §4.1).
func CreateNameConflict(src, conflicting NodeAddress, timestamp uint32, sequence uint16, reason string) Packet {
	h := newHeader(MsgNameConflict, PriorityControl, 0, 1, src.UUID, timestamp, sequence)
	payload := truncatePayload([]byte(reason))
	h.PayloadLength = uint8(len(payload))
	return Packet{Header: h, Source: src, Destination: conflicting, Payload: payload}
}

func truncatePayload(b []byte) []byte {
	if len(b) > MaxPayloadSize {
		return b[:MaxPayloadSize]
	}
	return b
}
