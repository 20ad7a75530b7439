package meshtypes

import "testing"

func testAddr(node, sub string, tok byte) NodeAddress {
	return NodeAddress{NodeID: node, Subdomain: sub, UUID: UUID{tok, 1, 2, 3, 4, 5, 6, 7}}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	src := testAddr("alpha", "home", 0xaa)
	dst := testAddr("beta", "home", 0xbb)
	p := CreateData(src, dst, 100, 1, "hi", PriorityDirect, false)

	buf, err := Serialize(p)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if len(buf) > MaxPacketSize {
		t.Fatalf("packet too large: %d", len(buf))
	}

	got, err := Deserialize(buf)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if !got.Source.Equal(p.Source) || !got.Destination.Equal(p.Destination) {
		t.Fatalf("address mismatch: got %+v/%+v want %+v/%+v", got.Source, got.Destination, p.Source, p.Destination)
	}
	if string(got.Payload) != "hi" {
		t.Fatalf("payload = %q", got.Payload)
	}
	if got.Header.MessageID != p.Header.MessageID {
		t.Fatalf("header mismatch")
	}
}

func TestDeserializeRejectsBadChecksum(t *testing.T) {
	src := testAddr("alpha", "home", 0xaa)
	dst := testAddr("beta", "home", 0xbb)
	p := CreateData(src, dst, 100, 1, "hi", PriorityDirect, false)
	buf, _ := Serialize(p)
	buf[0] ^= 0xff
	if _, err := Deserialize(buf); CodeOf(err) != CodeBadPacket {
		t.Fatalf("expected BadPacket, got %v", err)
	}
}

func TestDeserializeRejectsUnsupportedVersion(t *testing.T) {
	src := testAddr("alpha", "home", 0xaa)
	dst := testAddr("beta", "home", 0xbb)
	p := CreateData(src, dst, 100, 1, "hi", PriorityDirect, false)
	p.Header.ProtocolVersion = 99
	buf, err := Serialize(p)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if _, err := Deserialize(buf); CodeOf(err) != CodeBadPacket {
		t.Fatalf("expected BadPacket for unsupported version, got %v", err)
	}
}

func TestDeserializeRejectsTruncated(t *testing.T) {
	if _, err := Deserialize(make([]byte, 4)); CodeOf(err) != CodeBadPacket {
		t.Fatalf("expected BadPacket for truncated buffer, got %v", err)
	}
}

func TestCreateHeartbeatRoundTrip(t *testing.T) {
	src := testAddr("alpha", "home", 0xaa)
	data := HeartbeatData{Status: StatusStationary, UptimeSec: 42, ContactsCount: 3, BridgesCount: 1, Sent: 5, Recv: 6, AvgRSSI: -700, Load: 12}
	p := CreateHeartbeat(src, 10, 1, data)
	if p.Header.MessageType != MsgHeartbeat {
		t.Fatalf("wrong type")
	}
	if !p.Header.RoutingFlags.Has(FlagFlood) {
		t.Fatalf("heartbeat must be flood")
	}
	if p.Header.MaxHops != 3 {
		t.Fatalf("heartbeat maxHops = %d, want 3", p.Header.MaxHops)
	}
	got, err := DecodeHeartbeatData(p.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != data {
		t.Fatalf("got %+v want %+v", got, data)
	}
}

func TestCreateAckPayload(t *testing.T) {
	src := testAddr("alpha", "home", 0xaa)
	dst := testAddr("beta", "home", 0xbb)
	p := CreateAck(src, dst, 1, 1, 0xdeadbeef)
	id, err := AckOriginalMessageID(p)
	if err != nil {
		t.Fatalf("ack payload: %v", err)
	}
	if id != 0xdeadbeef {
		t.Fatalf("got %x", id)
	}
}

func TestPacketSizeBound(t *testing.T) {
	src := testAddr("aaa", "bbb", 0xaa)
	dst := testAddr("ccc", "ddd", 0xbb)
	// header(32) + 2 addresses(16 each) = 64; leave the rest of the
	// 255-byte on-air budget for payload.
	text := make([]byte, MaxPacketSize-64)
	for i := range text {
		text[i] = 'x'
	}
	p := CreateData(src, dst, 1, 1, string(text), PriorityDirect, false)
	buf, err := Serialize(p)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if len(buf) > MaxPacketSize {
		t.Fatalf("packet exceeds bound: %d", len(buf))
	}
}
