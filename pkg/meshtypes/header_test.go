package meshtypes

import "testing"

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		MessageID:       0xdeadbeef,
		Timestamp:       123456,
		SequenceNumber:  42,
		ProtocolVersion: ProtocolVersion,
		MessageType:     MsgData,
		Priority:        PriorityDirect,
		RoutingFlags:    FlagDirect,
		HopCount:        1,
		MaxHops:         MaxHopCount,
		PayloadLength:   10,
		PathHistory:     [3]byte{0x11, 0x22, 0x33},
	}
	buf, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(buf) != HeaderSize {
		t.Fatalf("expected %d bytes, got %d", HeaderSize, len(buf))
	}

	var h2 Header
	if err := h2.UnmarshalBinary(buf); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	h2.Checksum = 0
	if h2 != h {
		t.Fatalf("roundtrip mismatch: got %+v want %+v", h2, h)
	}
}

func TestChecksumCoverage(t *testing.T) {
	h := Header{MessageID: 1, Timestamp: 2, SequenceNumber: 3, ProtocolVersion: ProtocolVersion, MaxHops: MaxHopCount}
	buf, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !ValidateChecksum(buf) {
		t.Fatalf("expected valid checksum")
	}
	for i := 0; i < HeaderSize-2; i++ {
		flipped := append([]byte(nil), buf...)
		flipped[i] ^= 0x01
		if ValidateChecksum(flipped) {
			t.Fatalf("bit flip at byte %d did not invalidate checksum", i)
		}
	}
}

func TestPushPathToken(t *testing.T) {
	var h Header
	h.PushPathToken(1)
	h.PushPathToken(2)
	h.PushPathToken(3)
	want := [3]byte{3, 2, 1}
	if h.PathHistory != want {
		t.Fatalf("got %v want %v", h.PathHistory, want)
	}
	h.PushPathToken(4)
	want = [3]byte{4, 3, 2}
	if h.PathHistory != want {
		t.Fatalf("after overflow got %v want %v", h.PathHistory, want)
	}
	if !h.HasToken(3) {
		t.Fatalf("expected token 3 present")
	}
	if h.HasToken(1) {
		t.Fatalf("token 1 should have been displaced")
	}
}

func TestComputeMessageIDDeterministic(t *testing.T) {
	u := UUID{1, 2, 3, 4, 5, 6, 7, 8}
	a := ComputeMessageID(u, 100, 7)
	b := ComputeMessageID(u, 100, 7)
	if a != b {
		t.Fatalf("messageId not deterministic: %d != %d", a, b)
	}
	c := ComputeMessageID(u, 101, 7)
	if a == c {
		t.Fatalf("messageId did not change with timestamp")
	}
}
