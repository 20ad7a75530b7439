package simradio

import "testing"

func TestBroadcastDeliversToOtherMembers(t *testing.T) {
	aether := NewAether()
	a := aether.Join("alpha@home")
	b := aether.Join("beta@home")
	defer a.Close()
	defer b.Close()

	if err := a.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	rx, ok := b.Poll()
	if !ok {
		t.Fatalf("expected beta to receive alpha's frame")
	}
	if string(rx.Payload) != "hello" {
		t.Fatalf("got %q", rx.Payload)
	}
	if _, ok := a.Poll(); ok {
		t.Fatalf("sender should not receive its own frame")
	}
}

func TestUnreachableLinkDropsFrame(t *testing.T) {
	aether := NewAether()
	a := aether.Join("alpha@home")
	b := aether.Join("gamma@far")
	defer a.Close()
	defer b.Close()

	aether.SetLink("alpha@home", "gamma@far", LinkQuality{Reachable: false})
	if err := a.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, ok := b.Poll(); ok {
		t.Fatalf("expected out-of-range peer to not receive the frame")
	}
}

func TestCountersTrackSendAndReceive(t *testing.T) {
	aether := NewAether()
	a := aether.Join("alpha@home")
	b := aether.Join("beta@home")
	defer a.Close()
	defer b.Close()

	_ = a.Send([]byte("abc"))
	if a.Counters().Sent != 1 {
		t.Fatalf("expected sender counter to increment")
	}
	b.Poll()
	if b.Counters().Received != 1 {
		t.Fatalf("expected receiver counter to increment")
	}
}

func TestChannelBusyReflectsLastRSSI(t *testing.T) {
	aether := NewAether()
	a := aether.Join("alpha@home")
	b := aether.Join("beta@home")
	defer a.Close()
	defer b.Close()

	aether.SetLink("alpha@home", "beta@home", LinkQuality{RSSIDBm: -40, SNRDB: 10, Reachable: true})
	if b.IsChannelBusy() {
		t.Fatalf("expected quiet channel before any reception")
	}
	_ = a.Send([]byte("x"))
	b.Poll()
	if !b.IsChannelBusy() {
		t.Fatalf("expected busy channel after a strong reception")
	}
}
