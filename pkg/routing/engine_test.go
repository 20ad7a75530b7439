package routing

import (
	"testing"
	"time"

	"realmesh/pkg/memkv"
	"realmesh/pkg/meshtypes"
)

func newTestEngine(t *testing.T, self string, status meshtypes.NodeStatus) (*Engine, *Store, *[]meshtypes.Packet) {
	t.Helper()
	kv := memkv.New(memkv.Options{Shards: 4})
	t.Cleanup(kv.Close)
	store := NewStore(kv)
	sent := &[]meshtypes.Packet{}
	e := NewEngine(addr(t, self), status, store, Callbacks{
		SendPacket: func(p meshtypes.Packet) error { *sent = append(*sent, p); return nil },
	})
	return e, store, sent
}

// S1: two-node direct unicast. A learns B as a direct neighbor from a
// zero-hop packet, then RouteMessage takes the direct path.
func TestDirectUnicastAfterNeighborObserved(t *testing.T) {
	e, _, _ := newTestEngine(t, "alpha@home", meshtypes.StatusMobile)

	beta := addr(t, "beta@home")
	hello := meshtypes.CreateData(beta, addr(t, "alpha@home"), 10, 1, "hi", meshtypes.PriorityDirect, false)
	e.Receive(hello, -50, 8)

	neighbors := e.KnownDirectNeighbors()
	if len(neighbors) != 1 || !neighbors[0].Destination.Equal(beta) {
		t.Fatalf("expected beta@home learned as a direct neighbor, got %+v", neighbors)
	}
}

func TestRouteMessageUsesDirectRoute(t *testing.T) {
	e, store, sent := newTestEngine(t, "alpha@home", meshtypes.StatusMobile)
	beta := addr(t, "beta@home")

	store.UpsertRoute(beta.Display(), meshtypes.RoutingEntry{
		Destination: beta, NextHop: beta, HopCount: 0, Reliability: 90,
	})

	if err := e.RouteMessage(beta, "hello", meshtypes.PriorityDirect, false, 1); err != nil {
		t.Fatalf("RouteMessage: %v", err)
	}
	if len(*sent) != 1 {
		t.Fatalf("expected 1 packet sent, got %d", len(*sent))
	}
	if !(*sent)[0].Header.RoutingFlags.Has(meshtypes.FlagDirect) {
		t.Fatalf("expected DIRECT flag set")
	}
}

// S2/S3: flooded packets are not re-forwarded once this node's token is
// already present in the path history (loop suppression, invariant 5).
func TestForwardSuppressesLoop(t *testing.T) {
	e, _, sent := newTestEngine(t, "alpha@home", meshtypes.StatusMobile)

	src := addr(t, "beta@home")
	dst := addr(t, "gamma@far")
	p := meshtypes.CreateData(src, dst, 5, 1, "flood me", meshtypes.PriorityPublic, false)
	p.Header.RoutingFlags = meshtypes.FlagFlood
	p.Header.PushPathToken(e.self.UUID.Token())

	e.Receive(p, -60, 5)
	if len(*sent) != 0 {
		t.Fatalf("expected packet already carrying our token to be dropped, got %d sends", len(*sent))
	}
}

func TestForwardRespectsHopBudget(t *testing.T) {
	e, _, sent := newTestEngine(t, "alpha@home", meshtypes.StatusMobile)

	src := addr(t, "beta@home")
	dst := addr(t, "gamma@far")
	p := meshtypes.CreateData(src, dst, 5, 1, "flood me", meshtypes.PriorityPublic, false)
	p.Header.RoutingFlags = meshtypes.FlagFlood
	p.Header.HopCount = p.Header.MaxHops

	e.Receive(p, -60, 5)
	if len(*sent) != 0 {
		t.Fatalf("expected packet at hop budget to be dropped, got %d sends", len(*sent))
	}
}

func TestFloodForwardsAndCountsStats(t *testing.T) {
	e, _, sent := newTestEngine(t, "alpha@home", meshtypes.StatusMobile)

	src := addr(t, "beta@home")
	dst := addr(t, "gamma@far")
	p := meshtypes.CreateData(src, dst, 5, 1, "flood me", meshtypes.PriorityPublic, false)
	p.Header.RoutingFlags = meshtypes.FlagFlood

	e.Receive(p, -60, 5)
	if len(*sent) != 1 {
		t.Fatalf("expected forward, got %d sends", len(*sent))
	}
	if e.Stats().MessagesForwarded != 1 {
		t.Fatalf("expected forwarded counter to increment")
	}
	if (*sent)[0].Header.HopCount != p.Header.HopCount+1 {
		t.Fatalf("expected hop count incremented on forward")
	}
}

// Invariant: reliability walk clamps to [0,100] and evicts below the floor.
func TestAdjustReliabilityViaEngine(t *testing.T) {
	_, store, _ := newTestEngine(t, "alpha@home", meshtypes.StatusMobile)
	beta := addr(t, "beta@home")
	store.UpsertRoute(beta.Display(), meshtypes.RoutingEntry{Destination: beta, NextHop: beta, Reliability: 22})
	store.AdjustReliability(beta.Display(), false)
	if _, ok := store.GetRoute(beta.Display()); ok {
		t.Fatalf("expected route to be evicted below removal floor")
	}
}

// An inbound ACK applies the success half of the reliability walk against
// the route to whoever sent it.
func TestAckDeliveryIncrementsReliability(t *testing.T) {
	e, store, _ := newTestEngine(t, "alpha@home", meshtypes.StatusMobile)
	beta := addr(t, "beta@home")
	store.UpsertRoute(beta.Display(), meshtypes.RoutingEntry{Destination: beta, NextHop: beta, Reliability: 50})

	// HopCount > 0 keeps updatePathFromPacket from resetting the route to
	// ReliabilityCeiling as a freshly-observed direct neighbor would.
	ack := meshtypes.CreateAck(beta, addr(t, "alpha@home"), 10, 1, 1234)
	ack.Header.HopCount = 1
	e.Receive(ack, -55, 8)

	got, ok := store.GetRoute(beta.Display())
	if !ok {
		t.Fatalf("expected route to survive")
	}
	want := int32(50 + meshtypes.ReliabilitySuccessBonus)
	if got.Reliability != want {
		t.Fatalf("reliability = %d, want %d", got.Reliability, want)
	}
}

// An inbound NACK applies the failure half of the reliability walk.
func TestNackDeliveryDecrementsReliability(t *testing.T) {
	e, store, _ := newTestEngine(t, "alpha@home", meshtypes.StatusMobile)
	beta := addr(t, "beta@home")
	store.UpsertRoute(beta.Display(), meshtypes.RoutingEntry{Destination: beta, NextHop: beta, Reliability: 50})

	nack := meshtypes.CreateAck(beta, addr(t, "alpha@home"), 10, 1, 1234)
	nack.Header.MessageType = meshtypes.MsgNack
	nack.Header.HopCount = 1
	e.Receive(nack, -55, 8)

	got, ok := store.GetRoute(beta.Display())
	if !ok {
		t.Fatalf("expected route to survive")
	}
	want := int32(50 - meshtypes.ReliabilityFailurePenalty)
	if got.Reliability != want {
		t.Fatalf("reliability = %d, want %d", got.Reliability, want)
	}
}

// Stationary hub membership toggles in the local subdomain map (invariant 9).
func TestSetStatusTogglesStationaryHub(t *testing.T) {
	e, store, _ := newTestEngine(t, "alpha@home", meshtypes.StatusMobile)
	e.SetStatus(meshtypes.StatusStationary)
	info, ok := store.GetSubdomain("home")
	if !ok {
		t.Fatalf("expected local subdomain to be tracked")
	}
	found := false
	for _, h := range info.StationaryHubs {
		if h == "alpha@home" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected alpha@home to be listed as a stationary hub, got %+v", info.StationaryHubs)
	}

	e.SetStatus(meshtypes.StatusMobile)
	info, _ = store.GetSubdomain("home")
	for _, h := range info.StationaryHubs {
		if h == "alpha@home" {
			t.Fatalf("expected alpha@home removed from stationary hubs after going mobile")
		}
	}
}

// S6-adjacent: heartbeat cadence follows the boot-relative schedule.
func TestHeartbeatIntervalSchedule(t *testing.T) {
	e, _, _ := newTestEngine(t, "alpha@home", meshtypes.StatusStationary)
	if got := e.HeartbeatInterval(10 * time.Second); got.Seconds() != 3 {
		t.Fatalf("expected 3s cadence in the first minute, got %v", got)
	}
}

// S4: cross-subdomain assist end to end. alpha@north has no direct route
// to bravo@south, but knows hub@south is a reachable stationary hub of
// bravo's subdomain, so it addresses the packet straight to bravo and
// leans on the hub to carry it the rest of the way (spec §4.2.2 step 2).
func TestSubdomainAssistedRoundTripRecordsBridge(t *testing.T) {
	alphaEng, alphaStore, alphaSent := newTestEngine(t, "alpha@north", meshtypes.StatusMobile)
	hub := addr(t, "hub@south")
	bravo := addr(t, "bravo@south")

	alphaStore.UpsertSubdomain(meshtypes.SubdomainInfo{Name: "south", StationaryHubs: []string{"hub@south"}})
	alphaStore.UpsertRoute("hub@south", meshtypes.RoutingEntry{Destination: hub, NextHop: hub, Reliability: 90})

	if err := alphaEng.RouteMessage(bravo, "relayed", meshtypes.PriorityDirect, false, 7); err != nil {
		t.Fatalf("RouteMessage: %v", err)
	}
	if len(*alphaSent) != 1 {
		t.Fatalf("expected exactly one packet sent, got %d", len(*alphaSent))
	}
	onAir := (*alphaSent)[0]
	if !onAir.Header.RoutingFlags.Has(meshtypes.FlagSubdomainRetry) {
		t.Fatalf("expected SUBDOMAIN_RETRY flag, got flags %v", onAir.Header.RoutingFlags)
	}
	if !onAir.Destination.Equal(bravo) {
		t.Fatalf("expected the packet to stay addressed to the real destination bravo@south, got %s", onAir.Destination.Display())
	}

	hubEng, hubStore, hubSent := newTestEngine(t, "hub@south", meshtypes.StatusStationary)
	hubStore.UpsertRoute("bravo@south", meshtypes.RoutingEntry{Destination: bravo, NextHop: bravo, Reliability: 90})

	hubEng.Receive(onAir, -55, 7)
	if len(*hubSent) != 1 {
		t.Fatalf("expected hub to forward the packet, got %d sends", len(*hubSent))
	}
	forwarded := (*hubSent)[0]
	if !forwarded.Destination.Equal(bravo) {
		t.Fatalf("expected forwarded packet still addressed to bravo@south, got %s", forwarded.Destination.Display())
	}
	if forwarded.Header.HopCount != onAir.Header.HopCount+1 {
		t.Fatalf("expected hop count incremented by the hub")
	}
	bridge, ok := hubStore.GetBridge("alpha@north", "bravo@south")
	if !ok {
		t.Fatalf("expected hub to record an intermediary bridge between alpha@north and bravo@south")
	}
	if bridge.BridgeCount != 1 {
		t.Fatalf("bridge count = %d, want 1", bridge.BridgeCount)
	}

	var delivered string
	var deliveredFrom meshtypes.NodeAddress
	bravoEng, _, _ := newTestEngine(t, "bravo@south", meshtypes.StatusMobile)
	bravoEng.cb.Deliver = func(from meshtypes.NodeAddress, text string, timestamp uint32) {
		deliveredFrom = from
		delivered = text
	}
	bravoEng.Receive(forwarded, -50, 8)
	if delivered != "relayed" {
		t.Fatalf("expected bravo to receive %q, got %q", "relayed", delivered)
	}
	if !deliveredFrom.Equal(addr(t, "alpha@north")) {
		t.Fatalf("expected delivered message to report the original sender alpha@north, got %s", deliveredFrom.Display())
	}
}

// Without a reachable stationary hub, subdomain assist is skipped and the
// message falls through to flood rather than silently failing.
func TestSubdomainAssistedFallsBackToFloodWithoutReachableHub(t *testing.T) {
	e, store, sent := newTestEngine(t, "alpha@north", meshtypes.StatusMobile)
	store.UpsertSubdomain(meshtypes.SubdomainInfo{Name: "south", StationaryHubs: []string{"hub@south"}})
	// No route to hub@south recorded: the hub is not directly reachable.

	if err := e.RouteMessage(addr(t, "bravo@south"), "hi", meshtypes.PriorityDirect, false, 1); err != nil {
		t.Fatalf("RouteMessage: %v", err)
	}
	if len(*sent) != 1 {
		t.Fatalf("expected exactly one packet sent, got %d", len(*sent))
	}
	if !(*sent)[0].Header.RoutingFlags.Has(meshtypes.FlagFlood) {
		t.Fatalf("expected fallback to FLOOD, got flags %v", (*sent)[0].Header.RoutingFlags)
	}
}
