package node

import (
	"testing"
	"time"

	"realmesh/pkg/identity"
	"realmesh/pkg/memkv"
	"realmesh/pkg/meshtypes"
	"realmesh/pkg/radio/simradio"
	"realmesh/pkg/routing"
	"realmesh/pkg/store"
)

// receivedMsg records one MessageReceived callback invocation, letting
// tests assert on delivered content rather than just aggregate counters.
type receivedMsg struct {
	From      meshtypes.NodeAddress
	Text      string
	Timestamp uint32
}

// testHarness bundles a Node with the collaborators it was built from, so
// tests can inspect delivered messages and reach back into the store the
// way a reboot (a fresh identity.Begin against the same namespace) would.
type testHarness struct {
	node     *Node
	st       store.Store
	rs       *routing.Store
	received []receivedMsg
}

func newTestNode(t *testing.T, aether *simradio.Aether, addr string, cfg Config) *testHarness {
	t.Helper()
	rd := aether.Join(addr)
	kv := memkv.New(memkv.Options{Shards: 4})
	t.Cleanup(kv.Close)
	rs := routing.NewStore(kv)
	st := store.NewMemStore()

	h := &testHarness{st: st, rs: rs}
	n, err := Begin(st, rd, rs, cfg, Events{
		MessageReceived: func(from meshtypes.NodeAddress, text string, timestamp uint32) {
			h.received = append(h.received, receivedMsg{From: from, Text: text, Timestamp: timestamp})
		},
	})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	h.node = n
	return h
}

func TestBeginEntersDiscovering(t *testing.T) {
	aether := simradio.NewAether()
	h := newTestNode(t, aether, "alpha@home", Config{DesiredNodeID: "alpha", DesiredSubdomain: "home"})
	if h.node.State() != meshtypes.StateDiscovering {
		t.Fatalf("expected DISCOVERING after Begin, got %v", h.node.State())
	}
	if h.node.Address().Display() != "alpha@home" {
		t.Fatalf("got address %v", h.node.Address())
	}
}

func TestDiscoveryTimesOutToOperational(t *testing.T) {
	aether := simradio.NewAether()
	h := newTestNode(t, aether, "alpha@home", Config{DesiredNodeID: "alpha", DesiredSubdomain: "home"})

	h.node.Tick(h.node.bootTime.Add(31 * time.Second))
	if h.node.State() != meshtypes.StateOperational {
		t.Fatalf("expected OPERATIONAL after join timeout, got %v", h.node.State())
	}
}

func TestSendMessageRequiresOperational(t *testing.T) {
	aether := simradio.NewAether()
	h := newTestNode(t, aether, "alpha@home", Config{DesiredNodeID: "alpha", DesiredSubdomain: "home"})
	h.node.state = meshtypes.StateError

	dst := meshtypes.NodeAddress{NodeID: "beta", Subdomain: "home"}
	if err := h.node.SendMessage(dst, "hi"); err == nil {
		t.Fatalf("expected NotOperational error in ERROR state")
	}
}

func TestEmergencyBypassesNotOperationalGate(t *testing.T) {
	aether := simradio.NewAether()
	h := newTestNode(t, aether, "alpha@home", Config{DesiredNodeID: "alpha", DesiredSubdomain: "home"})
	h.node.state = meshtypes.StateNameConflict

	if err := h.node.SendEmergencyMessage("help"); err != nil {
		t.Fatalf("expected emergency send to bypass gate, got %v", err)
	}
}

// S1: a direct unicast is delivered with the right content and sender, the
// sender's stats reflect exactly one application send, and the sender
// observes the receiver's automatic ACK.
func TestTwoNodeUnicastDelivers(t *testing.T) {
	aether := simradio.NewAether()
	alphaH := newTestNode(t, aether, "alpha@home", Config{DesiredNodeID: "alpha", DesiredSubdomain: "home"})
	betaH := newTestNode(t, aether, "beta@home", Config{DesiredNodeID: "beta", DesiredSubdomain: "home"})
	alpha, beta := alphaH.node, betaH.node

	now := time.Now()
	alpha.Tick(now.Add(31 * time.Second))
	beta.Tick(now.Add(31 * time.Second))
	beta.Poll() // beta observes alpha's discovery heartbeat as a direct neighbor
	alpha.Poll() // alpha observes beta's discovery heartbeat as a direct neighbor

	dst := beta.Address()
	if err := alpha.SendMessage(dst, "hi"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	beta.Poll() // beta receives the DATA packet, delivers it, and ACKs alpha
	alpha.Poll() // alpha receives beta's ACK

	if len(betaH.received) != 1 {
		t.Fatalf("expected beta to deliver exactly one message, got %d", len(betaH.received))
	}
	if betaH.received[0].Text != "hi" || !betaH.received[0].From.Equal(alpha.Address()) {
		t.Fatalf("got %+v", betaH.received[0])
	}
	if got := alpha.GetNetworkStats().MessagesSent; got != 1 {
		t.Fatalf("expected alpha to have sent exactly 1 application message, got %d", got)
	}
	if got := alpha.GetNetworkStats().MessagesReceived; got != 2 {
		t.Fatalf("expected alpha to have received beta's heartbeat and its ACK (2 packets), got %d", got)
	}
}

// S4: a sender with no direct route to the destination but a reachable
// stationary hub in the destination's subdomain gets the message there via
// the hub, and the hub records the bridge between the true endpoints.
func TestCrossSubdomainAssistDeliversViaHub(t *testing.T) {
	aether := simradio.NewAether()
	alphaH := newTestNode(t, aether, "alpha@north", Config{DesiredNodeID: "alpha", DesiredSubdomain: "north"})
	hubH := newTestNode(t, aether, "hub@south", Config{DesiredNodeID: "hub", DesiredSubdomain: "south", Stationary: true})
	bravoH := newTestNode(t, aether, "bravo@south", Config{DesiredNodeID: "bravo", DesiredSubdomain: "south"})
	alpha, hub, bravo := alphaH.node, hubH.node, bravoH.node

	// alpha can hear the hub but not bravo directly: forces the
	// subdomain-assisted tier instead of a (nonexistent) direct route.
	aether.SetLink("alpha@north", "bravo@south", simradio.LinkQuality{Reachable: false})
	aether.SetLink("bravo@south", "alpha@north", simradio.LinkQuality{Reachable: false})

	now := time.Now()
	alpha.Tick(now.Add(31 * time.Second))
	hub.Tick(now.Add(31 * time.Second))
	bravo.Tick(now.Add(31 * time.Second))

	// Drain the three discovery heartbeats each node can hear.
	alpha.Poll() // alpha <- hub
	hub.Poll()   // hub <- alpha
	hub.Poll()   // hub <- bravo
	bravo.Poll() // bravo <- hub

	if err := alpha.SendMessage(bravo.Address(), "relayed"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	hub.Poll()   // hub receives the SUBDOMAIN_RETRY packet and forwards it
	bravo.Poll() // bravo receives the forwarded packet

	if len(bravoH.received) != 1 {
		t.Fatalf("expected bravo to deliver exactly one message, got %d", len(bravoH.received))
	}
	if bravoH.received[0].Text != "relayed" || !bravoH.received[0].From.Equal(alpha.Address()) {
		t.Fatalf("got %+v", bravoH.received[0])
	}
	bridge, ok := hubH.rs.GetBridge("alpha@north", "bravo@south")
	if !ok {
		t.Fatalf("expected hub to record a bridge between alpha@north and bravo@south")
	}
	if bridge.BridgeCount != 1 {
		t.Fatalf("bridge count = %d, want 1", bridge.BridgeCount)
	}
}

// S5: a resolved name conflict is durable -- the adopted node id survives a
// simulated reboot (a fresh identity.Begin against the same namespace).
func TestNameConflictResolutionPersists(t *testing.T) {
	aether := simradio.NewAether()
	h := newTestNode(t, aether, "alpha@home", Config{DesiredNodeID: "alpha", DesiredSubdomain: "home"})
	n := h.node

	n.onNameConflict(meshtypes.NodeAddress{NodeID: "alpha", Subdomain: "home"}, "duplicate observed")
	if n.State() != meshtypes.StateNameConflict {
		t.Fatalf("expected NAME_CONFLICT state, got %v", n.State())
	}
	candidate := n.conflictCandidate

	n.Tick(time.Now().Add(31 * time.Second))
	if n.State() != meshtypes.StateOperational {
		t.Fatalf("expected OPERATIONAL after the conflict window elapses, got %v", n.State())
	}
	if n.Address().NodeID != candidate {
		t.Fatalf("expected in-memory address to adopt %q, got %q", candidate, n.Address().NodeID)
	}

	reloaded, err := identity.Begin(h.st.Namespace(identity.Namespace()), "should-be-ignored", "should-be-ignored")
	if err != nil {
		t.Fatalf("identity.Begin (reboot): %v", err)
	}
	if reloaded.NodeID != candidate {
		t.Fatalf("expected the adopted candidate %q to survive a reboot, got %q", candidate, reloaded.NodeID)
	}
}

// A user-initiated rename takes effect immediately (unlike the
// name-conflict window) and survives a simulated reboot.
func TestSetNodeIDRenamesAndPersists(t *testing.T) {
	aether := simradio.NewAether()
	h := newTestNode(t, aether, "alpha@home", Config{DesiredNodeID: "alpha", DesiredSubdomain: "home"})

	if err := h.node.SetNodeID("renamed"); err != nil {
		t.Fatalf("SetNodeID: %v", err)
	}
	if h.node.Address().NodeID != "renamed" {
		t.Fatalf("expected in-memory address to adopt the new id, got %q", h.node.Address().NodeID)
	}

	reloaded, err := identity.Load(h.st.Namespace(identity.Namespace()))
	if err != nil {
		t.Fatalf("identity.Load (reboot): %v", err)
	}
	if reloaded.NodeID != "renamed" {
		t.Fatalf("expected the rename to survive a reboot, got %q", reloaded.NodeID)
	}
}

func TestSetNodeIDRejectsInvalid(t *testing.T) {
	aether := simradio.NewAether()
	h := newTestNode(t, aether, "alpha@home", Config{DesiredNodeID: "alpha", DesiredSubdomain: "home"})
	if err := h.node.SetNodeID("no spaces allowed"); err == nil {
		t.Fatalf("expected an error for an invalid node id")
	}
}

func TestSetSubdomainRenamesLocalMembership(t *testing.T) {
	aether := simradio.NewAether()
	h := newTestNode(t, aether, "alpha@home", Config{DesiredNodeID: "alpha", DesiredSubdomain: "home"})

	if err := h.node.SetSubdomain("north"); err != nil {
		t.Fatalf("SetSubdomain: %v", err)
	}
	if h.node.Address().Subdomain != "north" {
		t.Fatalf("expected in-memory address to adopt the new subdomain, got %q", h.node.Address().Subdomain)
	}

	info, ok := h.rs.GetSubdomain("north")
	if !ok || !info.IsLocal {
		t.Fatalf("expected the new subdomain to be tracked as local, got %+v (ok=%v)", info, ok)
	}
	if old, ok := h.rs.GetSubdomain("home"); ok && old.IsLocal {
		t.Fatalf("expected the old subdomain to lose local membership, got %+v", old)
	}
}

func TestGetNodeConfigReflectsIdentity(t *testing.T) {
	aether := simradio.NewAether()
	h := newTestNode(t, aether, "alpha@home", Config{DesiredNodeID: "alpha", DesiredSubdomain: "home", Stationary: true})

	cfg := h.node.GetNodeConfig()
	if cfg.NodeID != "alpha" || cfg.Subdomain != "home" {
		t.Fatalf("got %+v", cfg)
	}
	if !cfg.Stationary {
		t.Fatalf("expected stationary status to be reflected")
	}
	if cfg.BootCount != 1 {
		t.Fatalf("expected boot count 1 on first boot, got %d", cfg.BootCount)
	}
}

func TestLoadConfigDiscardsUncommittedRename(t *testing.T) {
	aether := simradio.NewAether()
	h := newTestNode(t, aether, "alpha@home", Config{DesiredNodeID: "alpha", DesiredSubdomain: "home"})

	h.node.self.NodeID = "uncommitted"
	if err := h.node.LoadConfig(); err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if h.node.Address().NodeID != "alpha" {
		t.Fatalf("expected LoadConfig to restore the persisted id, got %q", h.node.Address().NodeID)
	}
}

func TestFactoryResetClearsIdentity(t *testing.T) {
	aether := simradio.NewAether()
	h := newTestNode(t, aether, "alpha@home", Config{DesiredNodeID: "alpha", DesiredSubdomain: "home"})
	if err := h.node.FactoryReset(); err != nil {
		t.Fatalf("FactoryReset: %v", err)
	}
	if !h.node.FactoryResetPending() {
		t.Fatalf("expected factory reset to be marked pending")
	}
}
