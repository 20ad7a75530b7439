package routing

import (
	"testing"

	"realmesh/pkg/memkv"
	"realmesh/pkg/meshtypes"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	kv := memkv.New(memkv.Options{Shards: 4})
	t.Cleanup(kv.Close)
	return NewStore(kv)
}

func addr(t *testing.T, s string) meshtypes.NodeAddress {
	t.Helper()
	a, err := meshtypes.ParseAddress(s)
	if err != nil {
		t.Fatalf("ParseAddress(%q): %v", s, err)
	}
	return a
}

func TestUpsertAndGetRoute(t *testing.T) {
	s := newTestStore(t)
	beta := addr(t, "beta@home")
	gamma := addr(t, "gamma@home")
	s.UpsertRoute("beta@home", meshtypes.RoutingEntry{
		Destination: beta, NextHop: gamma, HopCount: 2, Reliability: 80,
	})
	got, ok := s.GetRoute("beta@home")
	if !ok {
		t.Fatalf("expected route to exist")
	}
	if !got.NextHop.Equal(gamma) || got.HopCount != 2 {
		t.Fatalf("got %+v", got)
	}
}

func TestAdjustReliabilityEvictsBelowFloor(t *testing.T) {
	s := newTestStore(t)
	beta := addr(t, "beta@home")
	s.UpsertRoute("beta@home", meshtypes.RoutingEntry{Destination: beta, NextHop: beta, Reliability: 25})
	s.AdjustReliability("beta@home", false)
	if _, ok := s.GetRoute("beta@home"); ok {
		t.Fatalf("route should have been evicted below the removal floor")
	}
}

func TestAdjustReliabilityClampsAtCeiling(t *testing.T) {
	s := newTestStore(t)
	beta := addr(t, "beta@home")
	s.UpsertRoute("beta@home", meshtypes.RoutingEntry{Destination: beta, NextHop: beta, Reliability: 98})
	s.AdjustReliability("beta@home", true)
	got, ok := s.GetRoute("beta@home")
	if !ok {
		t.Fatalf("route should still exist")
	}
	if got.Reliability != meshtypes.ReliabilityCeiling {
		t.Fatalf("reliability = %d, want %d", got.Reliability, meshtypes.ReliabilityCeiling)
	}
}

func TestRecordBridgeIncrementsCount(t *testing.T) {
	s := newTestStore(t)
	s.RecordBridge("alpha@home", "beta@home")
	got := s.RecordBridge("beta@home", "alpha@home") // pair is order-independent
	if got.BridgeCount != 2 {
		t.Fatalf("bridge count = %d, want 2", got.BridgeCount)
	}
}

func TestSubdomainUpsertAndList(t *testing.T) {
	s := newTestStore(t)
	s.UpsertSubdomain(meshtypes.SubdomainInfo{Name: "home", KnownNodes: []string{"a@home", "b@home", "c@home"}})
	got, ok := s.GetSubdomain("home")
	if !ok {
		t.Fatalf("expected subdomain to be recorded")
	}
	if len(got.KnownNodes) != 3 {
		t.Fatalf("got %+v", got)
	}
	names := s.ListSubdomains()
	if len(names) != 1 || names[0] != "home" {
		t.Fatalf("got %+v", names)
	}
}
