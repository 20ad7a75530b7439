// Package routing implements the mesh routing engine: the routing table,
// subdomain map, intermediary bridge memory, and the tiered send strategy
// (direct, subdomain-assisted, flood) built on top of them.
package routing

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"realmesh/pkg/memkv"
	"realmesh/pkg/meshtypes"
)

const (
	keyRoutePrefix     = "route:"
	keyBridgePrefix    = "bridge:"
	keySubdomainPrefix = "subdomain:"
	// routeTTLMobile/routeTTLStationary implement the idle-expiration split
	// spec §4.2.5/§5 require: routes owned by a mobile node go idle after an
	// hour of disuse, routes owned by a stationary node after a day.
	routeTTLMobile     = time.Hour
	routeTTLStationary = 24 * time.Hour
	// Bridges and subdomain records never expire on their own (spec §4.2.6,
	// §3): a ttl of 0 tells memkv.Store.Set to skip expiry entirely, so
	// these two maps are bounded only by enforceCapacity/evictOldest*Locked.
	subdomainTTL = 0
	bridgeTTL    = 0
)

// routeTTL returns the idle-expiration TTL for a route, driven by the
// status of the node that owns it rather than a single flat duration.
func routeTTL(owner meshtypes.NodeStatus) time.Duration {
	if owner == meshtypes.StatusStationary {
		return routeTTLStationary
	}
	return routeTTLMobile
}

// Store persists routing table entries, intermediary bridge memory, and
// subdomain metadata in the shared in-memory KV, mirroring the same
// upsert/index/prune shape used for identity and node state.
type Store struct {
	kv *memkv.Store

	idxMu       sync.RWMutex
	routeIndex  map[string]struct{}
	bridgeIndex map[string]struct{}
	subdomainIx map[string]struct{}
}

// NewStore constructs a routing Store over an existing shared KV instance.
func NewStore(kv *memkv.Store) *Store {
	return &Store{
		kv:          kv,
		routeIndex:  make(map[string]struct{}),
		bridgeIndex: make(map[string]struct{}),
		subdomainIx: make(map[string]struct{}),
	}
}

func routeKey(dest string) string { return keyRoutePrefix + dest }

// UpsertRoute records or refreshes the routing table entry for dest
// (keyed by its display address, per spec §3).
func (s *Store) UpsertRoute(dest string, e meshtypes.RoutingEntry) {
	e.LastUsed = time.Now()
	e.Valid = true
	b, _ := json.Marshal(e)
	s.kv.Set(routeKey(dest), b, routeTTL(e.OwnerStatus))
	s.idxMu.Lock()
	s.routeIndex[dest] = struct{}{}
	s.idxMu.Unlock()
	zap.L().Debug("route upsert", zap.String("dest", dest), zap.String("next_hop", e.NextHop.Display()),
		zap.Uint8("hops", e.HopCount), zap.Int32("reliability", e.Reliability))
}

// GetRoute returns the routing table entry for dest, if any and unexpired.
func (s *Store) GetRoute(dest string) (meshtypes.RoutingEntry, bool) {
	b, ok := s.kv.Get(routeKey(dest))
	if !ok {
		return meshtypes.RoutingEntry{}, false
	}
	var e meshtypes.RoutingEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return meshtypes.RoutingEntry{}, false
	}
	return e, true
}

// DeleteRoute removes the entry for dest, e.g. when reliability collapses.
func (s *Store) DeleteRoute(dest string) {
	s.kv.Delete(routeKey(dest))
	s.idxMu.Lock()
	delete(s.routeIndex, dest)
	s.idxMu.Unlock()
}

// ListRouteDestinations returns a snapshot of known destination keys.
func (s *Store) ListRouteDestinations() []string {
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	out := make([]string, 0, len(s.routeIndex))
	for d := range s.routeIndex {
		out = append(out, d)
	}
	return out
}

// AdjustReliability applies the success/failure reliability walk (spec
// §4.2.5) and evicts the route once it collapses below the removal floor.
func (s *Store) AdjustReliability(dest string, success bool) {
	e, ok := s.GetRoute(dest)
	if !ok {
		return
	}
	if success {
		e.Reliability = clampReliability(e.Reliability + meshtypes.ReliabilitySuccessBonus)
	} else {
		e.Reliability = clampReliability(e.Reliability - meshtypes.ReliabilityFailurePenalty)
	}
	if e.Reliability < meshtypes.ReliabilityFloorRemove {
		s.DeleteRoute(dest)
		zap.L().Info("route evicted: reliability collapsed", zap.String("dest", dest))
		return
	}
	s.UpsertRoute(dest, e)
}

func clampReliability(v int32) int32 {
	if v > meshtypes.ReliabilityCeiling {
		return meshtypes.ReliabilityCeiling
	}
	if v < meshtypes.ReliabilityFloor {
		return meshtypes.ReliabilityFloor
	}
	return v
}

// PruneExpired walks the route index and drops entries the KV has already
// timed out, keeping the index consistent with actual TTL expiry. It also
// enforces the routing table's capacity cap (invariant 4: LRU-by-lastUsed
// eviction when full).
func (s *Store) PruneExpired() {
	for _, dest := range s.ListRouteDestinations() {
		if !s.kv.Exists(routeKey(dest)) {
			s.idxMu.Lock()
			delete(s.routeIndex, dest)
			s.idxMu.Unlock()
		}
	}
	s.enforceCapacity()
}

func (s *Store) enforceCapacity() {
	for {
		dests := s.ListRouteDestinations()
		if len(dests) <= meshtypes.MaxRoutingEntries {
			return
		}
		var oldestDest string
		var oldestTime time.Time
		for _, d := range dests {
			e, ok := s.GetRoute(d)
			if !ok {
				continue
			}
			if oldestDest == "" || e.LastUsed.Before(oldestTime) {
				oldestDest, oldestTime = d, e.LastUsed
			}
		}
		if oldestDest == "" {
			return
		}
		s.DeleteRoute(oldestDest)
	}
}

// ---- Intermediary bridge memory ----

func bridgeKey(a, b string) string {
	lo, hi := meshtypes.PairKey(a, b)
	return keyBridgePrefix + lo + "|" + hi
}

// RecordBridge notes that a and b were observed bridged through this node,
// incrementing the bridge count if the pair was already known (spec §4.2.6).
func (s *Store) RecordBridge(a, b string) meshtypes.IntermediaryEntry {
	key := bridgeKey(a, b)
	var out meshtypes.IntermediaryEntry
	if v, ok := s.kv.Get(key); ok {
		_ = json.Unmarshal(v, &out)
	} else {
		lo, hi := meshtypes.PairKey(a, b)
		out = meshtypes.IntermediaryEntry{NodeA: lo, NodeB: hi}
	}
	out.LastBridged = time.Now()
	out.BridgeCount++
	out.Active = true
	enc, _ := json.Marshal(out)
	s.kv.Set(key, enc, bridgeTTL)
	s.idxMu.Lock()
	s.bridgeIndex[key] = struct{}{}
	if len(s.bridgeIndex) > meshtypes.MaxIntermediaryMemory {
		s.evictOldestBridgeLocked()
	}
	s.idxMu.Unlock()
	return out
}

func (s *Store) evictOldestBridgeLocked() {
	var oldestKey string
	var oldestTime time.Time
	for k := range s.bridgeIndex {
		b, ok := s.kv.Get(k)
		if !ok {
			delete(s.bridgeIndex, k)
			continue
		}
		var e meshtypes.IntermediaryEntry
		if err := json.Unmarshal(b, &e); err != nil {
			continue
		}
		if !e.Active {
			oldestKey = k
			break
		}
		if oldestKey == "" || e.LastBridged.Before(oldestTime) {
			oldestKey, oldestTime = k, e.LastBridged
		}
	}
	if oldestKey != "" {
		s.kv.Delete(oldestKey)
		delete(s.bridgeIndex, oldestKey)
	}
}

// GetBridge returns the recorded intermediary relationship between a and b.
func (s *Store) GetBridge(a, b string) (meshtypes.IntermediaryEntry, bool) {
	v, ok := s.kv.Get(bridgeKey(a, b))
	if !ok {
		return meshtypes.IntermediaryEntry{}, false
	}
	var e meshtypes.IntermediaryEntry
	if err := json.Unmarshal(v, &e); err != nil {
		return meshtypes.IntermediaryEntry{}, false
	}
	return e, true
}

// BridgeCount returns how many bridges are currently tracked.
func (s *Store) BridgeCount() int {
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	return len(s.bridgeIndex)
}

// ---- Subdomain map ----

func subdomainKey(name string) string { return keySubdomainPrefix + name }

// UpsertSubdomain records or refreshes what this node knows about a subdomain.
func (s *Store) UpsertSubdomain(info meshtypes.SubdomainInfo) {
	info.LastUpdated = time.Now()
	b, _ := json.Marshal(info)
	s.kv.Set(subdomainKey(info.Name), b, subdomainTTL)
	s.idxMu.Lock()
	s.subdomainIx[info.Name] = struct{}{}
	if len(s.subdomainIx) > meshtypes.MaxSubdomainNodes {
		s.evictOldestSubdomainLocked()
	}
	s.idxMu.Unlock()
}

func (s *Store) evictOldestSubdomainLocked() {
	var oldestKey, oldestName string
	var oldestTime time.Time
	for name := range s.subdomainIx {
		k := subdomainKey(name)
		b, ok := s.kv.Get(k)
		if !ok {
			delete(s.subdomainIx, name)
			continue
		}
		var info meshtypes.SubdomainInfo
		if err := json.Unmarshal(b, &info); err != nil {
			continue
		}
		if info.IsLocal {
			continue // never evict the local subdomain (invariant 6)
		}
		if oldestKey == "" || info.LastUpdated.Before(oldestTime) {
			oldestKey, oldestName, oldestTime = k, name, info.LastUpdated
		}
	}
	if oldestKey != "" {
		s.kv.Delete(oldestKey)
		delete(s.subdomainIx, oldestName)
	}
}

// GetSubdomain returns known metadata for a subdomain name.
func (s *Store) GetSubdomain(name string) (meshtypes.SubdomainInfo, bool) {
	b, ok := s.kv.Get(subdomainKey(name))
	if !ok {
		return meshtypes.SubdomainInfo{}, false
	}
	var info meshtypes.SubdomainInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return meshtypes.SubdomainInfo{}, false
	}
	return info, true
}

// ListSubdomains returns known subdomain names.
func (s *Store) ListSubdomains() []string {
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	out := make([]string, 0, len(s.subdomainIx))
	for name := range s.subdomainIx {
		out = append(out, name)
	}
	return out
}
