package meshtypes

import "time"

// RoutingEntry is a single routing-table row (spec §3), keyed by the
// destination's display address.
type RoutingEntry struct {
	Destination    NodeAddress
	NextHop        NodeAddress
	BackupHop      NodeAddress // unspecified selection policy (spec §9); may be zero
	LastUsed       time.Time
	HopCount       uint8
	SignalStrength int32 // dBm
	Reliability    int32 // [0,100]
	OwnerStatus    NodeStatus // status of the node that owns this route, for idle-expiration policy
	Valid          bool
}

// IntermediaryEntry represents a bridging capability between two nodes
// observed or provided by this node (spec §3).
type IntermediaryEntry struct {
	NodeA       string // display address, unordered pair
	NodeB       string
	LastBridged time.Time
	BridgeCount uint32
	Active      bool
}

// PairKey returns a stable, order-independent key for the (nodeA, nodeB)
// pair.
func PairKey(a, b string) (string, string) {
	if a <= b {
		return a, b
	}
	return b, a
}

// SubdomainInfo tracks everything known about one subdomain (spec §3).
type SubdomainInfo struct {
	Name           string
	KnownNodes     []string // display addresses
	StationaryHubs []string // display addresses
	LastUpdated    time.Time
	IsLocal        bool
}

// NetworkStats is the counters bundle spec §3/§6 requires
// (getNetworkStats).
type NetworkStats struct {
	MessagesSent      uint64
	MessagesReceived  uint64
	MessagesForwarded uint64
	MessagesDropped   uint64
	RoutingTableSize  int
	AvgRSSI           float64 // EWMA, alpha=0.1
	NetworkLoad       uint8   // 0-100
	LastHeartbeat     time.Time
}

// UpdateAvgRSSI folds sample into the EWMA with alpha=0.1 (spec §3, §4.2.1
// step 2).
func (s *NetworkStats) UpdateAvgRSSI(sample float64) {
	const alpha = 0.1
	if s.AvgRSSI == 0 {
		s.AvgRSSI = sample
		return
	}
	s.AvgRSSI = alpha*sample + (1-alpha)*s.AvgRSSI
}
