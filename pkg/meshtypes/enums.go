package meshtypes

// MessageType enumerates the wire-level message kinds carried in the header.
type MessageType uint8

const (
	MsgData MessageType = iota
	MsgControl
	MsgHeartbeat
	MsgAck
	MsgNack
	MsgRouteRequest
	MsgRouteReply
	MsgNameConflict
)

func (t MessageType) String() string {
	switch t {
	case MsgData:
		return "DATA"
	case MsgControl:
		return "CONTROL"
	case MsgHeartbeat:
		return "HEARTBEAT"
	case MsgAck:
		return "ACK"
	case MsgNack:
		return "NACK"
	case MsgRouteRequest:
		return "ROUTE_REQUEST"
	case MsgRouteReply:
		return "ROUTE_REPLY"
	case MsgNameConflict:
		return "NAME_CONFLICT"
	default:
		return "UNKNOWN"
	}
}

// Priority enumerates the four send-priority tiers.
type Priority uint8

const (
	PriorityEmergency Priority = iota
	PriorityDirect
	PriorityPublic
	PriorityControl
)

func (p Priority) String() string {
	switch p {
	case PriorityEmergency:
		return "EMERGENCY"
	case PriorityDirect:
		return "DIRECT"
	case PriorityPublic:
		return "PUBLIC"
	case PriorityControl:
		return "CONTROL"
	default:
		return "UNKNOWN"
	}
}

// RoutingFlags is a bitset of forwarding hints carried in the header.
type RoutingFlags uint8

const (
	FlagDirect RoutingFlags = 1 << iota
	FlagSubdomainRetry
	FlagFlood
	FlagIntermediaryAssist
	FlagEncrypted
)

func (f RoutingFlags) Has(bit RoutingFlags) bool { return f&bit != 0 }
func (f RoutingFlags) Set(bit RoutingFlags) RoutingFlags { return f | bit }
func (f RoutingFlags) Clear(bit RoutingFlags) RoutingFlags { return f &^ bit }

// NodeStatus is the node's own mobility status, advertised in heartbeats.
type NodeStatus uint8

const (
	StatusOffline NodeStatus = iota
	StatusMobile
	StatusStationary
	StatusConflict
)

func (s NodeStatus) String() string {
	switch s {
	case StatusOffline:
		return "OFFLINE"
	case StatusMobile:
		return "MOBILE"
	case StatusStationary:
		return "STATIONARY"
	case StatusConflict:
		return "CONFLICT"
	default:
		return "UNKNOWN"
	}
}

// State is the node lifecycle state machine's current state (spec §4.3.1).
type State uint8

const (
	StateInitializing State = iota
	StateDiscovering
	StateNameConflict
	StateError
	StateOperational
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateDiscovering:
		return "DISCOVERING"
	case StateNameConflict:
		return "NAME_CONFLICT"
	case StateError:
		return "ERROR"
	case StateOperational:
		return "OPERATIONAL"
	default:
		return "UNKNOWN"
	}
}

// Protocol / packet-shape constants (spec §3, §4.1, §6).
const (
	ProtocolVersion  = 1
	HeaderSize       = 32
	MaxPayloadSize   = 223
	MaxPacketSize    = 255
	MaxHopCount      = 8
	PathHistoryDepth = 3

	MaxRoutingEntries      = 128
	MaxIntermediaryMemory  = 64
	MaxSubdomainNodes      = 64

	ReliabilityCeiling = 100
	ReliabilityFloor   = 0
	ReliabilityFloorRemove = 20
	ReliabilitySuccessBonus = 5
	ReliabilityFailurePenalty = 20

	RSSIBusyThresholdDBm = -90
)
