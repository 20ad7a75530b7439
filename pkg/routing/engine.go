package routing

import (
	"time"

	"go.uber.org/zap"

	"realmesh/pkg/crypto"
	"realmesh/pkg/meshtypes"
)

// Callbacks are the routing engine's only path back to its owner. The
// engine holds no reference to the node; it reports outward exclusively
// through these closures, mirroring a small vtable of value-taking
// callbacks rather than an upward object reference (spec §9).
type Callbacks struct {
	// SendPacket hands a fully-formed packet to the radio adapter.
	SendPacket func(p meshtypes.Packet) error
	// Deliver is called once per DATA packet addressed to us.
	Deliver func(from meshtypes.NodeAddress, text string, timestamp uint32)
	// RouteChanged notifies of routing table mutations, for the event surface.
	RouteChanged func(dest string, reason string)
	// NameConflict is called when a NAME_CONFLICT addressed to us arrives.
	NameConflict func(from meshtypes.NodeAddress, reason string)
}

// Engine owns the routing table, subdomain map, and bridge memory, and
// implements the receive path, tiered send strategy, and forwarding
// decision. All mutation happens on the single-threaded caller's goroutine;
// Engine performs no internal locking beyond what Store already provides.
type Engine struct {
	self   meshtypes.NodeAddress
	status meshtypes.NodeStatus

	store *Store
	stats meshtypes.NetworkStats

	cb Callbacks

	cipher crypto.Cipher

	bootTime time.Time
}

// NewEngine constructs a routing engine for the local address. status
// should reflect the node's current STATIONARY/MOBILE setting. The engine
// starts with a no-op cipher; SetCipher installs the real one once the
// caller has decided a key, satisfying spec §9's pluggable-cipher open
// question.
func NewEngine(self meshtypes.NodeAddress, status meshtypes.NodeStatus, store *Store, cb Callbacks) *Engine {
	e := &Engine{self: self, status: status, store: store, cb: cb, cipher: crypto.NopCipher{}, bootTime: time.Now()}
	info, _ := store.GetSubdomain(self.Subdomain)
	info.Name = self.Subdomain
	info.IsLocal = true
	info.KnownNodes = addUnique(info.KnownNodes, self.Display())
	e.store.UpsertSubdomain(info)
	if status == meshtypes.StatusStationary {
		e.markStationaryHub(true)
	}
	return e
}

// SetCipher installs the Cipher used to seal/open DATA payloads carrying
// the ENCRYPTED routing flag.
func (e *Engine) SetCipher(c crypto.Cipher) {
	if c == nil {
		c = crypto.NopCipher{}
	}
	e.cipher = c
}

// SetStatus updates own status and its stationary-hub membership in the
// local subdomain (invariant 7 / testable property 9).
func (e *Engine) SetStatus(status meshtypes.NodeStatus) {
	was := e.status
	e.status = status
	if was == status {
		return
	}
	e.markStationaryHub(status == meshtypes.StatusStationary)
}

// SetSelf updates the engine's own address after an identity mutation
// (the node-configuration setNodeName/setSubdomain commands), moving the
// local subdomain membership across from the old address so invariant 6
// (the local subdomain entry always contains the local node) still holds.
func (e *Engine) SetSelf(self meshtypes.NodeAddress) {
	old := e.self
	e.self = self
	if old.Subdomain != "" && old.Subdomain != self.Subdomain {
		if info, ok := e.store.GetSubdomain(old.Subdomain); ok {
			info.KnownNodes = removeString(info.KnownNodes, old.Display())
			info.StationaryHubs = removeString(info.StationaryHubs, old.Display())
			info.IsLocal = false
			e.store.UpsertSubdomain(info)
		}
	}
	info, _ := e.store.GetSubdomain(self.Subdomain)
	info.Name = self.Subdomain
	info.IsLocal = true
	info.KnownNodes = addUnique(info.KnownNodes, self.Display())
	e.store.UpsertSubdomain(info)
	if e.status == meshtypes.StatusStationary {
		e.markStationaryHub(true)
	}
}

// Status returns the engine's current mobility status.
func (e *Engine) Status() meshtypes.NodeStatus { return e.status }

func (e *Engine) markStationaryHub(stationary bool) {
	info, _ := e.store.GetSubdomain(e.self.Subdomain)
	info.Name = e.self.Subdomain
	info.IsLocal = true
	if stationary {
		info.StationaryHubs = addUnique(info.StationaryHubs, e.self.Display())
	} else {
		info.StationaryHubs = removeString(info.StationaryHubs, e.self.Display())
	}
	e.store.UpsertSubdomain(info)
}

func addUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

// Stats returns a snapshot of network statistics.
func (e *Engine) Stats() meshtypes.NetworkStats {
	s := e.stats
	s.RoutingTableSize = len(e.store.ListRouteDestinations())
	return s
}

// ---- §4.2.1 Receive path ----

// Receive processes one inbound (packet, rssi, snr) triple.
func (e *Engine) Receive(p meshtypes.Packet, rssi, snr int32) {
	if !p.IsValid() {
		return
	}
	e.stats.MessagesReceived++
	e.stats.UpdateAvgRSSI(float64(rssi))

	if !p.Source.Equal(e.self) {
		e.updatePathFromPacket(p, rssi)
	}

	if e.isForUs(p.Destination) {
		e.dispatchLocal(p, rssi, snr)
		return
	}
	if e.shouldForward(p) {
		e.forward(p)
	}
}

func (e *Engine) updatePathFromPacket(p meshtypes.Packet, rssi int32) {
	if p.Header.HopCount == 0 {
		dest := p.Source.Display()
		e.store.UpsertRoute(dest, meshtypes.RoutingEntry{
			Destination:    p.Source,
			NextHop:        p.Source,
			HopCount:       0,
			SignalStrength: rssi,
			Reliability:    meshtypes.ReliabilityCeiling,
			OwnerStatus:    e.status,
		})
		if e.cb.RouteChanged != nil {
			e.cb.RouteChanged(dest, "direct neighbor observed")
		}
	}
	// Path-history tokens beyond the direct-neighbor case are reserved for
	// future refinement (spec §9); no action taken here.
}

func (e *Engine) isForUs(dst meshtypes.NodeAddress) bool {
	if dst.Equal(e.self) {
		return true
	}
	if dst.IsBroadcast() {
		return true
	}
	if dst.NodeID == "" && dst.Subdomain == e.self.Subdomain {
		return true
	}
	return false
}

func (e *Engine) dispatchLocal(p meshtypes.Packet, rssi, snr int32) {
	switch p.Header.MessageType {
	case meshtypes.MsgData:
		e.sendAck(p)
		payload := p.Payload
		if p.Header.RoutingFlags.Has(meshtypes.FlagEncrypted) {
			opened, err := e.cipher.Open(payload)
			if err != nil {
				return // undecryptable payload dropped silently (spec §7)
			}
			payload = opened
		}
		if e.cb.Deliver != nil {
			e.cb.Deliver(p.Source, string(payload), p.Header.Timestamp)
		}
	case meshtypes.MsgHeartbeat:
		e.handleHeartbeat(p, rssi)
	case meshtypes.MsgAck:
		// A confirmed delivery: apply the success half of the reliability
		// walk (spec §4.2.1 step 5 / §4.2.5) to the route we sent through.
		e.store.AdjustReliability(p.Source.Display(), true)
	case meshtypes.MsgNack:
		e.store.AdjustReliability(p.Source.Display(), false)
	case meshtypes.MsgControl, meshtypes.MsgRouteRequest, meshtypes.MsgRouteReply:
		// Routing table updates only; no application callback.
	case meshtypes.MsgNameConflict:
		if e.cb.NameConflict != nil {
			e.cb.NameConflict(p.Source, string(p.Payload))
		}
	}
}

func (e *Engine) sendAck(p meshtypes.Packet) {
	ack := meshtypes.CreateAck(e.self, p.Source, e.uptimeSeconds(), p.Header.SequenceNumber, p.Header.MessageID)
	if e.cb.SendPacket != nil {
		_ = e.cb.SendPacket(ack)
	}
}

func (e *Engine) handleHeartbeat(p meshtypes.Packet, rssi int32) {
	dest := p.Source.Display()
	e.store.UpsertRoute(dest, meshtypes.RoutingEntry{
		Destination:    p.Source,
		NextHop:        p.Source,
		HopCount:       0,
		SignalStrength: rssi,
		Reliability:    meshtypes.ReliabilityCeiling,
		OwnerStatus:    e.status,
	})

	data, err := meshtypes.DecodeHeartbeatData(p.Payload)
	if err != nil {
		return
	}
	info, _ := e.store.GetSubdomain(p.Source.Subdomain)
	info.Name = p.Source.Subdomain
	info.KnownNodes = addUnique(info.KnownNodes, dest)
	if data.Status == meshtypes.StatusStationary {
		info.StationaryHubs = addUnique(info.StationaryHubs, dest)
	}
	e.store.UpsertSubdomain(info)
}

func (e *Engine) uptimeSeconds() uint32 { return uint32(time.Since(e.bootTime).Seconds()) }

// ---- §4.2.2 Send path (tiered strategy) ----

// RouteMessage constructs a DATA packet to dst and tries direct,
// subdomain-assisted, then flood strategies in order until one succeeds.
// PUBLIC and EMERGENCY priorities skip straight to flood.
func (e *Engine) RouteMessage(dst meshtypes.NodeAddress, text string, priority meshtypes.Priority, encrypted bool, seq uint16) error {
	broadcast := priority == meshtypes.PriorityPublic || priority == meshtypes.PriorityEmergency

	if !broadcast {
		if err := e.tryDirect(dst, text, priority, encrypted, seq); err == nil {
			return nil
		}
		if dst.Subdomain != e.self.Subdomain {
			if err := e.trySubdomainAssisted(dst, text, priority, encrypted, seq); err == nil {
				return nil
			}
		}
	}
	return e.tryFlood(dst, text, priority, encrypted, seq)
}

// sealIfNeeded seals text through the installed cipher when encrypted is
// set, returning it unchanged (as bytes-in-a-string) otherwise. The result
// is passed straight into CreateData's text parameter, which treats it as
// an opaque byte payload rather than requiring valid UTF-8.
func (e *Engine) sealIfNeeded(text string, encrypted bool) (string, error) {
	if !encrypted {
		return text, nil
	}
	sealed, err := e.cipher.Seal([]byte(text))
	if err != nil {
		return "", err
	}
	return string(sealed), nil
}

func (e *Engine) tryDirect(dst meshtypes.NodeAddress, text string, priority meshtypes.Priority, encrypted bool, seq uint16) error {
	route, ok := e.store.GetRoute(dst.Display())
	if !ok || !route.Valid {
		return errNoRoute
	}
	text, err := e.sealIfNeeded(text, encrypted)
	if err != nil {
		return err
	}
	p := meshtypes.CreateData(e.self, dst, e.uptimeSeconds(), seq, text, priority, encrypted)
	p.Header.RoutingFlags = meshtypes.FlagDirect | (p.Header.RoutingFlags & meshtypes.FlagEncrypted)
	p.Header.PushPathToken(e.self.UUID.Token())
	if err := e.send(p); err != nil {
		e.store.AdjustReliability(dst.Display(), false)
		return err
	}
	e.stats.MessagesSent++
	return nil
}

func (e *Engine) trySubdomainAssisted(dst meshtypes.NodeAddress, text string, priority meshtypes.Priority, encrypted bool, seq uint16) error {
	info, ok := e.store.GetSubdomain(dst.Subdomain)
	if !ok {
		return errNoRoute
	}
	// Confirm at least one stationary hub of the destination's subdomain is
	// directly reachable from here; that hub is what will pick this frame
	// out of the air and carry it the rest of the way, on its own route to
	// dst (spec §4.2.2 step 2). The packet itself stays addressed to the
	// real destination throughout -- there is no separate next-hop field to
	// carry it in, and every send on this medium is a broadcast anyway.
	reachable := false
	for _, hub := range info.StationaryHubs {
		hubAddr, err := meshtypes.ParseAddress(hub)
		if err != nil {
			continue
		}
		if _, ok := e.store.GetRoute(hubAddr.Display()); ok {
			reachable = true
			break
		}
	}
	if !reachable {
		return errNoRoute
	}
	text, err := e.sealIfNeeded(text, encrypted)
	if err != nil {
		return err
	}
	p := meshtypes.CreateData(e.self, dst, e.uptimeSeconds(), seq, text, priority, encrypted)
	p.Header.RoutingFlags = meshtypes.FlagSubdomainRetry | (p.Header.RoutingFlags & meshtypes.FlagEncrypted)
	p.Header.PushPathToken(e.self.UUID.Token())
	if err := e.send(p); err != nil {
		return err
	}
	e.stats.MessagesSent++
	return nil
}

func (e *Engine) tryFlood(dst meshtypes.NodeAddress, text string, priority meshtypes.Priority, encrypted bool, seq uint16) error {
	text, err := e.sealIfNeeded(text, encrypted)
	if err != nil {
		return err
	}
	p := meshtypes.CreateData(e.self, dst, e.uptimeSeconds(), seq, text, priority, encrypted)
	p.Header.RoutingFlags = meshtypes.FlagFlood | (p.Header.RoutingFlags & meshtypes.FlagEncrypted)
	p.Header.HopCount = 0
	p.Header.PushPathToken(e.self.UUID.Token())
	if err := e.send(p); err != nil {
		return err
	}
	e.stats.MessagesSent++
	return nil
}

func (e *Engine) send(p meshtypes.Packet) error {
	if e.cb.SendPacket == nil {
		return errNoSendCallback
	}
	return e.cb.SendPacket(p)
}

// ---- §4.2.3 Forwarding decision ----

func (e *Engine) shouldForward(p meshtypes.Packet) bool {
	if p.Header.HasToken(e.self.UUID.Token()) {
		return false
	}
	if p.Header.HopCount >= p.Header.MaxHops {
		return false
	}
	if p.Header.RoutingFlags.Has(meshtypes.FlagFlood) {
		return true
	}
	if p.Header.RoutingFlags.Has(meshtypes.FlagSubdomainRetry) &&
		e.status == meshtypes.StatusStationary &&
		p.Destination.Subdomain == e.self.Subdomain {
		if _, ok := e.store.GetRoute(p.Destination.Display()); ok {
			return true
		}
	}
	return false
}

func (e *Engine) forward(p meshtypes.Packet) {
	fwd := p
	fwd.Header.HopCount++
	fwd.Header.PushPathToken(e.self.UUID.Token())

	subdomainAssist := p.Header.RoutingFlags.Has(meshtypes.FlagSubdomainRetry) &&
		e.status == meshtypes.StatusStationary &&
		p.Destination.Subdomain == e.self.Subdomain

	if err := e.send(fwd); err != nil {
		zap.L().Warn("forward failed", zap.Error(err))
		return
	}
	e.stats.MessagesForwarded++
	if subdomainAssist {
		e.store.RecordBridge(p.Source.Display(), p.Destination.Display())
	}
}

// ---- §4.2.4 Heartbeat ----

// HeartbeatInterval returns the cadence a node should emit heartbeats at,
// given how long it has been up.
func (e *Engine) HeartbeatInterval(uptime time.Duration) time.Duration {
	if uptime < time.Minute {
		return 3 * time.Second
	}
	if e.status == meshtypes.StatusStationary {
		return 15 * time.Second
	}
	return 30 * time.Second
}

// BuildHeartbeat constructs the heartbeat packet advertising own status.
func (e *Engine) BuildHeartbeat(seq uint16, contacts, bridges int, load uint8) meshtypes.Packet {
	data := meshtypes.HeartbeatData{
		Status:        e.status,
		UptimeSec:     e.uptimeSeconds(),
		ContactsCount: uint32(contacts),
		BridgesCount:  uint32(bridges),
		Sent:          uint32(e.stats.MessagesSent),
		Recv:          uint32(e.stats.MessagesReceived),
		AvgRSSI:       int32(e.stats.AvgRSSI * 10),
		Load:          load,
	}
	return meshtypes.CreateHeartbeat(e.self, e.uptimeSeconds(), seq, data)
}

// ---- §4.2.5 / §4.3.4 Maintenance ----

// Maintain runs periodic cleanup: expired routes and capacity pruning.
func (e *Engine) Maintain() {
	e.store.PruneExpired()
}

// KnownDirectNeighbors implements whoHearsMe(): routing entries whose
// nextHop equals the destination, i.e. zero-hop neighbors.
func (e *Engine) KnownDirectNeighbors() []meshtypes.RoutingEntry {
	var out []meshtypes.RoutingEntry
	for _, dest := range e.store.ListRouteDestinations() {
		entry, ok := e.store.GetRoute(dest)
		if ok && entry.NextHop.Equal(entry.Destination) {
			out = append(out, entry)
		}
	}
	return out
}

// BridgeCount reports how many intermediary bridges are currently tracked
// (feeds the bridges count of own heartbeats).
func (e *Engine) BridgeCount() int { return e.store.BridgeCount() }

var (
	errNoRoute        = routeError("no route available")
	errNoSendCallback = routeError("no send callback configured")
)

type routeError string

func (e routeError) Error() string { return string(e) }
