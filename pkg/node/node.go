// Package node implements the mesh node lifecycle: identity acquisition,
// discovery, name-conflict resolution, periodic maintenance, and the
// public message-sending surface (spec §4.3). Node owns the radio
// adapter, the routing engine, and the persistent store handle
// exclusively; the routing engine holds no reference back to Node and
// communicates upward only through the Callbacks it was constructed with
// (spec §9's ownership graph).
package node

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"realmesh/pkg/core/priocq"
	"realmesh/pkg/crypto"
	"realmesh/pkg/identity"
	"realmesh/pkg/meshtypes"
	"realmesh/pkg/radio"
	"realmesh/pkg/routing"
	"realmesh/pkg/store"
)

// dutyCycleRatePerSec and dutyCycleBurst bound transmitted bytes per
// second, standing in for the regional duty-cycle limits (e.g. EU868's 1%)
// that real LoRa deployments must respect. Emergency traffic bypasses the
// bucket entirely, mirroring the NotOperational bypass spec §7 grants it.
const (
	dutyCycleRatePerSec = 2400 // ~ 1% duty cycle at a 2400 bps LoRa data rate
	dutyCycleBurst      = 512
)

const (
	networkJoinTimeout    = 30 * time.Second
	discoveryHeartbeat    = 10 * time.Second
	nameConflictWindow    = 30 * time.Second
	maintenanceInterval   = 60 * time.Second
	firstMinuteHeartbeat  = 3 * time.Second
	heartbeatBoundedHops  = 3
)

// Events is the node's outward-facing notification surface. Every field is
// optional; a nil callback is simply skipped.
type Events struct {
	StateChanged     func(old, new meshtypes.State)
	MessageReceived  func(from meshtypes.NodeAddress, text string, timestamp uint32)
	RouteChanged     func(dest string, reason string)
}

// EventKind identifies a channel-based event stream a caller can Subscribe
// to, the Go-idiomatic counterpart to the original firmware's fixed-size
// eventCallbacks array (spec's onMessageReceived/onNetworkEvent, §6).
type EventKind int

const (
	EventMessageReceived EventKind = iota
	EventNetworkEvent
)

// Event is delivered on a subscriber channel. Only the field matching Kind
// is populated.
type Event struct {
	Kind      EventKind
	From      meshtypes.NodeAddress
	Text      string
	Timestamp uint32
	Dest      string
	Reason    string
}

const subscriberBuffer = 16

type subscriber struct {
	kind EventKind
	ch   chan Event
}

// Node drives one mesh participant: it owns the radio, the routing
// engine, and the persistent store handle, and exposes the public
// operation surface (send/broadcast/emergency, setStationary,
// factoryReset, read-only accessors).
type Node struct {
	self  meshtypes.NodeAddress
	state meshtypes.State

	id   *identity.Identity
	ns   store.Namespace
	rd   radio.Radio
	eng  *routing.Engine

	shaper *priocq.TokenBucket
	outq   *priocq.MultiLevelQueue

	events      Events
	subscribers []*subscriber

	bootTime         time.Time
	discoverDeadline time.Time
	lastHeartbeat    time.Time
	sequence         uint16

	conflictCandidate string
	conflictDeadline  time.Time

	factoryResetPending bool
}

// Config seeds Begin with a desired identity and initial mobility status.
type Config struct {
	DesiredNodeID    string
	DesiredSubdomain string
	Stationary       bool
}

// Begin implements the begin() sequence (spec §4.3.2): open the identity
// namespace, load-or-synthesize identity, wire the radio and routing
// engine together, and enter DISCOVERING.
func Begin(st store.Store, rd radio.Radio, routeStore *routing.Store, cfg Config, ev Events) (*Node, error) {
	ns := st.Namespace(identity.Namespace())
	id, err := identity.Begin(ns, cfg.DesiredNodeID, cfg.DesiredSubdomain)
	if err != nil {
		return nil, meshtypes.NewError("Begin", meshtypes.CodeStorageFailed, err)
	}

	self := meshtypes.NodeAddress{NodeID: id.NodeID, Subdomain: id.Subdomain, UUID: id.UUID}
	status := meshtypes.StatusMobile
	if cfg.Stationary {
		status = meshtypes.StatusStationary
	}

	n := &Node{
		self:     self,
		id:       id,
		ns:       ns,
		rd:       rd,
		shaper:   priocq.NewTokenBucket(dutyCycleRatePerSec, dutyCycleBurst),
		outq:     priocq.New(),
		events:   ev,
		bootTime: time.Now(),
	}

	n.eng = routing.NewEngine(self, status, routeStore, routing.Callbacks{
		SendPacket: n.sendPacket,
		Deliver:    n.onDeliver,
		RouteChanged: func(dest, reason string) {
			if n.events.RouteChanged != nil {
				n.events.RouteChanged(dest, reason)
			}
			n.publish(Event{Kind: EventNetworkEvent, Dest: dest, Reason: reason})
		},
		NameConflict: n.onNameConflict,
	})

	n.setState(meshtypes.StateDiscovering)
	n.discoverDeadline = time.Now().Add(networkJoinTimeout)
	zap.L().Info("node begin", zap.String("address", self.Display()), zap.Uint64("boot_count", id.BootCount))
	return n, nil
}

func (n *Node) setState(s meshtypes.State) {
	if n.state == s {
		return
	}
	old := n.state
	n.state = s
	if n.events.StateChanged != nil {
		n.events.StateChanged(old, s)
	}
	n.publish(Event{Kind: EventNetworkEvent, Reason: "state: " + old.String() + " -> " + s.String()})
}

// State returns the current lifecycle state.
func (n *Node) State() meshtypes.State { return n.state }

// Address returns this node's mesh address.
func (n *Node) Address() meshtypes.NodeAddress { return n.self }

func (n *Node) uptimeSeconds() uint32 { return uint32(time.Since(n.bootTime).Seconds()) }

func (n *Node) nextSequence() uint16 {
	n.sequence++
	return n.sequence
}

// outboundClass maps a packet's send-priority tier onto the outbound
// scheduler's strict-priority classes, so a throttled EMERGENCY or DIRECT
// retry always drains ahead of a throttled PUBLIC/flood one.
func outboundClass(p meshtypes.Priority) priocq.Class {
	switch p {
	case meshtypes.PriorityEmergency, meshtypes.PriorityControl:
		return priocq.L0Control
	case meshtypes.PriorityDirect:
		return priocq.L1Realtime
	default:
		return priocq.L2Bulk
	}
}

func (n *Node) sendPacket(p meshtypes.Packet) error {
	b, err := meshtypes.Serialize(p)
	if err != nil {
		return meshtypes.NewError("sendPacket", meshtypes.CodeBadPacket, err)
	}
	if p.Header.Priority != meshtypes.PriorityEmergency {
		if allowed, wait := n.shaper.Allow(int64(len(b))); !allowed {
			zap.L().Debug("duty cycle limit hit, queuing for retry", zap.Duration("retry_after", wait))
			n.outq.Enqueue(priocq.Item{
				Bytes: b, Dest: p.Destination.Display(), Size: len(b),
				Class: outboundClass(p.Header.Priority), Arrived: time.Now(),
			})
			return meshtypes.NewError("sendPacket", meshtypes.CodeRadioFailed, errDutyCycleExceeded)
		}
	}
	if err := n.rd.Send(b); err != nil {
		return meshtypes.NewError("sendPacket", meshtypes.CodeRadioFailed, err)
	}
	return nil
}

// maxOutboundDrainPerTick bounds how many queued retries drainOutbound
// pops in one Tick, so a large backlog can't starve Tick's other work.
const maxOutboundDrainPerTick = 4

// drainOutbound retries packets sendPacket queued after a duty-cycle
// rejection, in strict priority order (EMERGENCY/CONTROL over DIRECT over
// PUBLIC), stopping as soon as the shaper is exhausted again since every
// class shares the same duty-cycle budget.
func (n *Node) drainOutbound() {
	for i := 0; i < maxOutboundDrainPerTick; i++ {
		item, ok := n.outq.TryDequeue()
		if !ok {
			return
		}
		if allowed, _ := n.shaper.Allow(int64(item.Size)); !allowed {
			return
		}
		if err := n.rd.Send(item.Bytes); err != nil {
			zap.L().Warn("queued packet retry failed", zap.String("dest", item.Dest), zap.Error(err))
		}
	}
}

func (n *Node) onDeliver(from meshtypes.NodeAddress, text string, timestamp uint32) {
	if n.events.MessageReceived != nil {
		n.events.MessageReceived(from, text, timestamp)
	}
	n.publish(Event{Kind: EventMessageReceived, From: from, Text: text, Timestamp: timestamp})
}

// Subscribe returns a channel that receives events of the given kind until
// Unsubscribe is called with the same channel. The channel is buffered;
// slow readers drop events rather than stall the node's event loop.
func (n *Node) Subscribe(kind EventKind) <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	n.subscribers = append(n.subscribers, &subscriber{kind: kind, ch: ch})
	return ch
}

// Unsubscribe removes a channel previously returned by Subscribe and closes it.
func (n *Node) Unsubscribe(ch <-chan Event) {
	for i, s := range n.subscribers {
		if s.ch == ch {
			close(s.ch)
			n.subscribers = append(n.subscribers[:i], n.subscribers[i+1:]...)
			return
		}
	}
}

func (n *Node) publish(ev Event) {
	for _, s := range n.subscribers {
		if s.kind != ev.Kind {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			zap.L().Warn("event subscriber channel full, dropping event", zap.Int("kind", int(ev.Kind)))
		}
	}
}

func (n *Node) onNameConflict(from meshtypes.NodeAddress, reason string) {
	if n.state == meshtypes.StateError {
		return
	}
	candidate := n.self.NodeID + "_" + randSuffix3()
	n.conflictCandidate = candidate
	n.conflictDeadline = time.Now().Add(nameConflictWindow)
	n.setState(meshtypes.StateNameConflict)
	zap.L().Warn("name conflict received", zap.String("from", from.Display()), zap.String("candidate", candidate), zap.String("reason", reason))
}

func randSuffix3() string {
	return zeroPad3(rand.Intn(1000))
}

func zeroPad3(n int) string {
	digits := [3]byte{}
	for i := 2; i >= 0; i-- {
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return string(digits[:])
}

// Tick drives the state machine and periodic tasks forward; it must be
// called regularly from the main loop's node-tick step (spec §5). now is
// injected so tests can advance the clock deterministically.
func (n *Node) Tick(now time.Time) {
	n.drainOutbound()
	switch n.state {
	case meshtypes.StateDiscovering:
		n.tickDiscovering(now)
	case meshtypes.StateNameConflict:
		n.tickNameConflict(now)
	case meshtypes.StateOperational:
		n.tickOperational(now)
	}
}

func (n *Node) tickDiscovering(now time.Time) {
	if n.lastHeartbeat.IsZero() || now.Sub(n.lastHeartbeat) >= discoveryHeartbeat {
		n.emitHeartbeat()
		n.lastHeartbeat = now
	}
	if now.After(n.discoverDeadline) {
		n.setState(meshtypes.StateOperational)
	}
}

func (n *Node) tickNameConflict(now time.Time) {
	if now.After(n.conflictDeadline) {
		n.self.NodeID = n.conflictCandidate
		n.id.NodeID = n.conflictCandidate
		if err := identity.SaveUptime(n.ns, n.id, 0); err != nil {
			zap.L().Error("failed to persist name-conflict resolution", zap.Error(err))
		}
		n.setState(meshtypes.StateOperational)
		zap.L().Info("name conflict resolved", zap.String("adopted", n.self.Display()))
	}
}

func (n *Node) tickOperational(now time.Time) {
	interval := n.eng.HeartbeatInterval(now.Sub(n.bootTime))
	if n.lastHeartbeat.IsZero() || now.Sub(n.lastHeartbeat) >= interval {
		n.emitHeartbeat()
		n.lastHeartbeat = now
	}
}

func (n *Node) emitHeartbeat() {
	neighbors := n.eng.KnownDirectNeighbors()
	p := n.eng.BuildHeartbeat(n.nextSequence(), len(neighbors), n.eng.BridgeCount(), 0)
	p.Header.MaxHops = heartbeatBoundedHops
	if err := n.sendPacket(p); err != nil {
		zap.L().Warn("heartbeat send failed", zap.Error(err))
	}
}

// Maintain runs the 60s periodic maintenance pass (spec §4.3.4).
func (n *Node) Maintain() {
	n.eng.Maintain()
}

// Poll drains one received frame from the radio, decodes it, and feeds it
// to the routing engine. It should be called once per main loop iteration
// before Tick (spec §5's poll-then-tick ordering).
func (n *Node) Poll() {
	rx, ok := n.rd.Poll()
	if !ok {
		return
	}
	p, err := meshtypes.Deserialize(rx.Payload)
	if err != nil {
		return // decode errors are dropped silently; no statistic counts them
	}
	n.eng.Receive(p, rx.RSSIDBm, rx.SNRDB)
}

var errNotOperational = errors.New("node: not operational")
var errDutyCycleExceeded = errors.New("node: duty cycle budget exceeded")

func (n *Node) requireOperational(emergency bool) error {
	if emergency {
		if n.state == meshtypes.StateError {
			return meshtypes.NewError("send", meshtypes.CodeNotOperational, errNotOperational)
		}
		return nil
	}
	if n.state == meshtypes.StateError {
		return meshtypes.NewError("send", meshtypes.CodeNotOperational, errNotOperational)
	}
	return nil
}

// SendMessage sends a direct/subdomain/flood-tiered message to dst.
func (n *Node) SendMessage(dst meshtypes.NodeAddress, text string) error {
	if err := n.requireOperational(false); err != nil {
		return err
	}
	return n.eng.RouteMessage(dst, text, meshtypes.PriorityDirect, false, n.nextSequence())
}

// SendEncryptedMessage sends a direct/subdomain/flood-tiered message whose
// payload is sealed through the installed Cipher, setting the ENCRYPTED
// routing flag (spec §9's pluggable-cipher open question).
func (n *Node) SendEncryptedMessage(dst meshtypes.NodeAddress, text string) error {
	if err := n.requireOperational(false); err != nil {
		return err
	}
	return n.eng.RouteMessage(dst, text, meshtypes.PriorityDirect, true, n.nextSequence())
}

// SetCipher installs the Cipher used to seal/open ENCRYPTED DATA payloads.
func (n *Node) SetCipher(c crypto.Cipher) {
	n.eng.SetCipher(c)
}

// SendPublicMessage broadcasts text to the node's own subdomain.
func (n *Node) SendPublicMessage(text string) error {
	if err := n.requireOperational(false); err != nil {
		return err
	}
	dst := meshtypes.NodeAddress{Subdomain: n.self.Subdomain}
	return n.eng.RouteMessage(dst, text, meshtypes.PriorityPublic, false, n.nextSequence())
}

// SendEmergencyMessage floods text network-wide, bypassing the
// NotOperational gate (spec §7).
func (n *Node) SendEmergencyMessage(text string) error {
	if err := n.requireOperational(true); err != nil {
		return err
	}
	dst := meshtypes.NodeAddress{}
	return n.eng.RouteMessage(dst, text, meshtypes.PriorityEmergency, false, n.nextSequence())
}

// SetStationary switches mobility status and emits an immediate heartbeat.
func (n *Node) SetStationary(stationary bool) {
	status := meshtypes.StatusMobile
	if stationary {
		status = meshtypes.StatusStationary
	}
	n.eng.SetStatus(status)
	n.emitHeartbeat()
	n.lastHeartbeat = time.Now()
}

// SetNodeID renames this node's identifier and persists it immediately.
// This is a user-initiated identity mutation (the node-configuration
// setNodeName command), distinct from tickNameConflict's automatic
// peer-collision resolution: it takes effect at once rather than after
// nameConflictWindow, and the caller is responsible for picking an
// identifier unlikely to collide.
func (n *Node) SetNodeID(id string) error {
	if !meshtypes.ValidIdent(id) {
		return meshtypes.NewError("SetNodeID", meshtypes.CodeInvalidAddress, fmt.Errorf("invalid node id %q", id))
	}
	n.self.NodeID = id
	n.id.NodeID = id
	if err := identity.Persist(n.ns, n.id); err != nil {
		return meshtypes.NewError("SetNodeID", meshtypes.CodeStorageFailed, err)
	}
	n.eng.SetSelf(n.self)
	return nil
}

// SetSubdomain renames this node's subdomain and persists it immediately
// (the node-configuration setSubdomain command).
func (n *Node) SetSubdomain(name string) error {
	if !meshtypes.ValidIdent(name) {
		return meshtypes.NewError("SetSubdomain", meshtypes.CodeInvalidAddress, fmt.Errorf("invalid subdomain %q", name))
	}
	n.self.Subdomain = name
	n.id.Subdomain = name
	if err := identity.Persist(n.ns, n.id); err != nil {
		return meshtypes.NewError("SetSubdomain", meshtypes.CodeStorageFailed, err)
	}
	n.eng.SetSelf(n.self)
	return nil
}

// SaveConfig forces an explicit commit of the current identity record.
// Every mutating identity call above already commits on its own; this
// exists for a caller that wants the original firmware's saveConfig()
// as its own step rather than trusting it happened implicitly.
func (n *Node) SaveConfig() error {
	if err := identity.Persist(n.ns, n.id); err != nil {
		return meshtypes.NewError("SaveConfig", meshtypes.CodeStorageFailed, err)
	}
	return nil
}

// LoadConfig re-reads the identity record from the persistent store,
// discarding any uncommitted in-memory mutation, and re-applies it to the
// live routing engine.
func (n *Node) LoadConfig() error {
	id, err := identity.Load(n.ns)
	if err != nil {
		return meshtypes.NewError("LoadConfig", meshtypes.CodeStorageFailed, err)
	}
	n.id = id
	n.self = meshtypes.NodeAddress{NodeID: id.NodeID, Subdomain: id.Subdomain, UUID: id.UUID}
	n.eng.SetSelf(n.self)
	return nil
}

// NodeConfig is a snapshot of the node's identity and mobility status,
// for the getNodeConfig command.
type NodeConfig struct {
	NodeID      string
	Subdomain   string
	UUID        string
	Stationary  bool
	BootCount   uint64
	TotalUptime time.Duration
}

// GetNodeConfig reports the node's current identity/config surface.
func (n *Node) GetNodeConfig() NodeConfig {
	return NodeConfig{
		NodeID:      n.self.NodeID,
		Subdomain:   n.self.Subdomain,
		UUID:        n.self.UUID.String(),
		Stationary:  n.eng.Status() == meshtypes.StatusStationary,
		BootCount:   n.id.BootCount,
		TotalUptime: n.id.TotalUptime,
	}
}

// FactoryReset clears the identity namespace and marks a restart pending;
// the caller's main loop is expected to observe FactoryResetPending and
// re-exec/re-Begin on the next cycle.
func (n *Node) FactoryReset() error {
	keys := []string{"node_id", "subdomain", "uuid", "first_boot", "boot_count", "total_uptime"}
	for _, k := range keys {
		if err := n.ns.Delete(k); err != nil {
			return meshtypes.NewError("FactoryReset", meshtypes.CodeStorageFailed, err)
		}
	}
	if err := n.ns.Commit(); err != nil {
		return meshtypes.NewError("FactoryReset", meshtypes.CodeStorageFailed, err)
	}
	n.factoryResetPending = true
	return nil
}

// FactoryResetPending reports whether FactoryReset has run and a restart
// is owed.
func (n *Node) FactoryResetPending() bool { return n.factoryResetPending }

// GetKnownNodes returns the direct neighbors this node currently knows.
func (n *Node) GetKnownNodes() []meshtypes.RoutingEntry {
	return n.eng.KnownDirectNeighbors()
}

// GetNetworkStats returns a snapshot of the routing engine's statistics.
func (n *Node) GetNetworkStats() meshtypes.NetworkStats {
	return n.eng.Stats()
}
