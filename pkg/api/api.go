// Package api implements the language-neutral user-operation surface
// (spec §6): a command dispatcher taking named-argument requests and
// returning structured success/message/data/errorCode responses, plus the
// supplemental diagnostic and history commands a complete node exposes.
package api

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"realmesh/pkg/meshtypes"
	"realmesh/pkg/node"
	"realmesh/pkg/protocol"
	"realmesh/pkg/protocol/codec"
	"realmesh/pkg/radio"
)

// Request carries a command name and named arguments, mirroring spec §6's
// "each request carries a command name and named arguments".
type Request struct {
	Command string
	Args    map[string]any
}

// Response is returned by every command: success/message/data/errorCode.
type Response struct {
	Success   bool
	Message   string
	Data      *structpb.Struct
	ErrorCode string
}

// EncodePayload renders Data through pkg/protocol's format-tagged body
// codec (a one-byte format marker ahead of the marshaled bytes), for
// transports that want a compact wire form of just the structured payload
// alongside the flattened JSON envelope.
func (r Response) EncodePayload(reg *codec.Registry, f protocol.Format) ([]byte, error) {
	if r.Data == nil {
		return nil, nil
	}
	return protocol.EncodeBody(reg, f, r.Data)
}

func ok(msg string, data map[string]any) Response {
	resp := Response{Success: true, Message: msg}
	if data != nil {
		s, err := structpb.NewStruct(data)
		if err == nil {
			resp.Data = s
		}
	}
	return resp
}

func fail(code meshtypes.Code, err error) Response {
	return Response{Success: false, Message: err.Error(), ErrorCode: code.String()}
}

// MaxMessageHistory bounds the delivered-message ring buffer.
const MaxMessageHistory = 100

// HistoryEntry is one recorded inbound DATA delivery.
type HistoryEntry struct {
	From        string
	Text        string
	Timestamp   uint32
	IsPublic    bool
	IsEmergency bool
}

// Dispatcher wires a Node to the command surface, adding message history,
// diagnostics, and event subscription on top of Node's own operations.
type Dispatcher struct {
	n   *node.Node
	rd  radio.Radio
	log LogReader

	history []HistoryEntry

	nextSubID     int
	subscriptions map[int]<-chan node.Event
}

// LogReader is the minimal interface Dispatcher needs from a log ring
// buffer to serve getLogEntries/clearLog.
type LogReader interface {
	Entries(limit int) []string
	Clear()
}

// NewDispatcher constructs a Dispatcher over an already-begun Node.
func NewDispatcher(n *node.Node, rd radio.Radio, log LogReader) *Dispatcher {
	return &Dispatcher{n: n, rd: rd, log: log, subscriptions: make(map[int]<-chan node.Event)}
}

// RecordDelivery appends to the bounded message history; callers wire this
// into node.Events.MessageReceived.
func (d *Dispatcher) RecordDelivery(from meshtypes.NodeAddress, text string, timestamp uint32, isPublic, isEmergency bool) {
	d.history = append(d.history, HistoryEntry{From: from.Display(), Text: text, Timestamp: timestamp, IsPublic: isPublic, IsEmergency: isEmergency})
	if len(d.history) > MaxMessageHistory {
		d.history = d.history[len(d.history)-MaxMessageHistory:]
	}
}

// Dispatch executes one request and returns its structured response. It
// never panics on unknown commands or malformed args -- both are reported
// as failed responses.
func (d *Dispatcher) Dispatch(req Request) Response {
	switch req.Command {
	case "sendMessage":
		return d.sendMessage(req.Args)
	case "sendPublicMessage":
		return d.sendPublicMessage(req.Args)
	case "sendEmergencyMessage":
		return d.sendEmergencyMessage(req.Args)
	case "sendEncryptedMessage":
		return d.sendEncryptedMessage(req.Args)
	case "setStationary":
		return d.setStationary(req.Args)
	case "factoryReset":
		return d.factoryReset()
	case "getNodeConfig":
		return d.getNodeConfig()
	case "setNodeName":
		return d.setNodeName(req.Args)
	case "setSubdomain":
		return d.setSubdomainCmd(req.Args)
	case "saveConfig":
		return d.saveConfig()
	case "loadConfig":
		return d.loadConfig()
	case "getKnownNodes":
		return d.getKnownNodes()
	case "getNetworkStats":
		return d.getNetworkStats()
	case "getMessages":
		return d.getMessages(req.Args)
	case "clearMessages":
		d.history = nil
		return ok("message history cleared", nil)
	case "getMessageCount":
		return ok("", map[string]any{"count": float64(len(d.history))})
	case "whoHearsMe":
		return d.getKnownNodes()
	case "pingNode":
		return d.pingNode(req.Args)
	case "traceRoute":
		return d.traceRoute(req.Args)
	case "getRadioConfig":
		return d.getRadioConfig()
	case "setTransmitPower":
		return d.setPHYField(req.Args, "tx_power_dbm")
	case "setFrequency":
		return d.setPHYField(req.Args, "frequency_mhz")
	case "setSpreadingFactor":
		return d.setPHYField(req.Args, "spreading_factor")
	case "setBandwidth":
		return d.setPHYField(req.Args, "bandwidth_khz")
	case "testRadio":
		return d.testRadio()
	case "getNodeStats":
		return d.getNodeStats()
	case "runDiagnostics":
		return d.runDiagnostics()
	case "getLogEntries":
		return d.getLogEntries(req.Args)
	case "clearLog":
		if d.log != nil {
			d.log.Clear()
		}
		return ok("log cleared", nil)
	case "executeBatch":
		return d.executeBatch(req.Args)
	case "subscribeToEvents":
		return d.subscribeToEvents(req.Args)
	case "pollEvents":
		return d.pollEvents(req.Args)
	case "unsubscribeFromEvents":
		return d.unsubscribeFromEvents(req.Args)
	default:
		return fail(meshtypes.CodeInvalidAddress, fmt.Errorf("unknown command %q", req.Command))
	}
}

func argString(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func parseAddr(args map[string]any, key string) (meshtypes.NodeAddress, error) {
	s, ok := argString(args, key)
	if !ok {
		return meshtypes.NodeAddress{}, fmt.Errorf("missing argument %q", key)
	}
	return meshtypes.ParseAddress(s)
}

func (d *Dispatcher) sendMessage(args map[string]any) Response {
	dst, err := parseAddr(args, "address")
	if err != nil {
		return fail(meshtypes.CodeInvalidAddress, err)
	}
	text, _ := argString(args, "text")
	if err := d.n.SendMessage(dst, text); err != nil {
		return fail(meshtypes.CodeOf(err), err)
	}
	return ok("sent", nil)
}

func (d *Dispatcher) sendPublicMessage(args map[string]any) Response {
	text, _ := argString(args, "text")
	if err := d.n.SendPublicMessage(text); err != nil {
		return fail(meshtypes.CodeOf(err), err)
	}
	return ok("sent", nil)
}

func (d *Dispatcher) sendEmergencyMessage(args map[string]any) Response {
	text, _ := argString(args, "text")
	if err := d.n.SendEmergencyMessage(text); err != nil {
		return fail(meshtypes.CodeOf(err), err)
	}
	return ok("sent", nil)
}

func (d *Dispatcher) sendEncryptedMessage(args map[string]any) Response {
	dst, err := parseAddr(args, "address")
	if err != nil {
		return fail(meshtypes.CodeInvalidAddress, err)
	}
	text, _ := argString(args, "text")
	if err := d.n.SendEncryptedMessage(dst, text); err != nil {
		return fail(meshtypes.CodeOf(err), err)
	}
	return ok("sent", nil)
}

func (d *Dispatcher) setStationary(args map[string]any) Response {
	v, _ := args["stationary"].(bool)
	d.n.SetStationary(v)
	return ok("status updated", nil)
}

func (d *Dispatcher) factoryReset() Response {
	if err := d.n.FactoryReset(); err != nil {
		return fail(meshtypes.CodeOf(err), err)
	}
	return ok("factory reset scheduled", nil)
}

func (d *Dispatcher) getNodeConfig() Response {
	c := d.n.GetNodeConfig()
	return ok("", map[string]any{
		"node_id":    c.NodeID,
		"subdomain":  c.Subdomain,
		"uuid":       c.UUID,
		"stationary": c.Stationary,
		"boot_count": float64(c.BootCount),
		"uptime_ms":  float64(c.TotalUptime.Milliseconds()),
	})
}

func (d *Dispatcher) setNodeName(args map[string]any) Response {
	id, present := argString(args, "id")
	if !present {
		return fail(meshtypes.CodeInvalidAddress, fmt.Errorf("missing argument %q", "id"))
	}
	if err := d.n.SetNodeID(id); err != nil {
		return fail(meshtypes.CodeOf(err), err)
	}
	return ok("node id updated", nil)
}

func (d *Dispatcher) setSubdomainCmd(args map[string]any) Response {
	name, present := argString(args, "name")
	if !present {
		return fail(meshtypes.CodeInvalidAddress, fmt.Errorf("missing argument %q", "name"))
	}
	if err := d.n.SetSubdomain(name); err != nil {
		return fail(meshtypes.CodeOf(err), err)
	}
	return ok("subdomain updated", nil)
}

func (d *Dispatcher) saveConfig() Response {
	if err := d.n.SaveConfig(); err != nil {
		return fail(meshtypes.CodeOf(err), err)
	}
	return ok("config saved", nil)
}

func (d *Dispatcher) loadConfig() Response {
	if err := d.n.LoadConfig(); err != nil {
		return fail(meshtypes.CodeOf(err), err)
	}
	return ok("config loaded", nil)
}

func (d *Dispatcher) getKnownNodes() Response {
	neighbors := d.n.GetKnownNodes()
	nodes := make([]any, 0, len(neighbors))
	for _, e := range neighbors {
		nodes = append(nodes, map[string]any{
			"address":     e.Destination.Display(),
			"reliability": float64(e.Reliability),
			"rssi_dbm":    float64(e.SignalStrength),
		})
	}
	s, err := structpb.NewStruct(map[string]any{"nodes": nodes})
	if err != nil {
		return fail(meshtypes.CodeUnknown, err)
	}
	return Response{Success: true, Data: s}
}

func (d *Dispatcher) getNetworkStats() Response {
	s := d.n.GetNetworkStats()
	return ok("", map[string]any{
		"messages_sent":      float64(s.MessagesSent),
		"messages_received":  float64(s.MessagesReceived),
		"messages_forwarded": float64(s.MessagesForwarded),
		"messages_dropped":   float64(s.MessagesDropped),
		"routing_table_size": float64(s.RoutingTableSize),
		"avg_rssi":           s.AvgRSSI,
		"network_load":       float64(s.NetworkLoad),
	})
}

func (d *Dispatcher) getMessages(args map[string]any) Response {
	limit := len(d.history)
	if v, ok := args["limit"].(float64); ok && int(v) < limit {
		limit = int(v)
	}
	start := len(d.history) - limit
	if start < 0 {
		start = 0
	}
	entries := make([]any, 0, limit)
	for _, h := range d.history[start:] {
		entries = append(entries, map[string]any{
			"from": h.From, "text": h.Text, "timestamp": float64(h.Timestamp),
			"is_public": h.IsPublic, "is_emergency": h.IsEmergency,
		})
	}
	s, err := structpb.NewStruct(map[string]any{"messages": entries})
	if err != nil {
		return fail(meshtypes.CodeUnknown, err)
	}
	return Response{Success: true, Data: s}
}

// pingNode sends a DATA packet and reports it as accepted or failed; the
// actual round-trip time to an ACK is not observable synchronously in this
// poll-driven design, so the timeout argument only bounds how the caller
// should wait before treating it as lost (spec's direct-mode 10s default).
func (d *Dispatcher) pingNode(args map[string]any) Response {
	dst, err := parseAddr(args, "target")
	if err != nil {
		return fail(meshtypes.CodeInvalidAddress, err)
	}
	timeout := 10 * time.Second
	if v, ok := args["timeout_ms"].(float64); ok {
		timeout = time.Duration(v) * time.Millisecond
	}
	start := time.Now()
	if err := d.n.SendMessage(dst, "ping"); err != nil {
		return fail(meshtypes.CodeOf(err), err)
	}
	return ok("ping sent", map[string]any{
		"target":     dst.Display(),
		"timeout_ms": float64(timeout.Milliseconds()),
		"sent_at_ms": float64(start.UnixMilli()),
	})
}

// traceRoute searches only the direct neighbours: it reports the next hop of
// the neighbour that is target itself or, failing that, of the first
// neighbour in target's subdomain -- at most one hop, with no further hub
// lookup (spec §9 open question: no on-demand ROUTE_REQUEST/ROUTE_REPLY
// discovery).
func (d *Dispatcher) traceRoute(args map[string]any) Response {
	dst, err := parseAddr(args, "target")
	if err != nil {
		return fail(meshtypes.CodeInvalidAddress, err)
	}
	hops := []any{}
	neighbors := d.n.GetKnownNodes()
	for _, e := range neighbors {
		if e.Destination.Equal(dst) {
			hops = append(hops, e.NextHop.Display())
			break
		}
	}
	if len(hops) == 0 {
		for _, e := range neighbors {
			if e.Destination.Subdomain == dst.Subdomain {
				hops = append(hops, e.NextHop.Display())
				break
			}
		}
	}
	s, err := structpb.NewStruct(map[string]any{"target": dst.Display(), "hops": hops})
	if err != nil {
		return fail(meshtypes.CodeUnknown, err)
	}
	return Response{Success: true, Data: s}
}

func (d *Dispatcher) getRadioConfig() Response {
	p := d.rd.PHYParams()
	return ok("", map[string]any{
		"frequency_mhz":    p.FrequencyMHz,
		"bandwidth_khz":    p.BandwidthKHz,
		"spreading_factor": float64(p.SpreadingFactor),
		"coding_rate":      p.CodingRate,
		"sync_word":        float64(p.SyncWord),
		"preamble_length":  float64(p.PreambleSymbols),
		"tx_power_dbm":     float64(p.TxPowerDBm),
		"crc_enabled":      p.CRCEnabled,
	})
}

func (d *Dispatcher) setPHYField(args map[string]any, field string) Response {
	v, present := args["value"]
	if !present {
		return fail(meshtypes.CodeInvalidAddress, fmt.Errorf("missing argument %q", "value"))
	}
	p := d.rd.PHYParams()
	f, isFloat := v.(float64)
	switch field {
	case "tx_power_dbm":
		if !isFloat {
			return fail(meshtypes.CodeInvalidAddress, fmt.Errorf("tx_power_dbm must be numeric"))
		}
		p.TxPowerDBm = int(f)
	case "frequency_mhz":
		if !isFloat {
			return fail(meshtypes.CodeInvalidAddress, fmt.Errorf("frequency_mhz must be numeric"))
		}
		p.FrequencyMHz = f
	case "spreading_factor":
		if !isFloat {
			return fail(meshtypes.CodeInvalidAddress, fmt.Errorf("spreading_factor must be numeric"))
		}
		p.SpreadingFactor = int(f)
	case "bandwidth_khz":
		if !isFloat {
			return fail(meshtypes.CodeInvalidAddress, fmt.Errorf("bandwidth_khz must be numeric"))
		}
		p.BandwidthKHz = f
	}
	if err := d.rd.SetPHYParams(p); err != nil {
		return fail(meshtypes.CodeRadioFailed, err)
	}
	return ok("radio parameter updated", nil)
}

// testRadio performs a synchronous loopback smoke test: send a tiny frame
// and confirm the transceiver accepted it (spec's local-aether stand-in
// for a hardware self-test).
func (d *Dispatcher) testRadio() Response {
	if err := d.rd.Send([]byte{0}); err != nil {
		return fail(meshtypes.CodeRadioFailed, err)
	}
	return ok("radio accepted loopback frame", nil)
}

func (d *Dispatcher) getNodeStats() Response {
	c := d.rd.Counters()
	return ok("", map[string]any{
		"address":      d.n.Address().Display(),
		"state":        d.n.State().String(),
		"radio_sent":   float64(c.Sent),
		"radio_recv":   float64(c.Received),
		"radio_tx_err": float64(c.TXErrors),
		"radio_rx_err": float64(c.RXErrors),
		"radio_bytes":  float64(c.Bytes),
	})
}

func (d *Dispatcher) runDiagnostics() Response {
	stats := d.n.GetNetworkStats()
	return ok("", map[string]any{
		"routing_table_size": float64(stats.RoutingTableSize),
		"channel_busy":       d.rd.IsChannelBusy(),
	})
}

func (d *Dispatcher) getLogEntries(args map[string]any) Response {
	if d.log == nil {
		return ok("", map[string]any{"entries": []any{}})
	}
	limit := 100
	if v, ok := args["limit"].(float64); ok {
		limit = int(v)
	}
	lines := d.log.Entries(limit)
	entries := make([]any, 0, len(lines))
	for _, l := range lines {
		entries = append(entries, l)
	}
	s, err := structpb.NewStruct(map[string]any{"entries": entries})
	if err != nil {
		return fail(meshtypes.CodeUnknown, err)
	}
	return Response{Success: true, Data: s}
}

// subscribeToEvents registers a channel subscription against the node's
// event stream and returns an opaque subscription id; wire clients pull
// buffered events with pollEvents since a JSON request/response surface has
// no native push channel of its own.
func (d *Dispatcher) subscribeToEvents(args map[string]any) Response {
	kind := node.EventMessageReceived
	if v, ok := args["kind"].(string); ok && v == "network" {
		kind = node.EventNetworkEvent
	}
	id := d.nextSubID
	d.nextSubID++
	d.subscriptions[id] = d.n.Subscribe(kind)
	return ok("subscribed", map[string]any{"subscription_id": float64(id)})
}

// pollEvents drains whatever events are currently buffered for a
// subscription without blocking.
func (d *Dispatcher) pollEvents(args map[string]any) Response {
	idf, ok := args["subscription_id"].(float64)
	if !ok {
		return fail(meshtypes.CodeInvalidAddress, fmt.Errorf("missing argument %q", "subscription_id"))
	}
	ch, ok := d.subscriptions[int(idf)]
	if !ok {
		return fail(meshtypes.CodeInvalidAddress, fmt.Errorf("unknown subscription %d", int(idf)))
	}
	events := []any{}
drain:
	for {
		select {
		case ev, open := <-ch:
			if !open {
				delete(d.subscriptions, int(idf))
				break drain
			}
			events = append(events, map[string]any{
				"kind": float64(ev.Kind), "from": ev.From.Display(), "text": ev.Text,
				"timestamp": float64(ev.Timestamp), "dest": ev.Dest, "reason": ev.Reason,
			})
		default:
			break drain
		}
	}
	s, err := structpb.NewStruct(map[string]any{"events": events})
	if err != nil {
		return fail(meshtypes.CodeUnknown, err)
	}
	return Response{Success: true, Data: s}
}

func (d *Dispatcher) unsubscribeFromEvents(args map[string]any) Response {
	idf, present := args["subscription_id"].(float64)
	if !present {
		return fail(meshtypes.CodeInvalidAddress, fmt.Errorf("missing argument %q", "subscription_id"))
	}
	if ch, exists := d.subscriptions[int(idf)]; exists {
		d.n.Unsubscribe(ch)
		delete(d.subscriptions, int(idf))
	}
	return ok("unsubscribed", nil)
}

// executeBatch folds a sequence of requests through Dispatch, returning
// one aggregate response whose data field lists each sub-response.
func (d *Dispatcher) executeBatch(args map[string]any) Response {
	raw, ok := args["commands"].([]any)
	if !ok {
		return fail(meshtypes.CodeInvalidAddress, fmt.Errorf("missing argument %q", "commands"))
	}
	results := make([]any, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			results = append(results, map[string]any{"success": false, "message": "malformed batch entry"})
			continue
		}
		cmd, _ := m["command"].(string)
		subArgs, _ := m["args"].(map[string]any)
		resp := d.Dispatch(Request{Command: cmd, Args: subArgs})
		entry := map[string]any{"success": resp.Success, "message": resp.Message, "error_code": resp.ErrorCode}
		results = append(results, entry)
	}
	s, err := structpb.NewStruct(map[string]any{"results": results})
	if err != nil {
		return fail(meshtypes.CodeUnknown, err)
	}
	return Response{Success: true, Data: s}
}
