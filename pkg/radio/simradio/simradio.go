package simradio

import (
	"sync"
	"time"

	"realmesh/pkg/radio"
)

// SimRadio implements radio.Radio against a shared in-process Aether.
// Send is synchronous (there is no airtime to simulate delay for), and
// Poll drains a per-radio inbox the Aether fills as peers transmit.
type SimRadio struct {
	name   string
	aether *Aether

	mu       sync.Mutex
	inbox    []radio.Reception
	phy      radio.PHYParams
	counters radio.Counters
	lastRSSI int32
	closed   bool
}

func newSimRadio(name string, aether *Aether) *SimRadio {
	return &SimRadio{name: name, aether: aether, phy: radio.DefaultPHYParams(), lastRSSI: -120}
}

func (r *SimRadio) Send(frame []byte) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return radio.ErrClosed
	}
	r.counters.Sent++
	r.counters.Bytes += uint64(len(frame))
	r.mu.Unlock()

	r.aether.broadcast(r.name, frame)
	return nil
}

func (r *SimRadio) deliver(frame []byte, q LinkQuality) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	cp := append([]byte(nil), frame...)
	r.inbox = append(r.inbox, radio.Reception{
		Payload:  cp,
		RSSIDBm:  q.RSSIDBm,
		SNRDB:    q.SNRDB,
		Received: time.Now(),
	})
	r.counters.Received++
	r.counters.Bytes += uint64(len(frame))
	r.lastRSSI = q.RSSIDBm
}

func (r *SimRadio) Poll() (radio.Reception, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.inbox) == 0 {
		return radio.Reception{}, false
	}
	next := r.inbox[0]
	r.inbox = r.inbox[1:]
	return next, true
}

func (r *SimRadio) PHYParams() radio.PHYParams {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phy
}

func (r *SimRadio) SetPHYParams(p radio.PHYParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phy = p
	return nil
}

func (r *SimRadio) Counters() radio.Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters
}

// IsChannelBusy reflects only the most recently delivered frame's RSSI --
// there is no decay model, so callers that need "quiet for N ms" semantics
// must track that themselves against Reception.Received timestamps.
func (r *SimRadio) IsChannelBusy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRSSI > radio.RSSIBusyThresholdDBm
}

func (r *SimRadio) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.aether.Leave(r.name)
	return nil
}
