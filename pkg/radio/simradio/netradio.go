package simradio

import (
	"context"
	"sync"
	"time"

	"realmesh/pkg/radio"
	"realmesh/pkg/transport"
)

// NetRadio implements radio.Radio over a transport.Session, letting a node
// running in one process reach an AetherServer (and, through it, every
// other member of that server's Aether) running in another process. Frame
// semantics are identical to SimRadio; only the wire differs, so the
// routing engine and node lifecycle are indifferent to which one they run
// against.
type NetRadio struct {
	mu       sync.Mutex
	stream   transport.Stream
	phy      radio.PHYParams
	inbox    []radio.Reception
	counters radio.Counters
	quality  LinkQuality
	closed   bool
}

// DialNetRadio dials tr at address and returns a NetRadio backed by the
// resulting session's default stream. quality synthesizes the RSSI/SNR this
// link reports, since no physical layer exists to measure them.
func DialNetRadio(ctx context.Context, tr transport.Transport, address string, peer transport.PeerInfo, quality LinkQuality) (*NetRadio, error) {
	sess, err := tr.Dial(ctx, address, peer)
	if err != nil {
		return nil, err
	}
	stream, err := sess.OpenStream(ctx, transport.StreamControl)
	if err != nil {
		return nil, err
	}
	r := &NetRadio{stream: stream, phy: radio.DefaultPHYParams(), quality: quality}
	go r.recvLoop()
	return r, nil
}

func (r *NetRadio) recvLoop() {
	for {
		frame, err := r.stream.RecvBytes()
		if err != nil {
			return
		}
		r.mu.Lock()
		r.inbox = append(r.inbox, radio.Reception{
			Payload:  frame,
			RSSIDBm:  r.quality.RSSIDBm,
			SNRDB:    r.quality.SNRDB,
			Received: time.Now(),
		})
		r.counters.Received++
		r.counters.Bytes += uint64(len(frame))
		r.mu.Unlock()
	}
}

// Send transmits frame over the underlying session stream.
func (r *NetRadio) Send(frame []byte) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return radio.ErrClosed
	}
	r.mu.Unlock()

	if err := r.stream.SendBytes(frame); err != nil {
		r.mu.Lock()
		r.counters.TXErrors++
		r.mu.Unlock()
		return err
	}
	r.mu.Lock()
	r.counters.Sent++
	r.counters.Bytes += uint64(len(frame))
	r.mu.Unlock()
	return nil
}

// Poll drains the oldest buffered reception, if any, without blocking.
func (r *NetRadio) Poll() (radio.Reception, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.inbox) == 0 {
		return radio.Reception{}, false
	}
	rx := r.inbox[0]
	r.inbox = r.inbox[1:]
	return rx, true
}

func (r *NetRadio) PHYParams() radio.PHYParams {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phy
}

func (r *NetRadio) SetPHYParams(p radio.PHYParams) error {
	r.mu.Lock()
	r.phy = p
	r.mu.Unlock()
	return nil
}

func (r *NetRadio) Counters() radio.Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters
}

func (r *NetRadio) IsChannelBusy() bool { return r.quality.RSSIDBm > radio.RSSIBusyThresholdDBm }

func (r *NetRadio) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.stream.Close()
}
