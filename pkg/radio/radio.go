// Package radio defines the packet-granular transceiver abstraction the
// routing engine and node lifecycle are built on (spec §4.4). It never
// interprets packet contents -- it moves opaque frames and reports signal
// quality and PHY configuration.
package radio

import (
	"errors"
	"time"
)

// ErrChannelBusy is returned by Send when the caller should back off rather
// than transmit (see IsChannelBusy).
var ErrChannelBusy = errors.New("radio: channel busy")

// ErrClosed is returned once the adapter has been shut down.
var ErrClosed = errors.New("radio: closed")

// RSSIBusyThresholdDBm is the channel-busy detection threshold (spec §6).
const RSSIBusyThresholdDBm = -90

// PHYParams are the tunable LoRa radio parameters (spec §6 defaults:
// 868.0 MHz, 125 kHz, SF12, CR 4/5, sync word 0x12, preamble 8, 20 dBm, CRC on).
type PHYParams struct {
	FrequencyMHz    float64
	BandwidthKHz    float64
	SpreadingFactor int
	CodingRate      string
	SyncWord        byte
	PreambleSymbols int
	TxPowerDBm      int
	CRCEnabled      bool
}

// DefaultPHYParams returns the spec's tunable defaults.
func DefaultPHYParams() PHYParams {
	return PHYParams{
		FrequencyMHz:    868.0,
		BandwidthKHz:    125.0,
		SpreadingFactor: 12,
		CodingRate:      "4/5",
		SyncWord:        0x12,
		PreambleSymbols: 8,
		TxPowerDBm:      20,
		CRCEnabled:      true,
	}
}

// Reception is one inbound frame with its measured signal quality.
type Reception struct {
	Payload  []byte
	RSSIDBm  int32
	SNRDB    int32
	Received time.Time
}

// Counters are the rolling transceiver statistics (spec §4.4).
type Counters struct {
	Sent     uint64
	Received uint64
	TXErrors uint64
	RXErrors uint64
	Bytes    uint64
}

// Radio is the transceiver contract the routing core is built on. Send
// blocks for the duration of one frame's airtime and automatically
// restores receive mode; Poll is non-blocking and is called once per main
// loop iteration (spec §5).
type Radio interface {
	// Send transmits one frame. It ties up the radio for the duration of
	// the transmission; RX and TX are mutually exclusive.
	Send(frame []byte) error
	// Poll returns the next received frame, if one is queued, without
	// blocking.
	Poll() (Reception, bool)
	// PHYParams returns the transceiver's current PHY configuration.
	PHYParams() PHYParams
	// SetPHYParams applies new PHY settings; not all adapters support
	// every field changing at runtime.
	SetPHYParams(PHYParams) error
	// Counters returns a snapshot of rolling statistics.
	Counters() Counters
	// IsChannelBusy reports whether recent activity exceeds the RSSI
	// busy threshold.
	IsChannelBusy() bool
	// Close releases underlying resources.
	Close() error
}
