package router

import (
	"sync/atomic"

	"github.com/pior/apmrouter/sniffer"
)

// Stats contains the counters of a Server.
type Stats struct {
	Samples          uint64 // samples handed to the sink
	Untokenized      uint64 // samples delivered without token, the catalog being full
	Frames           uint64 // frames decoded, binary and text
	Malformed        uint64 // frames rejected by the decoder
	Confirmations    uint64 // CONFIRM_METRIC replies written
	Pings            uint64 // PING_RESPONSE replies written
	Datagrams        uint64 // UDP datagrams received
	DroppedDatagrams uint64 // UDP datagrams that did not decode

	// Switch holds the protocol detection counters of TCP connections.
	Switch sniffer.Stats
}

type statsCollector struct {
	samples          atomic.Uint64
	untokenized      atomic.Uint64
	frames           atomic.Uint64
	malformed        atomic.Uint64
	confirmations    atomic.Uint64
	pings            atomic.Uint64
	datagrams        atomic.Uint64
	droppedDatagrams atomic.Uint64
}

func (c *statsCollector) snapshot(sw sniffer.Stats) Stats {
	return Stats{
		Samples:          c.samples.Load(),
		Untokenized:      c.untokenized.Load(),
		Frames:           c.frames.Load(),
		Malformed:        c.malformed.Load(),
		Confirmations:    c.confirmations.Load(),
		Pings:            c.pings.Load(),
		Datagrams:        c.datagrams.Load(),
		DroppedDatagrams: c.droppedDatagrams.Load(),
		Switch:           sw,
	}
}
