package sniffer

import "sync/atomic"

// Stats contains counters of a Switch. Values are a point-in-time snapshot.
type Stats struct {
	Connections   uint64 // connections served
	Active        int64  // connections currently open
	Fallbacks     uint64 // connections no initiator matched
	Timeouts      uint64 // connections closed before sending a byte in time
	Empty         uint64 // connections closed by the peer before sending a byte
	InstallErrors uint64 // ModifyPipeline or fallback failures
	PayloadErrors uint64 // full payload too large, too slow or unreadable
	StageErrors   uint64 // pipelines that ended with an error

	// Detections counts matches per initiator name.
	Detections map[string]uint64
}

type statsCollector struct {
	connections   atomic.Uint64
	active        atomic.Int64
	fallbacks     atomic.Uint64
	timeouts      atomic.Uint64
	empty         atomic.Uint64
	installErrors atomic.Uint64
	payloadErrors atomic.Uint64
	stageErrors   atomic.Uint64

	// detections is keyed by the registry names and never modified after
	// construction, so only the counters need to be atomic.
	detections map[string]*atomic.Uint64
}

func newStatsCollector(names []string) *statsCollector {
	c := &statsCollector{detections: make(map[string]*atomic.Uint64, len(names))}
	for _, name := range names {
		c.detections[name] = new(atomic.Uint64)
	}
	return c
}

func (c *statsCollector) recordOpen() {
	c.connections.Add(1)
	c.active.Add(1)
}

func (c *statsCollector) recordClose()        { c.active.Add(-1) }
func (c *statsCollector) recordFallback()     { c.fallbacks.Add(1) }
func (c *statsCollector) recordTimeout()      { c.timeouts.Add(1) }
func (c *statsCollector) recordEmpty()        { c.empty.Add(1) }
func (c *statsCollector) recordInstallError() { c.installErrors.Add(1) }
func (c *statsCollector) recordPayloadError() { c.payloadErrors.Add(1) }
func (c *statsCollector) recordStageError()   { c.stageErrors.Add(1) }

func (c *statsCollector) recordDetection(name string) {
	if counter, ok := c.detections[name]; ok {
		counter.Add(1)
	}
}

func (c *statsCollector) snapshot() Stats {
	s := Stats{
		Connections:   c.connections.Load(),
		Active:        c.active.Load(),
		Fallbacks:     c.fallbacks.Load(),
		Timeouts:      c.timeouts.Load(),
		Empty:         c.empty.Load(),
		InstallErrors: c.installErrors.Load(),
		PayloadErrors: c.payloadErrors.Load(),
		StageErrors:   c.stageErrors.Load(),
		Detections:    make(map[string]uint64, len(c.detections)),
	}
	for name, counter := range c.detections {
		s.Detections[name] = counter.Load()
	}
	return s
}
