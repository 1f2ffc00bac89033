package router

import "github.com/pior/apmrouter/wire"

// Sink receives every sample the router decodes. It is called concurrently
// from all connections and must not block for long.
type Sink interface {
	OnSample(s wire.Sample)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(s wire.Sample)

func (f SinkFunc) OnSample(s wire.Sample) {
	f(s)
}
