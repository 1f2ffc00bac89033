package router

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/pior/apmrouter/batch"
	"github.com/pior/apmrouter/sniffer"
	"github.com/pior/apmrouter/wire"
)

// MaxPingPayload bounds the payload echoed back to a ping.
const MaxPingPayload = 4096

var ErrUnsupportedOpCode = errors.New("router: unsupported opcode")

// isBinaryFrame reports whether window starts a sample or ping frame. The
// second byte is the high byte of the count, always zero in practice.
func isBinaryFrame(window []byte) bool {
	if len(window) < 2 || window[1] != 0 {
		return false
	}
	switch window[0] {
	case wire.OpSendMetric.Byte(), wire.OpSendMetricDirect.Byte(), wire.OpPing.Byte():
		return true
	}
	return false
}

func (s *Server) binaryInitiator() sniffer.Initiator {
	return sniffer.Initiator{
		Name:      "binary",
		Lookahead: 2,
		Match:     isBinaryFrame,
		ModifyPipeline: func(_ *sniffer.Conn, p *sniffer.Pipeline) error {
			return p.AddLast("frames", sniffer.StageFunc(s.serveFrames))
		},
	}
}

// serveFrames reads frames until the peer closes the stream. Any framing
// error closes the connection: the record boundaries are lost. A frame's
// samples reach the sink only once every record of the frame decoded.
func (s *Server) serveFrames(ctx context.Context, c *sniffer.Conn, in io.Reader) (io.Reader, error) {
	r := bufio.NewReader(in)
	w := bufio.NewWriter(c)
	dec := wire.NewDecoder(r, s.catalog)

	var samples []wire.Sample
	collect := func(sample wire.Sample) { samples = append(samples, sample) }

	for ctx.Err() == nil {
		h, err := batch.ReadHeader(r)
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		switch h.Op {
		case wire.OpSendMetric, wire.OpSendMetricDirect:
			clear(samples)
			samples = samples[:0]
			if err := batch.ReadSamples(dec, h, collect); err != nil {
				s.stats.malformed.Add(1)
				return nil, err
			}
			s.stats.frames.Add(1)
			for _, sample := range samples {
				s.accept(sample)
			}

			if h.Op == wire.OpSendMetricDirect {
				if err := writeFrame(w, batch.Header{Op: wire.OpConfirmMetric, Count: h.Count}, nil); err != nil {
					return nil, err
				}
				s.stats.confirmations.Add(1)
			}

		case wire.OpPing:
			if h.Count > MaxPingPayload {
				return nil, fmt.Errorf("router: ping payload of %d bytes exceeds %d", h.Count, MaxPingPayload)
			}
			payload := make([]byte, h.Count)
			if _, err := io.ReadFull(r, payload); err != nil {
				return nil, err
			}
			if err := writeFrame(w, batch.Header{Op: wire.OpPingResponse, Count: h.Count}, payload); err != nil {
				return nil, err
			}
			s.stats.pings.Add(1)

		default:
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedOpCode, h.Op)
		}
	}

	return nil, ctx.Err()
}

func writeFrame(w *bufio.Writer, h batch.Header, payload []byte) error {
	var head [batch.HeaderSize]byte
	if _, err := w.Write(h.AppendTo(head[:0])); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return w.Flush()
}
