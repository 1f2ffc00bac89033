package router

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pior/apmrouter/internal/coarsetime"
	"github.com/pior/apmrouter/sniffer"
	"github.com/pior/apmrouter/wire"
)

// DefaultMaxTextFrame bounds one raw text frame.
const DefaultMaxTextFrame = 65536

const textDelim = ';'

var ErrTextFrame = errors.New("router: malformed text frame")

// installText adds the raw text stage to a pipeline.
func (s *Server) installText(_ *sniffer.Conn, p *sniffer.Pipeline) error {
	return p.AddLast("text", sniffer.StageFunc(s.serveText))
}

// serveText reads semicolon-delimited text frames:
//
//	TYPE[@TIMESTAMP],FQN,VALUE;
//
// e.g. "GAUGE,web1/jvm/heap:Used,1024;". Malformed frames are skipped; a
// frame longer than the limit closes the connection.
func (s *Server) serveText(ctx context.Context, c *sniffer.Conn, in io.Reader) (io.Reader, error) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, min(4096, s.maxTextFrame)), s.maxTextFrame)
	scanner.Split(splitFrames)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		frame := strings.TrimSpace(scanner.Text())
		if frame == "" {
			continue
		}

		sample, err := ParseTextFrame(frame)
		if err != nil {
			s.stats.malformed.Add(1)
			c.Logger().Debug("apmrouter: skipping text frame", "frame", frame, "error", err)
			continue
		}
		s.stats.frames.Add(1)
		s.accept(sample)
	}

	return nil, scanner.Err()
}

// splitFrames is a bufio.SplitFunc cutting on ';'. Trailing bytes at EOF
// form a last frame.
func splitFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.IndexByte(data, textDelim); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// ParseTextFrame parses one frame of the raw text protocol,
// TYPE[@TIMESTAMP],FQN,VALUE, without its ';' delimiter.
func ParseTextFrame(frame string) (wire.Sample, error) {
	head, rest, ok := strings.Cut(frame, ",")
	if !ok {
		return wire.Sample{}, fmt.Errorf("%w: missing fields", ErrTextFrame)
	}
	fqn, value, ok := strings.Cut(rest, ",")
	if !ok {
		return wire.Sample{}, fmt.Errorf("%w: missing value", ErrTextFrame)
	}

	typeName, ts, hasTS := strings.Cut(head, "@")
	t, ok := wire.ParseType(strings.ToUpper(strings.TrimSpace(typeName)))
	if !ok {
		return wire.Sample{}, fmt.Errorf("%w: unknown type %q", ErrTextFrame, typeName)
	}

	id, err := wire.ParseFQN(strings.TrimSpace(fqn), t)
	if err != nil {
		return wire.Sample{}, err
	}

	s := wire.Sample{
		Host:      id.Host,
		Agent:     id.Agent,
		Namespace: id.Namespace,
		Name:      id.Name,
		Type:      t,
		Token:     wire.NoToken,
	}

	if hasTS {
		s.Timestamp, err = strconv.ParseInt(strings.TrimSpace(ts), 10, 64)
		if err != nil {
			return wire.Sample{}, fmt.Errorf("%w: timestamp: %w", ErrTextFrame, err)
		}
	} else {
		s.Timestamp = coarsetime.UnixMilli()
	}

	if t.IsNumeric() {
		s.Value, err = strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return wire.Sample{}, fmt.Errorf("%w: value: %w", ErrTextFrame, err)
		}
	} else {
		if len(value) > wire.MaxRawValueSize {
			return wire.Sample{}, fmt.Errorf("%w: %w", ErrTextFrame, wire.ErrValueTooLarge)
		}
		if value != "" {
			s.Raw = []byte(value)
		}
	}

	return s, nil
}
