package sniffer

import (
	"errors"
	"fmt"
	"time"
)

// MinLookahead is the smallest window any detection waits for.
const MinLookahead = 2

var ErrInvalidInitiator = errors.New("sniffer: invalid initiator")

// InstallFunc adds stages to the pipeline of a connection.
// It runs on the connection goroutine and must not block.
type InstallFunc func(c *Conn, p *Pipeline) error

// Initiator recognizes one protocol from the first bytes of a connection
// and installs the stages that speak it.
type Initiator struct {
	// Name identifies the protocol in logs and stats. Unique per registry.
	Name string

	// Lookahead is the number of leading bytes Match needs. At least 2.
	Lookahead int

	// Match reports whether the window starts this protocol. It must be
	// pure and must not modify or retain the window. A panic counts as no
	// match.
	Match func(window []byte) bool

	// ModifyPipeline installs the protocol stages.
	ModifyPipeline InstallFunc

	// RequiresFullPayload makes the connection accumulate the whole message,
	// up to EOF, before the pipeline runs.
	RequiresFullPayload bool

	// MaxPayload bounds the accumulated message. Required with
	// RequiresFullPayload.
	MaxPayload int

	// PayloadTimeout bounds the time spent accumulating. Zero uses the
	// switch default.
	PayloadTimeout time.Duration
}

func (in *Initiator) validate() error {
	switch {
	case in.Name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidInitiator)
	case in.Lookahead < MinLookahead:
		return fmt.Errorf("%w: %s: lookahead %d below %d", ErrInvalidInitiator, in.Name, in.Lookahead, MinLookahead)
	case in.Match == nil:
		return fmt.Errorf("%w: %s: nil Match", ErrInvalidInitiator, in.Name)
	case in.ModifyPipeline == nil:
		return fmt.Errorf("%w: %s: nil ModifyPipeline", ErrInvalidInitiator, in.Name)
	case in.RequiresFullPayload && in.MaxPayload <= 0:
		return fmt.Errorf("%w: %s: full payload without MaxPayload", ErrInvalidInitiator, in.Name)
	}
	return nil
}

// Registry is the ordered, immutable set of initiators consulted for every
// new connection. Concurrent use needs no locking.
type Registry struct {
	initiators []Initiator
	lookahead  int
}

// NewRegistry validates the initiators and freezes their order. Earlier
// initiators win when several match.
func NewRegistry(initiators ...Initiator) (*Registry, error) {
	r := &Registry{
		initiators: make([]Initiator, 0, len(initiators)),
		lookahead:  MinLookahead,
	}

	seen := make(map[string]bool, len(initiators))
	for _, in := range initiators {
		if err := in.validate(); err != nil {
			return nil, err
		}
		if seen[in.Name] {
			return nil, fmt.Errorf("%w: duplicate name %q", ErrInvalidInitiator, in.Name)
		}
		seen[in.Name] = true

		r.initiators = append(r.initiators, in)
		r.lookahead = max(r.lookahead, in.Lookahead)
	}

	return r, nil
}

// Lookahead returns the number of bytes detection waits for.
func (r *Registry) Lookahead() int {
	return r.lookahead
}

// Len returns the number of registered initiators.
func (r *Registry) Len() int {
	return len(r.initiators)
}

// Names returns the initiator names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.initiators))
	for i := range r.initiators {
		names[i] = r.initiators[i].Name
	}
	return names
}

// Match returns the first initiator, in registration order, that matches
// the window. Initiators needing more bytes than the window holds are
// skipped.
func (r *Registry) Match(window []byte) (*Initiator, bool) {
	for i := range r.initiators {
		in := &r.initiators[i]
		if len(window) < in.Lookahead {
			continue
		}
		if safeMatch(in, window) {
			return in, true
		}
	}
	return nil, false
}

func safeMatch(in *Initiator, window []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return in.Match(window)
}
