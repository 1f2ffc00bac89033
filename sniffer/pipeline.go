package sniffer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

var (
	ErrDuplicateStage = errors.New("sniffer: duplicate stage name")
	ErrStageNotFound  = errors.New("sniffer: stage not found")
)

// Stage processes the byte stream of one connection.
//
// A stage either transforms its input and returns the reader the next stage
// consumes, or consumes the input itself and returns a nil reader, which
// ends the pipeline.
type Stage interface {
	Process(ctx context.Context, c *Conn, in io.Reader) (io.Reader, error)
}

// StageFunc adapts a function to the Stage interface.
type StageFunc func(ctx context.Context, c *Conn, in io.Reader) (io.Reader, error)

func (f StageFunc) Process(ctx context.Context, c *Conn, in io.Reader) (io.Reader, error) {
	return f(ctx, c, in)
}

// Middleware decorates a named stage.
type Middleware func(name string, next Stage) Stage

type namedStage struct {
	name  string
	stage Stage
}

// Pipeline is an ordered list of named stages for one connection.
// It is built by initiators during detection and is not safe for concurrent
// use.
type Pipeline struct {
	stages []namedStage
}

// NewPipeline returns an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{}
}

func (p *Pipeline) index(name string) int {
	for i, s := range p.stages {
		if s.name == name {
			return i
		}
	}
	return -1
}

func (p *Pipeline) insert(i int, name string, stage Stage) error {
	if p.index(name) >= 0 {
		return fmt.Errorf("%w: %q", ErrDuplicateStage, name)
	}
	p.stages = append(p.stages, namedStage{})
	copy(p.stages[i+1:], p.stages[i:])
	p.stages[i] = namedStage{name: name, stage: stage}
	return nil
}

func (p *Pipeline) find(name string) (int, error) {
	i := p.index(name)
	if i < 0 {
		return -1, fmt.Errorf("%w: %q", ErrStageNotFound, name)
	}
	return i, nil
}

// AddFirst inserts a stage at the head of the pipeline.
func (p *Pipeline) AddFirst(name string, stage Stage) error {
	return p.insert(0, name, stage)
}

// AddLast appends a stage at the tail of the pipeline.
func (p *Pipeline) AddLast(name string, stage Stage) error {
	return p.insert(len(p.stages), name, stage)
}

// AddBefore inserts a stage right before the stage named base.
func (p *Pipeline) AddBefore(base, name string, stage Stage) error {
	i, err := p.find(base)
	if err != nil {
		return err
	}
	return p.insert(i, name, stage)
}

// AddAfter inserts a stage right after the stage named base.
func (p *Pipeline) AddAfter(base, name string, stage Stage) error {
	i, err := p.find(base)
	if err != nil {
		return err
	}
	return p.insert(i+1, name, stage)
}

// Replace swaps the stage named old for a new named stage in place.
func (p *Pipeline) Replace(old, name string, stage Stage) error {
	i, err := p.find(old)
	if err != nil {
		return err
	}
	if j := p.index(name); j >= 0 && j != i {
		return fmt.Errorf("%w: %q", ErrDuplicateStage, name)
	}
	p.stages[i] = namedStage{name: name, stage: stage}
	return nil
}

// Remove deletes the stage named name.
func (p *Pipeline) Remove(name string) error {
	i, err := p.find(name)
	if err != nil {
		return err
	}
	p.stages = append(p.stages[:i], p.stages[i+1:]...)
	return nil
}

// Wrap decorates the stage named name with mw.
func (p *Pipeline) Wrap(name string, mw Middleware) error {
	i, err := p.find(name)
	if err != nil {
		return err
	}
	p.stages[i].stage = mw(name, p.stages[i].stage)
	return nil
}

// WrapAll decorates every stage with mw.
func (p *Pipeline) WrapAll(mw Middleware) {
	for i := range p.stages {
		p.stages[i].stage = mw(p.stages[i].name, p.stages[i].stage)
	}
}

// Get returns the stage named name.
func (p *Pipeline) Get(name string) (Stage, bool) {
	i := p.index(name)
	if i < 0 {
		return nil, false
	}
	return p.stages[i].stage, true
}

// Names returns the stage names in order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.name
	}
	return names
}

func (p *Pipeline) Len() int {
	return len(p.stages)
}

// Run feeds r through the stages in order. Input left over after the last
// stage is discarded.
func (p *Pipeline) Run(ctx context.Context, c *Conn, r io.Reader) error {
	for _, s := range p.stages {
		next, err := runStage(ctx, c, s, r)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		r = next
	}

	_, err := io.Copy(io.Discard, r)
	return err
}

func runStage(ctx context.Context, c *Conn, s namedStage, r io.Reader) (next io.Reader, err error) {
	defer func() {
		if v := recover(); v != nil {
			next, err = nil, &StageError{Stage: s.name, Err: fmt.Errorf("panic: %v", v)}
		}
	}()

	next, err = s.stage.Process(ctx, c, r)
	if err != nil {
		return nil, &StageError{Stage: s.name, Err: err}
	}
	return next, nil
}

// StageError reports a stage failure. The connection is closed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("sniffer: stage %q: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Instrument returns a middleware logging, at debug level, how many bytes
// each stage consumed and how long it ran.
func Instrument(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(name string, next Stage) Stage {
		return StageFunc(func(ctx context.Context, c *Conn, in io.Reader) (io.Reader, error) {
			counter := &countingReader{r: in}
			start := time.Now()

			out, err := next.Process(ctx, c, counter)

			logger.LogAttrs(ctx, slog.LevelDebug, "apmrouter: stage done",
				slog.String("stage", name),
				slog.Uint64("conn", c.ID()),
				slog.Int64("bytes", counter.n),
				slog.Duration("elapsed", time.Since(start)),
				slog.Bool("terminal", out == nil),
				slog.Any("error", err),
			)
			return out, err
		})
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.n += int64(n)
	return n, err
}

// Discard is a terminal stage that drops all input.
var Discard Stage = StageFunc(func(_ context.Context, _ *Conn, in io.Reader) (io.Reader, error) {
	_, err := io.Copy(io.Discard, in)
	return nil, err
})
