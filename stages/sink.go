package stages

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/petal-labs/pipef/core"
)

// Sink consumes values from its "in" port. It never reports Produced.
type Sink[T any] struct {
	*core.BaseStage
	lifecycle

	in      *core.In[T]
	consume func(ctx context.Context, v T) error
	count   atomic.Uint64
}

// NewSink creates a sink around consume.
func NewSink[T any](consume func(ctx context.Context, v T) error) *Sink[T] {
	s := &Sink[T]{
		BaseStage: core.NewBaseStage(core.KindSink, ""),
		consume:   consume,
	}
	s.in = core.AddInput[T](s.BaseStage, "in")
	return s
}

// In returns the input port.
func (s *Sink[T]) In() *core.In[T] {
	return s.in
}

// Get returns the number of consumed values.
func (s *Sink[T]) Get() uint64 {
	return s.count.Load()
}

// Tick consumes up to one batch of values.
func (s *Sink[T]) Tick(ctx context.Context) (core.Status, error) {
	for {
		d, ok := s.in.Pop()
		if !ok {
			break
		}
		err := s.consume(ctx, d.Value())
		d.Release()
		s.count.Add(1)
		if err != nil {
			return core.Error, err
		}
	}
	if s.in.Drained() {
		return core.End, nil
	}
	return core.Idle, nil
}

// Collector is a sink that keeps every value it receives.
type Collector[T any] struct {
	*Sink[T]

	mu    sync.Mutex
	items []T
}

// NewCollector creates an empty collector.
func NewCollector[T any]() *Collector[T] {
	c := &Collector[T]{}
	c.Sink = NewSink(func(_ context.Context, v T) error {
		c.mu.Lock()
		c.items = append(c.items, v)
		c.mu.Unlock()
		return nil
	})
	c.SetName("collector")
	return c
}

// Items returns a copy of the collected values in arrival order.
func (c *Collector[T]) Items() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}

// StdTargets returns the process standard streams as writer targets.
func StdTargets() map[string]io.Writer {
	return map[string]io.Writer{
		"stdout": os.Stdout,
		"stderr": os.Stderr,
	}
}

// WriterSink writes one line per value to a named target. The target is
// selected with core.Parameterize; unconfigured sinks use the default.
type WriterSink[T any] struct {
	*Sink[T]

	targets map[string]io.Writer
	target  string
	format  func(T) string
	w       io.Writer
}

// NewWriterSink creates a sink writing to one of targets, def unless
// parameterized otherwise.
func NewWriterSink[T any](targets map[string]io.Writer, def string) *WriterSink[T] {
	ws := &WriterSink[T]{
		targets: targets,
		target:  def,
		format:  func(v T) string { return fmt.Sprint(v) },
	}
	ws.Sink = NewSink(func(_ context.Context, v T) error {
		_, err := fmt.Fprintln(ws.w, ws.format(v))
		return err
	})
	ws.SetName("writer")
	return ws
}

// WithFormat replaces the line formatter.
func (ws *WriterSink[T]) WithFormat(format func(T) string) *WriterSink[T] {
	if format != nil {
		ws.format = format
	}
	return ws
}

// Targets returns the target names in sorted order.
func (ws *WriterSink[T]) Targets() []string {
	names := make([]string, 0, len(ws.targets))
	for name := range ws.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Target returns the selected target name.
func (ws *WriterSink[T]) Target() string {
	return ws.target
}

// Configure selects the target named key.
func (ws *WriterSink[T]) Configure(key string) error {
	if _, ok := ws.targets[key]; !ok {
		return fmt.Errorf("unknown target %q (have %v)", key, ws.Targets())
	}
	ws.target = key
	return nil
}

// Init resolves the selected target.
func (ws *WriterSink[T]) Init(context.Context) error {
	w, ok := ws.targets[ws.target]
	if !ok {
		return fmt.Errorf("%w: %s has no target %q", core.ErrNotConfigured, ws.Name(), ws.target)
	}
	ws.w = w
	return nil
}

// Compile-time interface checks.
var (
	_ core.Stage        = (*Sink[int])(nil)
	_ core.Stage        = (*Collector[int])(nil)
	_ core.Configurable = (*WriterSink[int])(nil)
)
