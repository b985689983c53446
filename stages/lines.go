package stages

import (
	"bufio"
	"context"
	"io"
	"sync/atomic"

	"github.com/petal-labs/pipef/core"
)

// MaxLineSize bounds a single line read by a LineSource.
const MaxLineSize = 1 << 20

// LineSource emits the lines of a reader, without their terminators. A
// helper goroutine does the blocking reads so ticks never wait on I/O.
//
// A reader that cannot be interrupted, like a terminal on stdin, may keep
// the helper blocked after the run ends; it exits on the next line or at
// process exit.
type LineSource struct {
	*core.BaseStage

	out   *core.Out[string]
	open  func() (io.Reader, error)
	lines chan string
	err   error
	rc    io.Closer
	count atomic.Uint64
}

// NewLineSource creates a source over the reader returned by open, which
// is called from Init. Readers that are io.Closers are closed by Finalize.
func NewLineSource(open func() (io.Reader, error)) *LineSource {
	s := &LineSource{
		BaseStage: core.NewBaseStage(core.KindSource, "lines"),
		open:      open,
	}
	s.out = core.AddOutput[string](s.BaseStage, "out")
	return s
}

// Out returns the output port.
func (s *LineSource) Out() *core.Out[string] {
	return s.out
}

// Get returns the number of emitted lines.
func (s *LineSource) Get() uint64 {
	return s.count.Load()
}

// Init opens the reader and starts the scanner.
func (s *LineSource) Init(ctx context.Context) error {
	r, err := s.open()
	if err != nil {
		return err
	}
	if c, ok := r.(io.Closer); ok {
		s.rc = c
	}
	s.lines = make(chan string, core.DefaultQueueCapacity)

	go func() {
		defer close(s.lines)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
		for sc.Scan() {
			select {
			case s.lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		// Published by the channel close.
		s.err = sc.Err()
	}()
	return nil
}

// Tick emits the lines read so far, up to one batch.
func (s *LineSource) Tick(context.Context) (core.Status, error) {
	emitted := 0
	for emitted < s.BatchSize() && s.out.Ready() {
		select {
		case line, ok := <-s.lines:
			if !ok {
				if s.err != nil {
					return core.Error, s.err
				}
				return core.End, nil
			}
			if err := s.out.Emit(line); err != nil {
				return core.Error, err
			}
			s.count.Add(1)
			emitted++
		default:
			return statusOf(emitted), nil
		}
	}
	return statusOf(emitted), nil
}

// Finalize closes the reader when it is closable.
func (s *LineSource) Finalize(context.Context) error {
	if s.rc == nil {
		return nil
	}
	return s.rc.Close()
}

// Compile-time interface check.
var _ core.Stage = (*LineSource)(nil)
