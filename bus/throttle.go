package bus

import (
	"sort"
	"sync"
	"time"

	"github.com/petal-labs/pipef/core"
	"github.com/petal-labs/pipef/runtime"
	"github.com/zoobzio/clockz"
)

// ThrottleConfig controls a ThrottledEmitter.
type ThrottleConfig struct {
	// CoalesceInterval is how often coalesced tick events are flushed.
	// Default: 100ms
	CoalesceInterval time.Duration

	// Clock drives the flush ticker. Default: clockz.RealClock.
	Clock clockz.Clock
}

// ThrottledEmitter wraps an emitter and coalesces stage.tick events, which
// arrive once per stage per iteration. Only the latest tick event of each
// stage survives an interval, carrying the number of ticks it stands for
// in its "coalesced" payload. Every other event passes through at once.
type ThrottledEmitter struct {
	emit     runtime.EventEmitter
	interval time.Duration
	clock    clockz.Clock

	mu      sync.Mutex
	pending map[core.StageID]runtime.Event
	counts  map[core.StageID]int
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewThrottledEmitter starts a ThrottledEmitter in front of emit. Close
// must be called to flush and stop it.
func NewThrottledEmitter(emit runtime.EventEmitter, cfg ThrottleConfig) *ThrottledEmitter {
	interval := cfg.CoalesceInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockz.RealClock
	}

	te := &ThrottledEmitter{
		emit:     emit,
		interval: interval,
		clock:    clock,
		pending:  make(map[core.StageID]runtime.Event),
		counts:   make(map[core.StageID]int),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	ticker := clock.NewTicker(interval)
	go te.run(ticker)
	return te
}

// Decorator returns a runtime.EventEmitterDecorator that routes the
// engine's events through a new ThrottledEmitter. The returned stop
// function flushes and closes it.
func Decorator(cfg ThrottleConfig) (runtime.EventEmitterDecorator, func()) {
	var (
		mu sync.Mutex
		te []*ThrottledEmitter
	)
	decorate := func(next runtime.EventEmitter) runtime.EventEmitter {
		t := NewThrottledEmitter(next, cfg)
		mu.Lock()
		te = append(te, t)
		mu.Unlock()
		return t.Emit
	}
	stop := func() {
		mu.Lock()
		defer mu.Unlock()
		for _, t := range te {
			t.Close()
		}
	}
	return decorate, stop
}

// Emit forwards e, or holds it when it is a tick event.
func (te *ThrottledEmitter) Emit(e runtime.Event) {
	if e.Kind != runtime.EventStageTick {
		// Pending ticks go out first: all of them for run events, the
		// stage's own otherwise.
		if e.StageID == 0 {
			te.flush()
		} else {
			te.flushStage(e.StageID)
		}
		te.emit(e)
		return
	}

	te.mu.Lock()
	defer te.mu.Unlock()
	if te.closed {
		return
	}
	te.pending[e.StageID] = e
	te.counts[e.StageID]++
}

// Close flushes pending events and stops the ticker. It is safe to call
// more than once.
func (te *ThrottledEmitter) Close() {
	te.mu.Lock()
	if te.closed {
		te.mu.Unlock()
		return
	}
	te.closed = true
	te.mu.Unlock()

	close(te.stopCh)
	<-te.doneCh
}

func (te *ThrottledEmitter) run(ticker clockz.Ticker) {
	defer close(te.doneCh)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			te.flush()
		case <-te.stopCh:
			te.flush()
			return
		}
	}
}

func (te *ThrottledEmitter) take(id core.StageID) (runtime.Event, bool) {
	e, ok := te.pending[id]
	if !ok {
		return e, false
	}
	e = e.WithPayload("coalesced", te.counts[id])
	delete(te.pending, id)
	delete(te.counts, id)
	return e, true
}

func (te *ThrottledEmitter) flushStage(id core.StageID) {
	te.mu.Lock()
	e, ok := te.take(id)
	te.mu.Unlock()
	if ok {
		te.emit(e)
	}
}

// flush emits every pending event in stage order.
func (te *ThrottledEmitter) flush() {
	te.mu.Lock()
	ids := make([]core.StageID, 0, len(te.pending))
	for id := range te.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]runtime.Event, 0, len(ids))
	for _, id := range ids {
		e, _ := te.take(id)
		out = append(out, e)
	}
	te.mu.Unlock()

	for _, e := range out {
		te.emit(e)
	}
}
