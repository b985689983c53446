package bus

import (
	"sync"
	"sync/atomic"

	"github.com/petal-labs/pipef/runtime"
)

// DefaultSubscriberBuffer is the channel size of a subscription.
const DefaultSubscriberBuffer = 256

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber.
	SubscriberBufferSize int
}

// MemBus is an in-memory EventBus. A slow subscriber loses events instead
// of stalling the engine.
type MemBus struct {
	bufSize int

	mu     sync.RWMutex
	runs   map[string]map[*memSub]struct{}
	global map[*memSub]struct{}
	closed bool
}

// NewMemBus creates an in-memory event bus.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = DefaultSubscriberBuffer
	}
	return &MemBus{
		bufSize: bufSize,
		runs:    make(map[string]map[*memSub]struct{}),
		global:  make(map[*memSub]struct{}),
	}
}

// Publish delivers event to the subscribers of its run and to global
// subscribers. Events published after Close are ignored.
func (b *MemBus) Publish(event runtime.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.runs[event.RunID] {
		sub.send(event)
	}
	for sub := range b.global {
		sub.send(event)
	}
}

// Subscribe registers a subscriber for runID.
func (b *MemBus) Subscribe(runID string, opts ...SubscribeOption) Subscription {
	sub := b.newSub(opts)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub
	}
	set := b.runs[runID]
	if set == nil {
		set = make(map[*memSub]struct{})
		b.runs[runID] = set
	}
	set[sub] = struct{}{}
	sub.detach = func() {
		b.mu.Lock()
		delete(b.runs[runID], sub)
		if len(b.runs[runID]) == 0 {
			delete(b.runs, runID)
		}
		b.mu.Unlock()
	}
	return sub
}

// SubscribeAll registers a subscriber for every run.
func (b *MemBus) SubscribeAll(opts ...SubscribeOption) Subscription {
	sub := b.newSub(opts)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub
	}
	b.global[sub] = struct{}{}
	sub.detach = func() {
		b.mu.Lock()
		delete(b.global, sub)
		b.mu.Unlock()
	}
	return sub
}

// Subscribers returns the number of live subscriptions.
func (b *MemBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.global)
	for _, set := range b.runs {
		n += len(set)
	}
	return n
}

// Close closes every subscription. It is safe to call more than once.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, set := range b.runs {
		for sub := range set {
			sub.close()
		}
	}
	for sub := range b.global {
		sub.close()
	}
	b.runs = make(map[string]map[*memSub]struct{})
	b.global = make(map[*memSub]struct{})
	return nil
}

func (b *MemBus) newSub(opts []SubscribeOption) *memSub {
	sub := &memSub{ch: make(chan runtime.Event, b.bufSize)}
	for _, opt := range opts {
		opt(&sub.cfg)
	}
	return sub
}

type memSub struct {
	ch      chan runtime.Event
	cfg     subConfig
	dropped atomic.Uint64
	detach  func()

	mu     sync.Mutex
	closed bool
}

func (s *memSub) Events() <-chan runtime.Event {
	return s.ch
}

func (s *memSub) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *memSub) Close() error {
	if s.detach != nil {
		s.detach()
	}
	s.close()
	return nil
}

func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *memSub) send(event runtime.Event) {
	if !s.cfg.match(event) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
		s.dropped.Add(1)
	}
}

// Compile-time interface checks.
var (
	_ EventBus               = (*MemBus)(nil)
	_ Subscription           = (*memSub)(nil)
	_ runtime.EventPublisher = (*MemBus)(nil)
)
