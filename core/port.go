package core

import (
	"fmt"
	"reflect"
	"sync/atomic"
	"time"
)

// DefaultQueueCapacity is the bound of an input port queue unless the port
// was created with WithCapacity.
const DefaultQueueCapacity = 16

// deliveries stamps every enqueue across all engines. Merge stages use the
// stamp to forward items in the order they were delivered.
var deliveries atomic.Uint64

// Port is a named, typed connection point on a stage.
type Port interface {
	Name() string
	Direction() Direction
	Type() reflect.Type
	Stage() *BaseStage
}

// InputPort is the type-erased view of an In port.
type InputPort interface {
	Port

	// Upstream returns the connected output, or nil.
	Upstream() OutputPort

	// Len returns the number of queued data.
	Len() int

	// Cap returns the queue bound.
	Cap() int

	// Closed reports whether no more data can arrive: the upstream is
	// closed or absent.
	Closed() bool

	// Drained reports whether the port is closed and its queue is empty.
	Drained() bool

	// Delivered returns the number of data enqueued on this port.
	Delivered() uint64

	// Consumed returns the number of data popped from this port.
	Consumed() uint64

	// Discarded returns the number of queued data released at shutdown.
	Discarded() uint64

	setUpstream(OutputPort)
	setCapacity(int)
	discard() int
}

// OutputPort is the type-erased view of an Out port.
type OutputPort interface {
	Port

	// Downstream returns the connected inputs in connection order.
	Downstream() []InputPort

	// Emitted returns the number of data emitted on this port.
	Emitted() uint64

	// Dropped returns the number of data released because nothing was connected.
	Dropped() uint64

	// Ready reports whether every downstream queue has room.
	Ready() bool

	// Close marks the port as finished; downstream inputs see Closed.
	Close()

	// Closed reports whether Close was called.
	Closed() bool

	attach(InputPort) error
}

type portInfo struct {
	stage *BaseStage
	name  string
	dir   Direction
	typ   reflect.Type
}

func (p *portInfo) Name() string         { return p.name }
func (p *portInfo) Direction() Direction { return p.dir }
func (p *portInfo) Type() reflect.Type   { return p.typ }
func (p *portInfo) Stage() *BaseStage    { return p.stage }

func (p *portInfo) String() string {
	if p.stage == nil {
		return p.name
	}
	return p.stage.Name() + "." + p.name
}

// In is a bounded FIFO input port carrying T.
type In[T any] struct {
	portInfo
	queue     []*Datum[T]
	capacity  int
	upstream  *Out[T]
	delivered atomic.Uint64
	consumed  atomic.Uint64
	discarded atomic.Uint64

	popEpoch uint64
	pops     int
}

// Upstream returns the connected output, or nil.
func (p *In[T]) Upstream() OutputPort {
	if p.upstream == nil {
		return nil
	}
	return p.upstream
}

// Len returns the number of queued data.
func (p *In[T]) Len() int { return len(p.queue) }

// Cap returns the queue bound.
func (p *In[T]) Cap() int { return p.capacity }

// Closed reports whether no more data can arrive.
func (p *In[T]) Closed() bool {
	return p.upstream == nil || p.upstream.Closed()
}

// Drained reports whether the port is closed and its queue is empty.
func (p *In[T]) Drained() bool {
	return p.Closed() && len(p.queue) == 0
}

// Delivered returns the number of data enqueued on this port.
func (p *In[T]) Delivered() uint64 { return p.delivered.Load() }

// Consumed returns the number of data popped from this port.
func (p *In[T]) Consumed() uint64 { return p.consumed.Load() }

// Discarded returns the number of queued data released at shutdown.
func (p *In[T]) Discarded() uint64 { return p.discarded.Load() }

// Peek returns the metadata of the oldest queued datum.
func (p *In[T]) Peek() (Meta, bool) {
	if len(p.queue) == 0 {
		return Meta{}, false
	}
	return p.queue[0].meta, true
}

// Pop removes the oldest datum and transfers its ownership to the caller.
// It returns false when the queue is empty or the stage already consumed
// its batch size from this port in the current tick.
func (p *In[T]) Pop() (*Datum[T], bool) {
	if len(p.queue) == 0 {
		return nil, false
	}
	if p.stage != nil {
		if p.popEpoch != p.stage.epoch {
			p.popEpoch = p.stage.epoch
			p.pops = 0
		}
		if p.pops >= p.stage.BatchSize() {
			return nil, false
		}
		p.pops++
		p.stage.consumed.Add(1)
	}
	d := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	p.consumed.Add(1)
	return d, true
}

func (p *In[T]) setUpstream(out OutputPort) {
	p.upstream, _ = out.(*Out[T])
}

func (p *In[T]) setCapacity(n int) {
	if n > 0 {
		p.capacity = n
	}
}

func (p *In[T]) full() bool {
	return len(p.queue) >= p.capacity
}

func (p *In[T]) deliver(d *Datum[T]) {
	d.meta.Delivered = deliveries.Add(1)
	p.queue = append(p.queue, d)
	p.delivered.Add(1)
}

// discard releases every queued datum and returns how many there were.
func (p *In[T]) discard() int {
	n := len(p.queue)
	for i, d := range p.queue {
		d.Release()
		p.queue[i] = nil
	}
	p.queue = p.queue[:0]
	p.discarded.Add(uint64(n))
	return n
}

// Out is an output port carrying T. It may fan out to many inputs.
type Out[T any] struct {
	portInfo
	downstream []*In[T]
	emitted    atomic.Uint64
	dropped    atomic.Uint64
	closed     atomic.Bool
	seq        uint64
}

// Downstream returns the connected inputs in connection order.
func (p *Out[T]) Downstream() []InputPort {
	out := make([]InputPort, len(p.downstream))
	for i, in := range p.downstream {
		out[i] = in
	}
	return out
}

// Emitted returns the number of data emitted on this port.
func (p *Out[T]) Emitted() uint64 { return p.emitted.Load() }

// Dropped returns the number of data released because nothing was connected.
func (p *Out[T]) Dropped() uint64 { return p.dropped.Load() }

// Closed reports whether Close was called.
func (p *Out[T]) Closed() bool { return p.closed.Load() }

// Close marks the port as finished.
func (p *Out[T]) Close() { p.closed.Store(true) }

// Ready reports whether every downstream queue has room.
func (p *Out[T]) Ready() bool {
	if p.Closed() {
		return false
	}
	for _, in := range p.downstream {
		if in.full() {
			return false
		}
	}
	return true
}

// Emit wraps v in a new datum and emits it. On error v is not disposed.
func (p *Out[T]) Emit(v T) error {
	return p.EmitDatum(NewDatum(v))
}

// EmitDatum hands d to every connected input. On success the caller no
// longer owns d; on error ownership stays with the caller and nothing was
// delivered.
func (p *Out[T]) EmitDatum(d *Datum[T]) error {
	if d.Released() {
		return fmt.Errorf("%s: emit of released datum", p)
	}
	if p.Closed() {
		return fmt.Errorf("%w: %s", ErrPortClosed, p)
	}
	for _, in := range p.downstream {
		if in.full() {
			return fmt.Errorf("%w: %s", ErrQueueFull, in)
		}
	}

	p.seq++
	if d.meta.Seq == 0 {
		d.meta.Seq = p.seq
	}
	if d.meta.Produced.IsZero() {
		d.meta.Produced = time.Now()
	}
	if d.meta.Origin == 0 && p.stage != nil {
		d.meta.Origin = p.stage.ID()
	}
	p.emitted.Add(1)
	if p.stage != nil {
		p.stage.produced.Add(1)
	}

	if len(p.downstream) == 0 {
		p.dropped.Add(1)
		d.Release()
		return nil
	}
	for i, h := range d.split(len(p.downstream)) {
		p.downstream[i].deliver(h)
	}
	return nil
}

func (p *Out[T]) attach(in InputPort) error {
	typed, ok := in.(*In[T])
	if !ok {
		return fmt.Errorf("%w: %s carries %v, %s carries %v", ErrTypeMismatch, p, p.typ, in.Name(), in.Type())
	}
	p.downstream = append(p.downstream, typed)
	return nil
}

// PortOption configures a port at creation.
type PortOption func(*portConfig)

type portConfig struct {
	capacity int
}

// WithCapacity sets the queue bound of an input port.
func WithCapacity(n int) PortOption {
	return func(c *portConfig) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// AddInput creates an input port named name on b.
func AddInput[T any](b *BaseStage, name string, opts ...PortOption) *In[T] {
	cfg := portConfig{capacity: DefaultQueueCapacity}
	for _, opt := range opts {
		opt(&cfg)
	}
	p := &In[T]{
		portInfo: portInfo{stage: b, name: name, dir: DirectionIn, typ: reflect.TypeFor[T]()},
		capacity: cfg.capacity,
	}
	b.inputs = append(b.inputs, p)
	return p
}

// AddOutput creates an output port named name on b.
func AddOutput[T any](b *BaseStage, name string) *Out[T] {
	p := &Out[T]{
		portInfo: portInfo{stage: b, name: name, dir: DirectionOut, typ: reflect.TypeFor[T]()},
	}
	b.outputs = append(b.outputs, p)
	return p
}

// Compile-time interface checks.
var (
	_ InputPort  = (*In[int])(nil)
	_ OutputPort = (*Out[int])(nil)
)
