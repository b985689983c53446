package stages

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/petal-labs/pipef/core"
)

// Transformer maps values from its "in" port to its "out" port. The
// function may drop a value by returning ok == false. Calls are serialized
// so the function may keep state.
type Transformer[T, U any] struct {
	*core.BaseStage
	lifecycle

	in    *core.In[T]
	out   *core.Out[U]
	mu    sync.Mutex
	fn    func(ctx context.Context, v T) (U, bool, error)
	count atomic.Uint64
}

// NewTransformer creates a transformer applying fn to every value.
func NewTransformer[T, U any](fn func(T) U) *Transformer[T, U] {
	return NewOptionalTransformer(func(_ context.Context, v T) (U, bool, error) {
		return fn(v), true, nil
	})
}

// NewOptionalTransformer creates a transformer whose function may drop
// values or fail.
func NewOptionalTransformer[T, U any](fn func(ctx context.Context, v T) (U, bool, error)) *Transformer[T, U] {
	t := &Transformer[T, U]{
		BaseStage: core.NewBaseStage(core.KindTransformer, ""),
		fn:        fn,
	}
	t.in = core.AddInput[T](t.BaseStage, "in")
	t.out = core.AddOutput[U](t.BaseStage, "out")
	return t
}

// In returns the input port.
func (t *Transformer[T, U]) In() *core.In[T] {
	return t.in
}

// Out returns the output port.
func (t *Transformer[T, U]) Out() *core.Out[U] {
	return t.out
}

// Get returns the number of emitted values.
func (t *Transformer[T, U]) Get() uint64 {
	return t.count.Load()
}

func (t *Transformer[T, U]) apply(ctx context.Context, v T) (U, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fn(ctx, v)
}

// Tick maps up to one batch of values. It waits while the output cannot
// accept data.
func (t *Transformer[T, U]) Tick(ctx context.Context) (core.Status, error) {
	emitted := 0
	for t.out.Ready() {
		d, ok := t.in.Pop()
		if !ok {
			break
		}
		sent, err := t.forward(ctx, d)
		if err != nil {
			return core.Error, err
		}
		if sent {
			t.count.Add(1)
			emitted++
		}
	}
	if emitted > 0 {
		return core.Produced, nil
	}
	if t.in.Drained() {
		return core.End, nil
	}
	return core.Idle, nil
}

// forward applies the function to d and emits the result. When the result
// is the input payload itself, d is emitted as is so a shared body keeps a
// single owner count. Otherwise d is released once the function has run.
func (t *Transformer[T, U]) forward(ctx context.Context, d *core.Datum[T]) (bool, error) {
	v := d.Value()
	u, keep, err := t.apply(ctx, v)
	if err != nil || !keep {
		d.Release()
		return false, err
	}
	if same, ok := any(d).(*core.Datum[U]); ok && samePayload(v, u) {
		if err := t.out.EmitDatum(same); err != nil {
			d.Release()
			return false, err
		}
		return true, nil
	}
	nd := core.NewDatum(u)
	if err := t.out.EmitDatum(nd); err != nil {
		nd.Release()
		d.Release()
		return false, err
	}
	d.Release()
	return true, nil
}

// samePayload reports whether u is v handed back unchanged: the same
// reference, or an equal Disposer value.
func samePayload(v, u any) bool {
	rv, ru := reflect.ValueOf(v), reflect.ValueOf(u)
	if !rv.IsValid() || !ru.IsValid() || rv.Type() != ru.Type() {
		return false
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return rv.Pointer() == ru.Pointer()
	case reflect.Slice:
		return rv.Pointer() == ru.Pointer() && rv.Len() == ru.Len()
	}
	if _, ok := v.(core.Disposer); !ok {
		return false
	}
	return rv.Comparable() && rv.Equal(ru)
}

// Compile-time interface check.
var _ core.Stage = (*Transformer[int, string])(nil)
