package core

import (
	"reflect"
	"sync"
	"sync/atomic"
	"time"
)

// Meta is the metadata carried alongside a payload.
type Meta struct {
	Seq       uint64    // emission sequence on the producing port (1-indexed)
	Produced  time.Time // when the datum was emitted
	Origin    StageID   // stage that emitted the datum
	Delivered uint64    // global delivery stamp of the last enqueue
}

// Datum carries exactly one payload of type T.
//
// A datum is owned by exactly one holder at a time. Ownership moves with
// Move or by handing the datum to a port; the previous handle is left
// released. Fan-out of payloads that are not cheap to copy uses a shared,
// reference-counted body; holders of a shared datum must treat the payload
// as read-only.
type Datum[T any] struct {
	val      T
	body     *sharedBody[T]
	meta     Meta
	released bool
}

type sharedBody[T any] struct {
	val  T
	refs atomic.Int64
}

func (b *sharedBody[T]) drop() {
	if b.refs.Add(-1) == 0 {
		dispose(b.val)
		var zero T
		b.val = zero
	}
}

// NewDatum returns an exclusively owned datum holding v.
func NewDatum[T any](v T) *Datum[T] {
	return &Datum[T]{val: v}
}

// Value returns the payload. A released datum returns the zero value.
func (d *Datum[T]) Value() T {
	if d == nil || d.released {
		var zero T
		return zero
	}
	if d.body != nil {
		return d.body.val
	}
	return d.val
}

// Meta returns the datum metadata.
func (d *Datum[T]) Meta() Meta {
	return d.meta
}

// Shared reports whether the payload is a shared body.
func (d *Datum[T]) Shared() bool {
	return d.body != nil
}

// Released reports whether this handle no longer owns a payload.
func (d *Datum[T]) Released() bool {
	return d == nil || d.released
}

// Move transfers ownership to a new handle. The receiver is left released
// and the payload is not destroyed.
func (d *Datum[T]) Move() *Datum[T] {
	if d.Released() {
		return nil
	}
	moved := &Datum[T]{val: d.val, body: d.body, meta: d.meta}
	d.forget()
	return moved
}

// Release drops this handle. The payload is destroyed when its last owner
// releases it. Release is idempotent.
func (d *Datum[T]) Release() {
	if d.Released() {
		return
	}
	if d.body != nil {
		d.body.drop()
	} else {
		dispose(d.val)
	}
	d.forget()
}

// Take removes the payload from d without destroying it and leaves d
// released. The caller becomes responsible for the payload. For a shared
// body the payload is still visible to the other holders and must not be
// mutated.
func (d *Datum[T]) Take() T {
	if d.Released() {
		var zero T
		return zero
	}
	v := d.Value()
	if d.body != nil {
		d.body.refs.Add(-1)
	}
	d.forget()
	return v
}

func (d *Datum[T]) forget() {
	var zero T
	d.val = zero
	d.body = nil
	d.released = true
}

// split consumes d and returns n handles, one per downstream, according to
// the copy strategy of T.
func (d *Datum[T]) split(n int) []*Datum[T] {
	out := make([]*Datum[T], n)
	if n == 1 {
		out[0] = d.Move()
		return out
	}
	if d.body == nil && CopyStrategyOf[T]() == CopyValue {
		for i := range out {
			out[i] = &Datum[T]{val: d.val, meta: d.meta}
		}
		d.forget()
		return out
	}

	body := d.body
	extra := int64(n - 1)
	if body == nil {
		body = &sharedBody[T]{val: d.val}
		extra = int64(n)
	}
	body.refs.Add(extra)
	for i := range out {
		out[i] = &Datum[T]{body: body, meta: d.meta}
	}
	d.forget()
	return out
}

func dispose[T any](v T) {
	if dv, ok := any(v).(Disposer); ok {
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
			return
		}
		dv.Dispose()
	}
}

// CopyStrategy selects how a payload is duplicated on fan-out.
type CopyStrategy uint8

const (
	// CopyValue gives every downstream an independent value copy.
	CopyValue CopyStrategy = iota
	// CopyShared gives every downstream a handle on one reference-counted body.
	CopyShared
)

// String returns the string representation of the CopyStrategy.
func (c CopyStrategy) String() string {
	if c == CopyValue {
		return "value"
	}
	return "shared"
}

// MaxValueCopySize is the largest composite payload, in bytes, that is
// duplicated by value on fan-out.
const MaxValueCopySize = 64

var (
	strategyCache sync.Map // reflect.Type -> CopyStrategy
	disposerType  = reflect.TypeFor[Disposer]()
)

// CopyStrategyOf returns the fan-out strategy used for payloads of type T.
func CopyStrategyOf[T any]() CopyStrategy {
	t := reflect.TypeFor[T]()
	if cached, ok := strategyCache.Load(t); ok {
		return cached.(CopyStrategy)
	}
	s := CopyShared
	if !t.Implements(disposerType) && cheap(t) {
		s = CopyValue
	}
	strategyCache.Store(t, s)
	return s
}

func cheap(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128,
		reflect.String:
		return true
	case reflect.Array:
		return t.Size() <= MaxValueCopySize && cheap(t.Elem())
	case reflect.Struct:
		if t.Size() > MaxValueCopySize {
			return false
		}
		for i := 0; i < t.NumField(); i++ {
			if !cheap(t.Field(i).Type) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
