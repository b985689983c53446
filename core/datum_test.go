package core_test

import (
	"errors"
	"testing"

	"github.com/petal-labs/pipef/core"
)

func TestDatumMoveAndRelease(t *testing.T) {
	r := &resource{}
	d := core.NewDatum(r)

	moved := d.Move()
	if !d.Released() {
		t.Error("source handle should be released after Move")
	}
	if d.Value() != nil {
		t.Error("released handle should return the zero value")
	}
	if r.disposed != 0 {
		t.Fatalf("Move must not dispose, disposed = %d", r.disposed)
	}
	if moved.Value() != r {
		t.Error("moved handle lost the payload")
	}

	moved.Release()
	moved.Release()
	if r.disposed != 1 {
		t.Errorf("disposed = %d, want 1", r.disposed)
	}
}

func TestCopyStrategyOf(t *testing.T) {
	type small struct {
		A, B int
		S    string
	}
	type big struct {
		Data [128]byte
	}

	tests := []struct {
		name string
		got  core.CopyStrategy
		want core.CopyStrategy
	}{
		{"int", core.CopyStrategyOf[int](), core.CopyValue},
		{"rune", core.CopyStrategyOf[rune](), core.CopyValue},
		{"string", core.CopyStrategyOf[string](), core.CopyValue},
		{"small struct", core.CopyStrategyOf[small](), core.CopyValue},
		{"large struct", core.CopyStrategyOf[big](), core.CopyShared},
		{"slice", core.CopyStrategyOf[[]int](), core.CopyShared},
		{"pointer", core.CopyStrategyOf[*resource](), core.CopyShared},
		{"interface", core.CopyStrategyOf[any](), core.CopyShared},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("CopyStrategyOf() = %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestFanOutSharedBodyDisposedOnce(t *testing.T) {
	o := &fakeOwner{}
	src := newPass[*resource](o, "src")
	a := newPass[*resource](o, "a")
	b := newPass[*resource](o, "b")
	if err := core.From(src).FanOut(a, b).Err(); err != nil {
		t.Fatalf("FanOut() error = %v", err)
	}

	r := &resource{}
	if err := src.out.Emit(r); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	da, ok := a.in.Pop()
	if !ok {
		t.Fatal("a received nothing")
	}
	db, ok := b.in.Pop()
	if !ok {
		t.Fatal("b received nothing")
	}
	if !da.Shared() || !db.Shared() {
		t.Error("pointer payloads should fan out as shared bodies")
	}
	if da.Value() != r || db.Value() != r {
		t.Error("both handles should see the same payload")
	}

	da.Release()
	if r.disposed != 0 {
		t.Fatalf("disposed after first release = %d, want 0", r.disposed)
	}
	db.Release()
	if r.disposed != 1 {
		t.Errorf("disposed = %d, want 1", r.disposed)
	}
}

func TestFanOutValueCopies(t *testing.T) {
	o := &fakeOwner{}
	src := newPass[int](o, "src")
	a := newPass[int](o, "a")
	b := newPass[int](o, "b")
	if err := core.From(src).FanOut(a, b).Err(); err != nil {
		t.Fatalf("FanOut() error = %v", err)
	}

	for _, v := range []int{10, 20} {
		if err := src.out.Emit(v); err != nil {
			t.Fatalf("Emit(%d) error = %v", v, err)
		}
	}

	for _, in := range []*core.In[int]{a.in, b.in} {
		var got []int
		for in.Len() > 0 {
			in.Stage().BeginTick()
			d, _ := in.Pop()
			if d.Shared() {
				t.Error("int payloads should be copied by value")
			}
			got = append(got, d.Value())
			d.Release()
		}
		if len(got) != 2 || got[0] != 10 || got[1] != 20 {
			t.Errorf("%s got %v, want [10 20]", in.Stage().Name(), got)
		}
	}
	if src.out.Emitted() != 2 {
		t.Errorf("Emitted() = %d, want 2", src.out.Emitted())
	}
	if a.in.Delivered() != 2 || a.in.Consumed() != 2 {
		t.Errorf("a delivered/consumed = %d/%d", a.in.Delivered(), a.in.Consumed())
	}
}

func TestEmitWithoutDownstreamReleases(t *testing.T) {
	o := &fakeOwner{}
	src := newPass[*resource](o, "src")
	r := &resource{}

	if err := src.out.Emit(r); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if r.disposed != 1 {
		t.Errorf("disposed = %d, want 1", r.disposed)
	}
	if src.out.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", src.out.Dropped())
	}
}

func TestQueueBoundAndBatch(t *testing.T) {
	o := &fakeOwner{}
	src := newPass[int](o, "src")
	dst := &pass[int]{BaseStage: core.NewBaseStage(core.KindSink, "dst")}
	dst.in = core.AddInput[int](dst.BaseStage, "in", core.WithCapacity(2))
	o.bind(dst)
	if err := core.Connect(src.out, dst.in); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	_ = src.out.Emit(1)
	_ = src.out.Emit(2)
	if src.out.Ready() {
		t.Error("Ready() should be false with a full queue")
	}
	if err := src.out.Emit(3); !errors.Is(err, core.ErrQueueFull) {
		t.Fatalf("Emit() error = %v, want ErrQueueFull", err)
	}

	dst.BeginTick()
	if _, ok := dst.in.Pop(); !ok {
		t.Fatal("first Pop() failed")
	}
	if _, ok := dst.in.Pop(); ok {
		t.Error("second Pop() in one tick should exceed batch size 1")
	}
	dst.BeginTick()
	if _, ok := dst.in.Pop(); !ok {
		t.Error("Pop() in next tick failed")
	}
	if dst.Consumed() != 2 {
		t.Errorf("Consumed() = %d, want 2", dst.Consumed())
	}
}

func TestOutputCloseDrainsInput(t *testing.T) {
	o := &fakeOwner{}
	src := newPass[int](o, "src")
	dst := newPass[int](o, "dst")
	if err := core.Connect(src.out, dst.in); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	_ = src.out.Emit(7)
	src.CloseOutputs()
	if !dst.in.Closed() || dst.in.Drained() {
		t.Fatal("input should be closed but not drained")
	}
	if err := src.out.Emit(8); !errors.Is(err, core.ErrPortClosed) {
		t.Errorf("Emit() after close error = %v, want ErrPortClosed", err)
	}
	dst.BeginTick()
	dst.in.Pop()
	if !dst.InputsDrained() {
		t.Error("InputsDrained() should be true")
	}
}

func TestKindOfStageError(t *testing.T) {
	b := core.NewBaseStage(core.KindSink, "sink")
	cause := errors.New("disk full")
	err := error(core.NewStageError(b, core.KindStageError, cause))

	if !errors.Is(err, core.ErrStageFailed) {
		t.Error("StageError should match ErrStageFailed")
	}
	if !errors.Is(err, cause) {
		t.Error("StageError should unwrap to its cause")
	}
	if core.KindOf(err) != core.KindStageError {
		t.Errorf("KindOf() = %q", core.KindOf(err))
	}
	if core.KindOf(core.ErrBudgetExhausted) != core.KindBudgetExhausted {
		t.Errorf("KindOf(budget) = %q", core.KindOf(core.ErrBudgetExhausted))
	}
}
