package core_test

import (
	"context"

	"github.com/petal-labs/pipef/core"
)

type fakeOwner struct {
	frozen  bool
	rewired int
	next    core.StageID
}

func (o *fakeOwner) Frozen() bool { return o.frozen }
func (o *fakeOwner) Rewired()     { o.rewired++ }

func (o *fakeOwner) bind(s core.Stage) {
	o.next++
	if err := s.Base().Bind(o.next, o); err != nil {
		panic(err)
	}
}

type pass[T any] struct {
	*core.BaseStage
	in  *core.In[T]
	out *core.Out[T]
}

func newPass[T any](o *fakeOwner, name string) *pass[T] {
	s := &pass[T]{BaseStage: core.NewBaseStage(core.KindTransformer, name)}
	s.in = core.AddInput[T](s.BaseStage, "in")
	s.out = core.AddOutput[T](s.BaseStage, "out")
	if o != nil {
		o.bind(s)
	}
	return s
}

func (s *pass[T]) Init(context.Context) error { return nil }

func (s *pass[T]) Tick(context.Context) (core.Status, error) { return core.Idle, nil }

func (s *pass[T]) Finalize(context.Context) error { return nil }

type keyed struct {
	*pass[string]
	configured []string
}

func newKeyed(o *fakeOwner, name string) *keyed {
	return &keyed{pass: newPass[string](o, name)}
}

func (k *keyed) Configure(key string) error {
	k.configured = append(k.configured, key)
	return nil
}

type resource struct {
	disposed int
}

func (r *resource) Dispose() { r.disposed++ }
