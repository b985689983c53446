package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petal-labs/pipef/core"
	"github.com/petal-labs/pipef/graph"
	"github.com/zoobzio/clockz"
)

// Engine errors
var (
	ErrAlreadyRan = errors.New("engine already ran")
	ErrNoStages   = errors.New("engine has no stages")
)

// Engine owns a graph of stages and drives it on a single goroutine.
//
// Composition (Create, Add, connections, Parameterize) is not safe for
// concurrent use and must finish before Run. Stop is safe from any
// goroutine and from inside a tick.
type Engine struct {
	name string
	opts Options
	topo *graph.Topology

	buildErrs []error

	ran      atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewEngine creates an engine. Zero option fields take their defaults.
func NewEngine(name string, opts Options) *Engine {
	return &Engine{
		name:   name,
		opts:   opts.withDefaults(),
		topo:   graph.NewTopology(name),
		stopCh: make(chan struct{}),
	}
}

// Name returns the engine name.
func (e *Engine) Name() string {
	return e.name
}

// Topology returns the stage registry.
func (e *Engine) Topology() *graph.Topology {
	return e.topo
}

// Add takes ownership of s and returns its identity.
func (e *Engine) Add(s core.Stage, opts ...StageOption) (core.StageID, error) {
	cfg := stageConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if s != nil && s.Base() != nil {
		s.Base().SetName(cfg.name)
		s.Base().SetBatchSize(cfg.batch)
		s.Base().SetQueueCapacity(cfg.capacity)
	}
	return e.topo.Add(s)
}

// Create takes ownership of s and returns it as a handle. A failure is
// recorded and reported by Err and Run.
//
//	src := runtime.Create(e, stages.FromSlice(1, 2, 3))
func Create[S core.Stage](e *Engine, s S, opts ...StageOption) S {
	if _, err := e.Add(s, opts...); err != nil {
		e.buildErrs = append(e.buildErrs, err)
	}
	return s
}

// Err returns the errors recorded by Create.
func (e *Engine) Err() error {
	return errors.Join(e.buildErrs...)
}

// Stages returns every stage in creation order.
func (e *Engine) Stages() []core.Stage {
	return e.topo.Stages()
}

// Order returns the scheduling order.
func (e *Engine) Order() ([]core.Stage, error) {
	return e.topo.Order()
}

// Stop requests a cooperative shutdown. It is checked between ticks.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

func (e *Engine) stopRequested() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

// Run drives the graph until every sink has ended, the loop count or the
// duration is exhausted, Stop is called, ctx is cancelled, or a stage
// fails. Use Unbounded (or any value <= 0) to lift a limit.
//
// The returned error is non-nil only when the run failed or could not
// start; Result.Status reports stopped and budget outcomes as errors.
// Every stage whose Init was called, including one that failed, is
// finalized in reverse scheduling order before Run returns. An engine runs once.
func (e *Engine) Run(ctx context.Context, loops int, duration time.Duration) (Result, error) {
	if !e.ran.CompareAndSwap(false, true) {
		return Result{}, ErrAlreadyRan
	}
	if err := e.Err(); err != nil {
		return Result{}, err
	}
	if e.topo.Len() == 0 {
		return Result{}, ErrNoStages
	}
	order, err := e.topo.Order()
	if err != nil {
		return Result{}, err
	}
	e.topo.Freeze()

	r := &run{
		engine: e,
		order:  order,
		ended:  make([]bool, len(order)),
		clock:  e.opts.Clock,
		log:    e.opts.Logger,
		loops:  loops,
	}
	r.result.RunID = generateRunID()
	r.result.Started = r.clock.Now()
	if duration > 0 {
		r.deadline = r.result.Started.Add(duration)
	}
	r.emit = e.emitter()
	r.targets = targets(order)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.emit(NewEvent(EventRunStarted, r.result.RunID).
		WithPayload("engine", e.name).
		WithPayload("stages", len(order)).
		WithPayload("loops", loops).
		WithPayload("duration_ms", duration.Milliseconds()))
	r.log.Info("run started",
		"run_id", r.result.RunID,
		"engine", e.name,
		"stages", len(order),
		"loops", loops,
		"duration", duration,
	)

	initialized := r.init(runCtx)
	if r.result.Outcome == "" {
		r.loop(runCtx)
	}

	// Background helpers observe the run context; cancel it before
	// finalizing so they can exit.
	cancel()
	r.shutdown(context.WithoutCancel(ctx), initialized)

	r.result.Elapsed = r.clock.Now().Sub(r.result.Started)
	r.finish()

	if r.result.Outcome == OutcomeFailed {
		return r.result, r.result.Err
	}
	return r.result, nil
}

func (e *Engine) emitter() EventEmitter {
	seq := newSeqGen()
	emit := func(ev Event) {
		ev.Seq = seq.Next()
		// Handlers see an event before bus subscribers do.
		if e.opts.EventHandler != nil {
			e.opts.EventHandler(ev)
		}
		if e.opts.EventBus != nil {
			e.opts.EventBus.Publish(ev)
		}
	}
	if e.opts.EventEmitterDecorator != nil {
		emit = e.opts.EventEmitterDecorator(emit)
	}
	return emit
}

// targets returns the indices of stages whose end completes the run:
// stages without outputs, or every stage when there is no such stage.
func targets(order []core.Stage) []int {
	var idx []int
	for i, s := range order {
		if len(s.Base().Outputs()) == 0 {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		for i := range order {
			idx = append(idx, i)
		}
	}
	return idx
}

// run is the state of a single Engine.Run call.
type run struct {
	engine   *Engine
	order    []core.Stage
	ctxs     []context.Context
	ended    []bool
	targets  []int
	clock    clockz.Clock
	log      *slog.Logger
	emit     EventEmitter
	loops    int
	deadline time.Time
	result   Result
}

func (r *run) elapsed() time.Duration {
	return r.clock.Now().Sub(r.result.Started)
}

func (r *run) stageEvent(kind EventKind, b *core.BaseStage) Event {
	return NewEvent(kind, r.result.RunID).
		WithStage(b).
		WithIteration(r.result.Iterations).
		WithElapsed(r.elapsed())
}

// init calls Init on every stage in order. It returns how many stages had
// Init called, counting a failed one, so shutdown can finalize them.
func (r *run) init(ctx context.Context) int {
	r.ctxs = make([]context.Context, len(r.order))
	for i, s := range r.order {
		b := s.Base()
		r.ctxs[i] = stageContext(ctx, r.result.RunID, b, r.emit)
		b.SetState(core.StateRunning)
		if err := s.Init(r.ctxs[i]); err != nil {
			se := core.NewStageError(b, core.KindInitFailure, err)
			r.fail(se)
			r.emit(r.stageEvent(EventStageInitFailed, b).WithPayload("error", err.Error()))
			r.log.Error("stage init failed",
				"run_id", r.result.RunID,
				"stage", b.Name(),
				"stage_id", b.ID(),
				"error", err,
			)
			return i + 1
		}
		r.emit(r.stageEvent(EventStageInitialized, b))
	}
	return len(r.order)
}

func (r *run) fail(err *core.StageError) {
	r.result.Outcome = OutcomeFailed
	r.result.Err = err
}

func (r *run) terminate(outcome Outcome, reason string) {
	r.result.Outcome = outcome
	r.result.Reason = reason
}

// checkRun reports whether the run must stop before the next tick.
func (r *run) checkRun(ctx context.Context) bool {
	if r.engine.stopRequested() {
		r.terminate(OutcomeStopped, ReasonStop)
		return true
	}
	if ctx.Err() != nil {
		r.terminate(OutcomeStopped, ReasonContext)
		return true
	}
	return false
}

func (r *run) loop(ctx context.Context) {
	for {
		if r.checkRun(ctx) {
			return
		}
		if r.loops > 0 && r.result.Iterations >= r.loops {
			r.terminate(OutcomeBudget, ReasonLoops)
			return
		}
		if !r.deadline.IsZero() && !r.clock.Now().Before(r.deadline) {
			r.terminate(OutcomeBudget, ReasonDeadline)
			return
		}

		r.result.Iterations++
		progress, done := r.iterate(ctx)
		if done {
			return
		}
		if r.complete() {
			r.terminate(OutcomeCompleted, "")
			return
		}
		if !progress {
			r.idle(ctx)
		}
	}
}

// iterate ticks every live stage once in order. It reports whether any
// stage made progress, and whether the run terminated mid-iteration.
func (r *run) iterate(ctx context.Context) (progress, done bool) {
	for i, s := range r.order {
		if r.ended[i] {
			continue
		}
		if i > 0 && r.checkRun(ctx) {
			return progress, true
		}

		b := s.Base()
		draining := b.State() == core.StateDraining
		if !draining && b.InputsDrained() {
			b.SetState(core.StateDraining)
			draining = true
			r.emit(r.stageEvent(EventStageDraining, b))
			r.log.Debug("stage draining", "run_id", r.result.RunID, "stage", b.Name())
		}

		before := b.Consumed() + b.Produced()
		b.BeginTick()
		status, err := s.Tick(r.ctxs[i])
		r.result.Ticks++
		if b.Consumed()+b.Produced() != before || status == core.Produced {
			progress = true
		}

		if r.engine.opts.TickEvents {
			r.emit(r.stageEvent(EventStageTick, b).WithPayload("status", status.String()))
		}

		if err != nil || status == core.Error {
			if err == nil {
				err = fmt.Errorf("%s returned error status", b.Name())
			}
			se := core.NewStageError(b, core.KindStageError, err)
			r.fail(se)
			r.emit(r.stageEvent(EventStageFailed, b).WithPayload("error", err.Error()))
			r.log.Error("stage failed",
				"run_id", r.result.RunID,
				"stage", b.Name(),
				"stage_id", b.ID(),
				"iteration", r.result.Iterations,
				"error", err,
			)
			return progress, true
		}

		// A drained stage that has nothing left to flush is done.
		if status == core.End || (draining && status == core.Idle) {
			r.end(i)
			progress = true
		}
	}
	return progress, false
}

func (r *run) end(i int) {
	b := r.order[i].Base()
	r.ended[i] = true
	b.CloseOutputs()
	r.emit(r.stageEvent(EventStageEnded, b).
		WithPayload("consumed", b.Consumed()).
		WithPayload("produced", b.Produced()))
	r.log.Debug("stage ended",
		"run_id", r.result.RunID,
		"stage", b.Name(),
		"consumed", b.Consumed(),
		"produced", b.Produced(),
	)
}

// complete reports whether every target stage has ended or can receive
// nothing more.
func (r *run) complete() bool {
	for _, i := range r.targets {
		if r.ended[i] {
			continue
		}
		b := r.order[i].Base()
		if len(b.Inputs()) > 0 && b.InputsDrained() {
			continue
		}
		return false
	}
	return true
}

// idle sleeps for the poll interval, capped by the deadline, waking early
// on Stop or cancellation.
func (r *run) idle(ctx context.Context) {
	wait := r.engine.opts.PollInterval
	if !r.deadline.IsZero() {
		if remaining := r.deadline.Sub(r.clock.Now()); remaining < wait {
			wait = remaining
		}
	}
	if wait <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-r.engine.stopCh:
	case <-r.clock.After(wait):
	}
}

// shutdown finalizes the first n stages of the order in reverse. Failures
// are logged and never replace the run outcome.
func (r *run) shutdown(ctx context.Context, n int) {
	for i := n - 1; i >= 0; i-- {
		r.finalize(ctx, r.order[i])
	}
	for _, s := range r.order {
		s.Base().DiscardInputs()
	}
}

func (r *run) finalize(ctx context.Context, s core.Stage) {
	b := s.Base()
	defer b.SetState(core.StateStopped)
	defer func() {
		if p := recover(); p != nil {
			r.finalizeFailed(b, fmt.Errorf("panic: %v", p))
		}
	}()

	ctx = stageContext(ctx, r.result.RunID, b, r.emit)
	if err := s.Finalize(ctx); err != nil {
		r.finalizeFailed(b, err)
		return
	}
	r.emit(r.stageEvent(EventStageFinalized, b))
}

func (r *run) finalizeFailed(b *core.BaseStage, err error) {
	r.emit(r.stageEvent(EventStageFinalizeFailed, b).WithPayload("error", err.Error()))
	r.log.Error("stage finalize failed",
		"run_id", r.result.RunID,
		"stage", b.Name(),
		"stage_id", b.ID(),
		"error", err,
	)
}

func (r *run) finish() {
	ev := NewEvent(EventRunFinished, r.result.RunID).
		WithIteration(r.result.Iterations).
		WithElapsed(r.result.Elapsed).
		WithPayload("status", r.result.Outcome.String()).
		WithPayload("iterations", r.result.Iterations).
		WithPayload("ticks", r.result.Ticks)
	if r.result.Reason != "" {
		ev = ev.WithPayload("reason", r.result.Reason)
	}
	attrs := []any{
		"run_id", r.result.RunID,
		"engine", r.engine.name,
		"status", r.result.Outcome,
		"iterations", r.result.Iterations,
		"ticks", r.result.Ticks,
		"elapsed", r.result.Elapsed,
	}
	if se, ok := r.result.Failure(); ok {
		ev = ev.WithPayload("error", se.Error()).
			WithPayload("error_kind", string(se.Kind)).
			WithPayload("stage_id", uint64(se.StageID))
		attrs = append(attrs, "error", se)
	}
	r.emit(ev)
	r.log.Info("run finished", attrs...)
}
