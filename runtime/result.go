package runtime

import (
	"errors"
	"time"

	"github.com/petal-labs/pipef/core"
)

// Outcome is the terminal status of a run.
type Outcome string

const (
	// OutcomeCompleted means every sink ended or lost its upstream.
	OutcomeCompleted Outcome = "completed"
	// OutcomeStopped means Stop was called or the context was cancelled.
	OutcomeStopped Outcome = "stopped"
	// OutcomeBudget means the loop count or the deadline was reached.
	OutcomeBudget Outcome = "budget"
	// OutcomeFailed means a stage failed Init or a tick.
	OutcomeFailed Outcome = "failed"
)

// String returns the string representation of the Outcome.
func (o Outcome) String() string {
	return string(o)
}

// Budget reasons reported in Result.Reason.
const (
	ReasonLoops    = "loops"
	ReasonDeadline = "deadline"
	ReasonStop     = "stop"
	ReasonContext  = "context"
)

// Result describes how a run terminated. Stage counters stay readable
// after the run.
type Result struct {
	RunID      string
	Outcome    Outcome
	Reason     string // budget or stop reason; empty otherwise
	Iterations int
	Ticks      uint64
	Started    time.Time
	Elapsed    time.Duration

	// Err is the *core.StageError of a failed run.
	Err error
}

// Status maps the outcome to an error: nil when completed,
// core.ErrEngineStopped, core.ErrBudgetExhausted, or the stage error.
func (r Result) Status() error {
	switch r.Outcome {
	case OutcomeCompleted:
		return nil
	case OutcomeStopped:
		return core.ErrEngineStopped
	case OutcomeBudget:
		return core.ErrBudgetExhausted
	default:
		return r.Err
	}
}

// Failure returns the failing stage error, if any.
func (r Result) Failure() (*core.StageError, bool) {
	var se *core.StageError
	ok := errors.As(r.Err, &se)
	return se, ok
}
