package core

import (
	"errors"
	"fmt"
)

// Composition and lifecycle errors.
var (
	ErrTypeMismatch            = errors.New("port element types differ")
	ErrPortOccupied            = errors.New("input port already has an upstream")
	ErrCycleDetected           = errors.New("connection would create a cycle")
	ErrReparameterizeAfterWire = errors.New("stage already parameterized and wired")
	ErrInitFailure             = errors.New("stage init failed")
	ErrStageFailed             = errors.New("stage failed")
	ErrEngineStopped           = errors.New("engine stopped")
	ErrBudgetExhausted         = errors.New("run budget exhausted")

	ErrQueueFull      = errors.New("input queue full")
	ErrPortClosed     = errors.New("output port closed")
	ErrPortNotFound   = errors.New("port not found")
	ErrForeignStage   = errors.New("stages belong to different engines")
	ErrTopologyFrozen = errors.New("topology frozen")
	ErrAlreadyBound   = errors.New("stage already bound to an engine")
	ErrNotConfigured  = errors.New("stage not parameterized")
)

// ErrorKind classifies errors surfaced by the engine.
type ErrorKind string

const (
	KindTypeMismatch            ErrorKind = "type_mismatch"
	KindPortOccupied            ErrorKind = "port_occupied"
	KindCycleDetected           ErrorKind = "cycle_detected"
	KindReparameterizeAfterWire ErrorKind = "reparameterize_after_wire"
	KindInitFailure             ErrorKind = "init_failure"
	KindStageError              ErrorKind = "stage_error"
	KindEngineStopped           ErrorKind = "engine_stopped"
	KindBudgetExhausted         ErrorKind = "budget_exhausted"
	KindUnknown                 ErrorKind = "unknown"
)

var kindSentinels = []struct {
	err  error
	kind ErrorKind
}{
	{ErrTypeMismatch, KindTypeMismatch},
	{ErrPortOccupied, KindPortOccupied},
	{ErrCycleDetected, KindCycleDetected},
	{ErrReparameterizeAfterWire, KindReparameterizeAfterWire},
	{ErrInitFailure, KindInitFailure},
	{ErrStageFailed, KindStageError},
	{ErrEngineStopped, KindEngineStopped},
	{ErrBudgetExhausted, KindBudgetExhausted},
}

// KindOf maps err to its ErrorKind. A *StageError reports its own kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	for _, s := range kindSentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return KindUnknown
}

// StageError is the runtime failure of a single stage, either during Init
// or returned from a tick.
type StageError struct {
	StageID StageID   // identity of the failing stage
	Stage   string    // stage name
	Kind    ErrorKind // KindInitFailure or KindStageError
	Message string    // human readable message
	Cause   error     // underlying error (may be nil)
}

// Error implements the error interface for StageError.
func (e *StageError) Error() string {
	return fmt.Sprintf("%s: stage %s (%s): %s", e.Kind, e.Stage, e.StageID, e.Message)
}

// Unwrap returns the underlying cause for error unwrapping.
func (e *StageError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the sentinel matching this error's kind.
func (e *StageError) Is(target error) bool {
	switch e.Kind {
	case KindInitFailure:
		return target == ErrInitFailure
	case KindStageError:
		return target == ErrStageFailed
	}
	return false
}

// NewStageError builds a StageError for the given stage.
func NewStageError(b *BaseStage, kind ErrorKind, cause error) *StageError {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return &StageError{
		StageID: b.ID(),
		Stage:   b.Name(),
		Kind:    kind,
		Message: msg,
		Cause:   cause,
	}
}
