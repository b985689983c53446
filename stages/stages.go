// Package stages provides the built-in pipef stages: sources, sinks,
// transformers, filters, merges and counters.
//
// Every built-in exposes Get, a monotonic count read safely from any
// goroutine while or after the engine runs.
package stages

import (
	"context"
	"errors"
)

// ErrIdle is returned by a source producer that has nothing to emit yet.
var ErrIdle = errors.New("no data available")

// lifecycle provides no-op Init and Finalize for stages without setup.
type lifecycle struct{}

func (lifecycle) Init(context.Context) error { return nil }

func (lifecycle) Finalize(context.Context) error { return nil }
