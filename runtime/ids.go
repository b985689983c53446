package runtime

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// seqGen numbers the events of one run, starting at 1. Events may be
// emitted from background helpers, so it is safe for concurrent use.
type seqGen struct {
	n atomic.Uint64
}

func newSeqGen() *seqGen {
	return new(seqGen)
}

// Next returns the next sequence number.
func (s *seqGen) Next() uint64 {
	return s.n.Add(1)
}

// generateRunID returns a time-ordered UUIDv7, so run ids sort by start
// time in event stores. It falls back to a random UUID when the clock
// source fails.
func generateRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
