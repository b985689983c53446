package bus

import (
	"context"
	"log/slog"

	"github.com/petal-labs/pipef/runtime"
)

// StoreSubscriber writes events to an EventStore. Persist failures are
// logged and never reach the engine.
type StoreSubscriber struct {
	store  EventStore
	logger *slog.Logger
}

// NewStoreSubscriber creates a StoreSubscriber. A nil logger uses
// slog.Default.
func NewStoreSubscriber(store EventStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{store: store, logger: logger}
}

// Handle persists a single event.
func (s *StoreSubscriber) Handle(event runtime.Event) {
	if err := s.store.Append(context.Background(), event); err != nil {
		s.logger.Error("failed to persist event",
			"run_id", event.RunID,
			"kind", event.Kind,
			"seq", event.Seq,
			"error", err,
		)
	}
}

// Handler returns Handle as a runtime.EventHandler.
func (s *StoreSubscriber) Handler() runtime.EventHandler {
	return s.Handle
}

// Drain persists every event of sub until it is closed or ctx is done.
func (s *StoreSubscriber) Drain(ctx context.Context, sub Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			s.Handle(ev)
		}
	}
}
