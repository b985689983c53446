// Package bus fans engine events out to subscribers and persists them for
// replay. An EventBus satisfies runtime.EventPublisher, so the engine can
// publish without importing this package.
package bus

import "github.com/petal-labs/pipef/runtime"

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to every matching subscriber. It never blocks.
	Publish(event runtime.Event)

	// Subscribe registers a subscriber for one run.
	Subscribe(runID string, opts ...SubscribeOption) Subscription

	// SubscribeAll registers a subscriber for every run.
	SubscribeAll(opts ...SubscribeOption) Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns the delivery channel. It is closed by Close.
	Events() <-chan runtime.Event

	// Dropped returns how many events were lost to a full buffer.
	Dropped() uint64

	// Close unsubscribes and releases resources.
	Close() error
}

// SubscribeOption narrows a subscription.
type SubscribeOption func(*subConfig)

type subConfig struct {
	kinds   map[runtime.EventKind]bool
	stageID uint32
}

// WithKinds delivers only events of the given kinds.
func WithKinds(kinds ...runtime.EventKind) SubscribeOption {
	return func(c *subConfig) {
		if c.kinds == nil {
			c.kinds = make(map[runtime.EventKind]bool, len(kinds))
		}
		for _, k := range kinds {
			c.kinds[k] = true
		}
	}
}

// WithStage delivers only events about one stage.
func WithStage(id uint32) SubscribeOption {
	return func(c *subConfig) { c.stageID = id }
}

func (c subConfig) match(ev runtime.Event) bool {
	if c.kinds != nil && !c.kinds[ev.Kind] {
		return false
	}
	if c.stageID != 0 && uint32(ev.StageID) != c.stageID {
		return false
	}
	return true
}
