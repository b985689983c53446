package runtime

import (
	"log/slog"
	"time"

	"github.com/zoobzio/clockz"
)

// DefaultPollInterval is how long the engine sleeps after an iteration in
// which no stage made progress.
const DefaultPollInterval = 10 * time.Millisecond

// Unbounded disables the loop or duration limit of Run. Any value <= 0 is
// treated the same way.
const Unbounded = -1

// Options controls engine behavior.
type Options struct {
	// PollInterval is the idle sleep between iterations (default: 10ms).
	PollInterval time.Duration

	// Clock drives deadlines and idle sleeps (default: clockz.RealClock).
	Clock clockz.Clock

	// Logger receives run lifecycle logs (default: slog.Default()).
	Logger *slog.Logger

	// EventHandler receives events during execution.
	EventHandler EventHandler

	// EventEmitterDecorator wraps the internal event emitter.
	// If nil, events are emitted without decoration.
	EventEmitterDecorator EventEmitterDecorator

	// EventBus distributes events to subscribers. It publishes after
	// EventHandler has returned.
	// If nil, events are only sent to EventHandler.
	EventBus EventPublisher

	// TickEvents enables a stage.tick event after every tick.
	TickEvents bool
}

// DefaultOptions returns sensible default options.
func DefaultOptions() Options {
	return Options{
		PollInterval: DefaultPollInterval,
		Clock:        clockz.RealClock,
		Logger:       slog.Default(),
	}
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Clock == nil {
		o.Clock = clockz.RealClock
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// StageOption configures a stage when the engine takes ownership.
type StageOption func(*stageConfig)

type stageConfig struct {
	name     string
	batch    int
	capacity int
}

// WithName renames the stage.
func WithName(name string) StageOption {
	return func(c *stageConfig) {
		c.name = name
	}
}

// WithBatchSize sets how many data the stage may pop from each input per
// tick.
func WithBatchSize(n int) StageOption {
	return func(c *stageConfig) {
		c.batch = n
	}
}

// WithQueueCapacity sets the queue bound of every input of the stage.
func WithQueueCapacity(n int) StageOption {
	return func(c *stageConfig) {
		c.capacity = n
	}
}
