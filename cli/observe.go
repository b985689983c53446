package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/petal-labs/pipef/bus"
	"github.com/petal-labs/pipef/otel"
	"github.com/petal-labs/pipef/promexport"
	"github.com/petal-labs/pipef/runtime"
	"github.com/petal-labs/pipef/sse"
)

// eventBufferSize is the per-subscriber bus buffer. Runs without tick
// events emit a handful of events per stage.
const eventBufferSize = 4096

// tickCoalesceInterval bounds the rate of stage.tick events.
const tickCoalesceInterval = 250 * time.Millisecond

// observers holds the event consumers of a run command. They outlive the
// individual engine runs of a schedule.
type observers struct {
	logger *slog.Logger

	bus       *bus.MemBus
	store     *bus.SQLiteEventStore
	persister *bus.StoreSubscriber
	telemetry *otel.Telemetry
	metrics   *promexport.Collector
	server    *promexport.Server
	throttle  bool
	stops     []func()
}

// setupObservers wires the sinks enabled in s: SQLite event persistence,
// OTLP tracing and a Prometheus endpoint. With both an events db and a
// metrics address, the server also streams run events. Events are stored
// before they reach the bus, so a stream that replays the store and then
// follows the bus has no gap.
func setupObservers(ctx context.Context, s settings, logger *slog.Logger) (*observers, error) {
	o := &observers{logger: logger, throttle: s.TickEvents}

	if s.EventsDB != "" {
		store, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: s.EventsDB})
		if err != nil {
			return nil, fmt.Errorf("opening events db: %w", err)
		}
		o.store = store
		o.persister = bus.NewStoreSubscriber(store, logger)
		o.bus = bus.NewMemBus(bus.MemBusConfig{SubscriberBufferSize: eventBufferSize})
	}

	if s.OTLPEndpoint != "" {
		tel, err := otel.Setup(ctx, otel.Config{Endpoint: s.OTLPEndpoint, Insecure: true})
		if err != nil {
			o.close(ctx)
			return nil, err
		}
		o.telemetry = tel
	}

	if s.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		col, err := promexport.New(reg)
		if err != nil {
			o.close(ctx)
			return nil, err
		}
		srv := promexport.NewServer(s.MetricsAddr, reg)
		if o.store != nil {
			sse.Mount(srv, o.store, o.bus)
		}
		if err := srv.Start(); err != nil {
			o.close(ctx)
			return nil, err
		}
		logger.Info("serving metrics", "addr", srv.Addr())
		o.metrics = col
		o.server = srv
	}
	return o, nil
}

// apply connects the observers to one engine's options.
func (o *observers) apply(opts *runtime.Options) {
	var handlers []runtime.EventHandler
	if o.persister != nil {
		handlers = append(handlers, o.persister.Handler())
	}
	if o.metrics != nil {
		handlers = append(handlers, o.metrics.Handle)
	}
	if len(handlers) > 0 {
		opts.EventHandler = runtime.MultiEventHandler(append(handlers, opts.EventHandler)...)
	}
	if o.bus != nil {
		opts.EventBus = o.bus
	}
	if o.throttle {
		decorate, stop := bus.Decorator(bus.ThrottleConfig{CoalesceInterval: tickCoalesceInterval})
		opts.EventEmitterDecorator = decorate
		o.stops = append(o.stops, stop)
	}
	if o.telemetry != nil {
		o.telemetry.Apply(opts)
	}
}

// release stops per-run decorators, flushing coalesced events.
func (o *observers) release() {
	for _, stop := range o.stops {
		stop()
	}
	o.stops = nil
}

// close flushes and stops every observer.
func (o *observers) close(ctx context.Context) {
	o.release()
	var errs []error
	if o.bus != nil {
		errs = append(errs, o.bus.Close())
	}
	if o.store != nil {
		errs = append(errs, o.store.Close())
	}
	if o.telemetry != nil {
		errs = append(errs, o.telemetry.Shutdown(ctx))
	}
	if o.server != nil {
		errs = append(errs, o.server.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		o.logger.Error("closing observers", "error", err)
	}
}
