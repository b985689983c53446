package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/zoobzio/clockz"
)

// cronFields accepts five-field expressions and @-descriptors.
const cronFields = cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor

// scheduler repeats a run on a cron schedule. Activations are computed in
// UTC.
type scheduler struct {
	expr     string
	schedule cron.Schedule
	clock    clockz.Clock
	logger   *slog.Logger
}

// newScheduler parses the --cron value. A TZ= or CRON_TZ= prefix is
// refused.
func newScheduler(expr string, clock clockz.Clock, logger *slog.Logger) (*scheduler, error) {
	fields := strings.Fields(expr)
	if len(fields) == 0 {
		return nil, fmt.Errorf("--cron: empty schedule")
	}
	if first := strings.ToUpper(fields[0]); strings.HasPrefix(first, "TZ=") || strings.HasPrefix(first, "CRON_TZ=") {
		return nil, fmt.Errorf("--cron %q: schedules run in UTC, drop the %s prefix", expr, fields[0])
	}
	schedule, err := cron.NewParser(cronFields).Parse(strings.Join(fields, " "))
	if err != nil {
		return nil, fmt.Errorf("--cron %q: %w", expr, err)
	}
	return &scheduler{expr: expr, schedule: schedule, clock: clock, logger: logger}, nil
}

// run calls fn at every activation until ctx is done. A failed activation
// is logged and the schedule continues.
func (s *scheduler) run(ctx context.Context, fn func(context.Context) error) {
	for {
		now := s.clock.Now().UTC()
		next := s.schedule.Next(now)
		s.logger.Info("next scheduled run", "cron", s.expr, "at", next)
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(next.Sub(now)):
		}
		if err := fn(ctx); err != nil {
			s.logger.Error("scheduled run failed", "cron", s.expr, "error", err)
		}
	}
}
