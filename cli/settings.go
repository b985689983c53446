package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/pipef/loader"
)

// settings is the host config with command line overrides applied.
type settings struct {
	loader.Config
	ConfigPath   string
	Quiet        bool
	StrictBudget bool
}

// resolveSettings loads the config file named by --config, or the one
// discovered in the working directory, then applies every flag the user
// set explicitly.
func resolveSettings(cmd *cobra.Command) (settings, error) {
	var s settings
	flags := cmd.Flags()

	path, _ := flags.GetString("config")
	if path == "" {
		path, _ = loader.FindConfig(".")
	}
	if path != "" {
		cfg, err := loader.LoadConfig(path)
		if err != nil {
			return s, err
		}
		s.Config = cfg
		s.ConfigPath = path
	}

	if flags.Changed("loops") {
		s.Loops, _ = flags.GetInt("loops")
	}
	if flags.Changed("duration") {
		s.Duration, _ = flags.GetDuration("duration")
	}
	if flags.Changed("poll") {
		s.PollInterval, _ = flags.GetDuration("poll")
	}
	if flags.Changed("queue-capacity") {
		s.QueueCapacity, _ = flags.GetInt("queue-capacity")
	}
	if flags.Changed("tick-events") {
		s.TickEvents, _ = flags.GetBool("tick-events")
	}
	if flags.Changed("events-db") {
		s.EventsDB, _ = flags.GetString("events-db")
	}
	if flags.Changed("otlp-endpoint") {
		s.OTLPEndpoint, _ = flags.GetString("otlp-endpoint")
	}
	if flags.Changed("metrics-addr") {
		s.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("cron") {
		s.Cron, _ = flags.GetString("cron")
	}
	if flags.Changed("log-format") {
		s.Log.Format, _ = flags.GetString("log-format")
	}
	s.StrictBudget, _ = flags.GetBool("strict-budget")
	s.Quiet, _ = flags.GetBool("quiet")
	if verbose, _ := flags.GetBool("verbose"); verbose {
		s.Log.Level = "debug"
	}
	if s.Quiet {
		s.Log.Level = "error"
	}

	if s.PollInterval < 0 {
		return s, fmt.Errorf("poll interval must not be negative, got %s", s.PollInterval)
	}
	return s, s.Config.Validate()
}

// newLogger builds the slog handler selected by the log settings. The
// default level is warn so run summaries are not interleaved with engine
// lifecycle logs.
func newLogger(w io.Writer, cfg loader.LogConfig) *slog.Logger {
	level := slog.LevelWarn
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// budgetFlags registers the run budget flags shared by run and its
// scheduled form.
func budgetFlags(cmd *cobra.Command) {
	cmd.Flags().Int("loops", 0, "Maximum scheduler iterations (<= 0: unbounded)")
	cmd.Flags().Duration("duration", 0, "Maximum run time (<= 0: unbounded)")
	cmd.Flags().Duration("poll", time.Duration(0), "Idle sleep between iterations (default 10ms)")
	cmd.Flags().Int("queue-capacity", 0, "Input queue bound of every stage (default 16)")
	cmd.Flags().Bool("strict-budget", false, "Exit with code 4 when the budget is exhausted")
}
