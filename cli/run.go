package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zoobzio/clockz"

	"github.com/petal-labs/pipef/graph"
	"github.com/petal-labs/pipef/loader"
	"github.com/petal-labs/pipef/registry"
	"github.com/petal-labs/pipef/runtime"
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a pipeline definition",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	budgetFlags(cmd)
	cmd.Flags().Bool("tick-events", false, "Emit coalesced stage.tick events")
	cmd.Flags().String("events-db", "", "Persist run events to this SQLite file")
	cmd.Flags().String("otlp-endpoint", "", "Export traces to this OTLP/HTTP collector (host:port)")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	cmd.Flags().String("cron", "", "Re-run on this UTC cron schedule until interrupted")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	s, err := resolveSettings(cmd)
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}
	logger := newLogger(cmd.ErrOrStderr(), s.Log)

	def, err := loadDefinitionForRun(cmd, args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := setupObservers(ctx, s, logger)
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}
	defer obs.close(context.Background())

	r := &runner{cmd: cmd, def: def, settings: s, logger: logger, obs: obs}

	if s.Cron != "" {
		sched, err := newScheduler(s.Cron, clockz.RealClock, logger)
		if err != nil {
			return exitError(exitValidation, "%v", err)
		}
		sched.run(ctx, r.runOnce)
		return nil
	}
	return r.runOnce(ctx)
}

func loadDefinitionForRun(cmd *cobra.Command, filePath string) (*graph.Definition, error) {
	def, err := loader.LoadDefinition(filePath, registry.Global())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		var diagErr *loader.DiagnosticError
		if errors.As(err, &diagErr) {
			printDiagnosticsText(cmd.ErrOrStderr(), diagErr.Diagnostics)
			return nil, exitError(exitValidation, "validation failed")
		}
		return nil, exitError(exitValidation, "%v", err)
	}
	return def, nil
}

// runner executes one definition, once or per schedule activation.
type runner struct {
	cmd      *cobra.Command
	def      *graph.Definition
	settings settings
	logger   *slog.Logger
	obs      *observers
}

func (r *runner) runOnce(ctx context.Context) error {
	opts := runtime.DefaultOptions()
	opts.Logger = r.logger
	opts.TickEvents = r.settings.TickEvents
	if r.settings.PollInterval > 0 {
		opts.PollInterval = r.settings.PollInterval
	}
	r.obs.apply(&opts)
	defer r.obs.release()

	var stageOpts []runtime.StageOption
	if r.settings.QueueCapacity > 0 {
		stageOpts = append(stageOpts, runtime.WithQueueCapacity(r.settings.QueueCapacity))
	}

	bc := registry.BuildContext{
		Stdin: r.cmd.InOrStdin(),
		Targets: map[string]io.Writer{
			"stdout": r.cmd.OutOrStdout(),
			"stderr": r.cmd.ErrOrStderr(),
		},
	}
	e, err := registry.Global().Build(r.def, bc, opts, stageOpts...)
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}

	res, err := e.Run(ctx, r.settings.Loops, r.settings.Duration)
	if !r.settings.Quiet {
		printSummary(r.cmd.ErrOrStderr(), e, res)
	}

	switch {
	case res.Outcome == runtime.OutcomeFailed:
		return exitError(exitRuntime, "run failed: %v", err)
	case res.Outcome == runtime.OutcomeBudget && r.settings.StrictBudget:
		return exitError(exitBudget, "budget exhausted: %s", res.Reason)
	}
	return nil
}

// printSummary writes the terminal status and per-stage counters.
func printSummary(w io.Writer, e *runtime.Engine, res runtime.Result) {
	name := e.Name()
	if name == "" {
		name = "pipeline"
	}
	fmt.Fprintf(w, "%s: %s after %d iterations, %d ticks, %s",
		name, res.Outcome, res.Iterations, res.Ticks, res.Elapsed.Round(time.Microsecond))
	if res.Reason != "" {
		fmt.Fprintf(w, " (%s)", res.Reason)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tKIND\tSTATE\tCONSUMED\tPRODUCED\tTICKS")
	for _, s := range e.Stages() {
		b := s.Base()
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n",
			b.Name(), b.Kind(), b.State(), b.Consumed(), b.Produced(), b.Ticks())
	}
	_ = tw.Flush()
}
