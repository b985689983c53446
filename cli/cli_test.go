package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/zoobzio/clockz"

	"github.com/petal-labs/pipef/bus"
	"github.com/petal-labs/pipef/runtime"
)

// newTestRoot creates a fresh command tree. Each test gets an isolated
// tree to avoid shared flag state.
func newTestRoot() *cobra.Command {
	return NewRootCmd("test")
}

// executeCommand runs a cobra command with the given args and captures stdout/stderr.
func executeCommand(root *cobra.Command, stdin string, args ...string) (stdout, stderr string, err error) {
	return executeWithStdin(root, strings.NewReader(stdin), args...)
}

func executeWithStdin(root *cobra.Command, stdin io.Reader, args ...string) (stdout, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	root.SetOut(&outBuf)
	root.SetErr(&errBuf)
	root.SetIn(stdin)
	root.SetArgs(args)
	err = root.Execute()
	return outBuf.String(), errBuf.String(), err
}

// writeTestFile creates a temporary file with the given content and returns its path.
func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// openStdin returns a reader that blocks until the test ends, so a lines
// source over it never finishes.
func openStdin(t *testing.T) io.Reader {
	t.Helper()
	r, w := io.Pipe()
	t.Cleanup(func() { _ = w.Close() })
	return r
}

func exitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if err != nil {
		return -1
	}
	return exitSuccess
}

const shoutYAML = `
id: shout
nodes:
  - id: in
    type: lines
  - id: keep
    type: filter
    key: help
  - id: loud
    type: upper
  - id: out
    type: writer
edges:
  - source: in
    target: keep
  - source: keep
    target: loud
  - source: loud
    target: out
`

func TestRun_StdinToStdout(t *testing.T) {
	path := writeTestFile(t, "shout.yaml", shoutYAML)
	stdout, stderr, err := executeCommand(newTestRoot(), "help\nhello\nhelp\n", "run", path, "--poll", "1ms")
	if err != nil {
		t.Fatalf("run error = %v\nstderr: %s", err, stderr)
	}
	if stdout != "HELP\nHELP\n" {
		t.Errorf("stdout = %q, want %q", stdout, "HELP\nHELP\n")
	}
	if !strings.Contains(stderr, "shout: completed") {
		t.Errorf("stderr missing status line:\n%s", stderr)
	}
	if !strings.Contains(stderr, "keep") || !strings.Contains(stderr, "CONSUMED") {
		t.Errorf("stderr missing stage counters:\n%s", stderr)
	}
}

func TestRun_Quiet(t *testing.T) {
	path := writeTestFile(t, "shout.yaml", shoutYAML)
	_, stderr, err := executeCommand(newTestRoot(), "help\n", "run", path, "--quiet", "--poll", "1ms")
	if err != nil {
		t.Fatalf("run error = %v", err)
	}
	if stderr != "" {
		t.Errorf("stderr = %q, want empty", stderr)
	}
}

func TestRun_ExitCodes(t *testing.T) {
	invalid := writeTestFile(t, "bad.json", `{"nodes": [{"id": "a", "type": "teleport"}], "edges": []}`)
	failing := writeTestFile(t, "fail.json", `{
  "nodes": [
    {"id": "in", "type": "lines", "config": {"path": "/definitely/not/here.txt"}},
    {"id": "out", "type": "discard"}
  ],
  "edges": [{"source": "in", "target": "out"}]
}`)
	endless := writeTestFile(t, "endless.yaml", shoutYAML)

	tests := []struct {
		name  string
		stdin string
		args  []string
		want  int
	}{
		{"missing file", "", []string{"run", "/definitely/not/here.yaml"}, exitFileNotFound},
		{"invalid definition", "", []string{"run", invalid}, exitValidation},
		{"init failure", "", []string{"run", failing}, exitRuntime},
		{"completed", "", []string{"run", endless, "--loops", "100", "--poll", "1ms"}, exitSuccess},
		{"bad cron", "", []string{"run", endless, "--cron", "TZ=UTC * * * * *"}, exitValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := executeCommand(newTestRoot(), tt.stdin, tt.args...)
			if got := exitCode(err); got != tt.want {
				t.Errorf("exit code = %d (%v), want %d", got, err, tt.want)
			}
		})
	}
}

func TestRun_StrictBudget(t *testing.T) {
	path := writeTestFile(t, "shout.yaml", shoutYAML)
	_, stderr, err := executeWithStdin(newTestRoot(), openStdin(t), "run", path, "--loops", "5", "--poll", "1ms", "--strict-budget")
	if got := exitCode(err); got != exitBudget {
		t.Errorf("exit code = %d (%v), want %d", got, err, exitBudget)
	}
	if !strings.Contains(stderr, "budget after 5 iterations") {
		t.Errorf("stderr = %q, want budget status", stderr)
	}

	_, _, err = executeWithStdin(newTestRoot(), openStdin(t), "run", path, "--loops", "3", "--poll", "1ms")
	if got := exitCode(err); got != exitSuccess {
		t.Errorf("exit code = %d (%v), want budget tolerated without --strict-budget", got, err)
	}
}

func TestRun_EventsDB(t *testing.T) {
	path := writeTestFile(t, "static.json", `{
  "id": "persisted",
  "nodes": [
    {"id": "a", "type": "static", "config": {"values": ["x", "y"]}},
    {"id": "out", "type": "discard"}
  ],
  "edges": [{"source": "a", "target": "out"}]
}`)
	db := filepath.Join(t.TempDir(), "events.db")
	if _, _, err := executeCommand(newTestRoot(), "", "run", path, "--events-db", db, "--poll", "1ms"); err != nil {
		t.Fatalf("run error = %v", err)
	}

	store, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: db})
	if err != nil {
		t.Fatalf("NewSQLiteEventStore() error = %v", err)
	}
	defer store.Close()
	finished, err := store.ListKind(context.Background(), runtime.EventRunFinished)
	if err != nil {
		t.Fatalf("ListKind() error = %v", err)
	}
	if len(finished) != 1 || finished[0].Payload["status"] != "completed" {
		t.Errorf("run.finished events = %+v", finished)
	}
}

func TestRun_ConfigFileAndOverride(t *testing.T) {
	path := writeTestFile(t, "shout.yaml", shoutYAML)
	cfg := writeTestFile(t, "pipef.yaml", "loops: 2\npoll_interval: 1ms\n")

	_, stderr, err := executeWithStdin(newTestRoot(), openStdin(t), "run", path, "--config", cfg, "--strict-budget")
	if got := exitCode(err); got != exitBudget {
		t.Fatalf("exit code = %d (%v), want budget from config loops", got, err)
	}
	if !strings.Contains(stderr, "after 2 iterations") {
		t.Errorf("stderr = %q, want 2 iterations", stderr)
	}

	_, stderr, err = executeWithStdin(newTestRoot(), openStdin(t), "run", path, "--config", cfg, "--loops", "4", "--strict-budget")
	if exitCode(err) != exitBudget || !strings.Contains(stderr, "after 4 iterations") {
		t.Errorf("flag did not override config: %v\n%s", err, stderr)
	}

	bad := writeTestFile(t, "pipef.yaml", "loopz: 2\n")
	if _, _, err := executeCommand(newTestRoot(), "", "run", path, "--config", bad); exitCode(err) != exitValidation {
		t.Errorf("exit code = %d, want %d for bad config", exitCode(err), exitValidation)
	}
}

func TestValidate(t *testing.T) {
	good := writeTestFile(t, "good.yaml", shoutYAML)
	orphan := writeTestFile(t, "orphan.json", `{"nodes": [{"id": "a", "type": "static"}], "edges": []}`)
	broken := writeTestFile(t, "broken.json", `{"nodes": [`)
	badTarget := writeTestFile(t, "target.json", `{"nodes": [{"id": "a", "type": "static"}, {"id": "b", "type": "writer", "key": "printer"}],
		"edges": [{"source": "a", "target": "b"}]}`)

	tests := []struct {
		name    string
		args    []string
		want    int
		wantOut string
	}{
		{"valid", []string{"validate", good}, exitSuccess, "Valid!"},
		{"warning", []string{"validate", orphan}, exitSuccess, "1 warning"},
		{"strict warning", []string{"validate", orphan, "--strict"}, exitValidation, "GR-002"},
		{"parse error", []string{"validate", broken}, exitValidation, "GR-000"},
		{"json", []string{"validate", orphan, "--format", "json"}, exitSuccess, `"code": "GR-002"`},
		{"build error", []string{"validate", badTarget}, exitValidation, "GR-012"},
		{"json report", []string{"validate", good, "--format", "json"}, exitSuccess, `"stages": 4`},
		{"missing", []string{"validate", "/nope.yaml"}, exitFileNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, _, err := executeCommand(newTestRoot(), "", tt.args...)
			if got := exitCode(err); got != tt.want {
				t.Errorf("exit code = %d (%v), want %d", got, err, tt.want)
			}
			if !strings.Contains(stdout, tt.wantOut) {
				t.Errorf("stdout = %q, want %q", stdout, tt.wantOut)
			}
		})
	}
}

func TestGraph(t *testing.T) {
	path := writeTestFile(t, "shout.yaml", shoutYAML)

	stdout, _, err := executeCommand(newTestRoot(), "", "graph", path)
	if err != nil {
		t.Fatalf("graph error = %v", err)
	}
	if !strings.Contains(stdout, "order: in -> keep -> loud -> out") {
		t.Errorf("stdout = %q", stdout)
	}
	if !strings.Contains(stdout, "diameter: 3") || !strings.Contains(stdout, "keep.out -> loud.in") {
		t.Errorf("stdout = %q", stdout)
	}

	stdout, _, err = executeCommand(newTestRoot(), "", "graph", path, "--json")
	if err != nil {
		t.Fatalf("graph --json error = %v", err)
	}
	var view graphView
	if err := json.Unmarshal([]byte(stdout), &view); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if view.ID != "shout" || len(view.Order) != 4 || len(view.Edges) != 3 {
		t.Errorf("view = %+v", view)
	}
}

func TestNewScheduler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"*/5 * * * *", false},
		{"  0   3 * * 1-5 ", false},
		{"@hourly", false},
		{"", true},
		{"CRON_TZ=Europe/Kyiv 0 * * * *", true},
		{"tz=UTC 0 * * * *", true},
		{"* * *", true},
		{"0 0 0 * * *", true},
	}
	for _, tt := range tests {
		_, err := newScheduler(tt.expr, clockz.RealClock, logger)
		if (err != nil) != tt.wantErr {
			t.Errorf("newScheduler(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestScheduler_Run(t *testing.T) {
	clock := clockz.NewFakeClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sched, err := newScheduler("* * * * *", clock, logger)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.run(ctx, func(context.Context) error {
			if runs.Add(1) == 1 {
				return errors.New("first activation fails")
			}
			return nil
		})
	}()

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		clock.Advance(time.Minute)
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if runs.Load() < 2 {
		t.Errorf("runs = %d, want at least 2 despite the failed activation", runs.Load())
	}
}

func TestExitCode(t *testing.T) {
	cause := errors.New("boom")
	wrapped := exitError(exitRuntime, "run failed: %w", cause)
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitSuccess},
		{"exit error", wrapped, exitRuntime},
		{"wrapped exit error", fmt.Errorf("outer: %w", exitError(exitBudget, "budget")), exitBudget},
		{"usage", errors.New("unknown flag: --nope"), exitValidation},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("%s: ExitCode() = %d, want %d", tt.name, got, tt.want)
		}
	}
	if !errors.Is(wrapped, cause) {
		t.Error("exitError lost the wrapped cause")
	}
}
