package loader

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestFindConfig(t *testing.T) {
	dir := t.TempDir()
	if _, ok := FindConfig(dir); ok {
		t.Fatal("FindConfig() found a file in an empty dir")
	}
	writeFile(t, dir, "pipef.yml", "")
	path, ok := FindConfig(dir)
	if !ok || filepath.Base(path) != "pipef.yml" {
		t.Errorf("FindConfig() = %q, %v", path, ok)
	}
	writeFile(t, dir, "pipef.yaml", "")
	if path, _ := FindConfig(dir); filepath.Base(path) != "pipef.yaml" {
		t.Errorf("FindConfig() = %q, want pipef.yaml first", path)
	}
}

func TestLoadConfig(t *testing.T) {
	path := writeFile(t, t.TempDir(), "pipef.yaml", `
loops: 100
duration: 2s
poll_interval: 5ms
queue_capacity: 32
tick_events: true
log:
  level: debug
  format: json
events_db: events.db
otlp_endpoint: localhost:4318
metrics_addr: ":9090"
cron: "*/5 * * * *"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Loops != 100 || cfg.Duration != 2*time.Second || cfg.PollInterval != 5*time.Millisecond {
		t.Errorf("budget = %d, %s, %s", cfg.Loops, cfg.Duration, cfg.PollInterval)
	}
	if cfg.QueueCapacity != 32 || !cfg.TickEvents {
		t.Errorf("QueueCapacity, TickEvents = %d, %v", cfg.QueueCapacity, cfg.TickEvents)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if cfg.EventsDB != "events.db" || cfg.OTLPEndpoint != "localhost:4318" || cfg.MetricsAddr != ":9090" || cfg.Cron != "*/5 * * * *" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadConfig_Empty(t *testing.T) {
	cfg, err := LoadConfig(writeFile(t, t.TempDir(), "pipef.yaml", ""))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg != (Config{}) {
		t.Errorf("cfg = %+v, want zero", cfg)
	}
}

func TestLoadConfig_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown key", "loopz: 3\n", "loopz"},
		{"bad duration", "duration: soon\n", "soon"},
		{"negative capacity", "queue_capacity: -1\n", "queue_capacity"},
		{"bad level", "log:\n  level: loud\n", "log.level"},
		{"bad format", "log:\n  format: xml\n", "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, t.TempDir(), "pipef.yaml", tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("LoadConfig() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}
