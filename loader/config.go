package loader

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileNames are the host config files looked up by FindConfig, in
// order.
var ConfigFileNames = []string{"pipef.yaml", "pipef.yml"}

// Config is the host configuration. Zero values mean "use the default".
type Config struct {
	Loops         int           `yaml:"loops"`
	Duration      time.Duration `yaml:"duration"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	QueueCapacity int           `yaml:"queue_capacity"`
	TickEvents    bool          `yaml:"tick_events"`
	Log           LogConfig     `yaml:"log"`
	EventsDB      string        `yaml:"events_db"`
	OTLPEndpoint  string        `yaml:"otlp_endpoint"`
	MetricsAddr   string        `yaml:"metrics_addr"`
	Cron          string        `yaml:"cron"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// FindConfig returns the first config file present in dir.
func FindConfig(dir string) (string, bool) {
	for _, name := range ConfigFileNames {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

// LoadConfig reads and validates the config file at path. Unknown keys are
// rejected.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path) // #nosec G304 -- path from caller
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations.
func (c Config) Validate() error {
	var errs []error
	if c.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("poll_interval must not be negative, got %s", c.PollInterval))
	}
	if c.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("queue_capacity must not be negative, got %d", c.QueueCapacity))
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json", c.Log.Format))
	}
	return errors.Join(errs...)
}
