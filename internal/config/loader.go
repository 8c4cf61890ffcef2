package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader reads a YAML config file and watches it for changes.
type Loader struct {
	path     string
	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
	logger   *slog.Logger
}

// NewLoader creates a Loader and performs the initial load.
func NewLoader(path string, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{path: path, logger: logger}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Config returns the current (latest) configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the config reloads.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that hot-reloads the config on file
// changes. Invalid files are logged and the previous config stays active.
// Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", l.path, err)
	}

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						l.logger.Warn("config reload skipped", "path", l.path, "err", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("config watcher error", "err", err)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

// Reload forces an immediate re-read of the config file. A file that fails
// to parse or validate leaves the current config in place.
func (l *Loader) Reload() (*Config, error) {
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(*Config), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
	return cfg, nil
}

func (l *Loader) load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", l.path, err)
	}
	ApplyDefaults(&cfg)
	return &cfg, nil
}

// ApplyDefaults fills zero values with production defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeoutMs == 0 {
		cfg.Server.ReadTimeoutMs = 10000
	}
	if cfg.Server.WriteTimeoutMs == 0 {
		cfg.Server.WriteTimeoutMs = 30000
	}
	if cfg.Server.ShutdownMs == 0 {
		cfg.Server.ShutdownMs = 15000
	}
	if cfg.Server.MaxPayloadBytes == 0 {
		cfg.Server.MaxPayloadBytes = 1 << 20
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "tenantmeter.db"
	}
	if cfg.Queue.Driver == "" {
		cfg.Queue.Driver = "memory"
	}
	if cfg.Queue.VisibilityTimeoutMs == 0 {
		cfg.Queue.VisibilityTimeoutMs = 30000
	}
	if cfg.Queue.PollIntervalMs == 0 {
		cfg.Queue.PollIntervalMs = 100
	}
	if cfg.Outbox.PollIntervalMs == 0 {
		cfg.Outbox.PollIntervalMs = 1000
	}
	if cfg.Outbox.BatchSize == 0 {
		cfg.Outbox.BatchSize = 500
	}
	if cfg.Outbox.RetentionHours == 0 {
		cfg.Outbox.RetentionHours = 7 * 24
	}
	if cfg.Aggregator.Workers == 0 {
		cfg.Aggregator.Workers = 8
	}
	if cfg.Aggregator.WorkerQueueDepth == 0 {
		cfg.Aggregator.WorkerQueueDepth = 64
	}
	if cfg.Aggregator.BackoffBaseMs == 0 {
		cfg.Aggregator.BackoffBaseMs = 200
	}
	if cfg.Aggregator.BackoffMaxMs == 0 {
		cfg.Aggregator.BackoffMaxMs = 30000
	}
	if cfg.Aggregator.DedupCacheSize == 0 {
		cfg.Aggregator.DedupCacheSize = 100000
	}
	if cfg.Aggregator.DedupCacheTTLSec == 0 {
		cfg.Aggregator.DedupCacheTTLSec = 3600
	}
	if cfg.Billing.Period == "" {
		cfg.Billing.Period = "monthly"
	}
	if cfg.Billing.GraceHours == 0 {
		cfg.Billing.GraceHours = 72
	}
	if cfg.Billing.AppliedRetentionHours == 0 {
		cfg.Billing.AppliedRetentionHours = 35 * 24
	}
	if cfg.Billing.FinalizeSchedule == "" {
		cfg.Billing.FinalizeSchedule = "@every 5m"
	}
	if len(cfg.Billing.SizeCategories) == 0 {
		cfg.Billing.SizeCategories = []SizeCategoryConf{
			{MaxBytes: 4 << 10, Units: 1},
			{MaxBytes: 256 << 10, Units: 4},
			{MaxBytes: 0, Units: 16},
		}
	}
	if cfg.Billing.Currency == "" {
		cfg.Billing.Currency = "USD"
	}
}
