package config

import "time"

// Config is the top-level YAML structure.
type Config struct {
	Version    string         `yaml:"version"`
	Server     ServerConf     `yaml:"server"`
	Log        LogConf        `yaml:"log"`
	Storage    StorageConf    `yaml:"storage"`
	Queue      QueueConf      `yaml:"queue"`
	Outbox     OutboxConf     `yaml:"outbox"`
	Aggregator AggregatorConf `yaml:"aggregator"`
	Billing    BillingConf    `yaml:"billing"`
	Auth       AuthConf       `yaml:"auth"`
}

// ServerConf holds HTTP listener settings.
type ServerConf struct {
	Addr            string `yaml:"addr"`
	ReadTimeoutMs   int    `yaml:"read_timeout_ms"`
	WriteTimeoutMs  int    `yaml:"write_timeout_ms"`
	ShutdownMs      int    `yaml:"shutdown_ms"`
	MaxPayloadBytes int64  `yaml:"max_payload_bytes"`
}

// LogConf selects the slog handler.
type LogConf struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// StorageConf locates the sqlite database.
type StorageConf struct {
	Path string `yaml:"path"` // ":memory:" for an ephemeral store
}

// QueueConf selects the change-capture queue driver.
type QueueConf struct {
	Driver              string `yaml:"driver"` // memory | redis
	RedisURL            string `yaml:"redis_url"`
	RedisPrefix         string `yaml:"redis_prefix"`
	VisibilityTimeoutMs int    `yaml:"visibility_timeout_ms"`
	PollIntervalMs      int    `yaml:"poll_interval_ms"`
}

// OutboxConf tunes the change-log relay.
type OutboxConf struct {
	PollIntervalMs int `yaml:"poll_interval_ms"`
	BatchSize      int `yaml:"batch_size"`
	RetentionHours int `yaml:"retention_hours"`
}

// AggregatorConf holds billing consumer concurrency settings.
type AggregatorConf struct {
	Workers          int `yaml:"workers"`
	WorkerQueueDepth int `yaml:"worker_queue_depth"`
	BackoffBaseMs    int `yaml:"backoff_base_ms"`
	BackoffMaxMs     int `yaml:"backoff_max_ms"`
	DedupCacheSize   int `yaml:"dedup_cache_size"`
	DedupCacheTTLSec int `yaml:"dedup_cache_ttl_sec"`
}

// BillingConf is the metering policy. Size categories and prices may be
// hot-reloaded; period granularity and windows apply at startup.
type BillingConf struct {
	Period                string             `yaml:"period"` // monthly | daily
	GraceHours            int                `yaml:"grace_hours"`
	AppliedRetentionHours int                `yaml:"applied_retention_hours"`
	FinalizeSchedule      string             `yaml:"finalize_schedule"`
	SizeCategories        []SizeCategoryConf `yaml:"size_categories"`
	DeleteUnits           int64              `yaml:"delete_units"`
	Currency              string             `yaml:"currency"`
	Prices                map[string]string  `yaml:"prices"` // metric -> decimal price per unit
}

// SizeCategoryConf maps payloads up to MaxBytes to Units. MaxBytes 0 is
// unbounded and must come last.
type SizeCategoryConf struct {
	MaxBytes int64 `yaml:"max_bytes"`
	Units    int64 `yaml:"units"`
}

// AuthConf configures bearer token verification.
type AuthConf struct {
	HMACSecret string `yaml:"hmac_secret"`
	Issuer     string `yaml:"issuer"`
	Audience   string `yaml:"audience"`
	// AdminToken enables the operator endpoints when set.
	AdminToken string `yaml:"admin_token"`
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c ServerConf) ReadTimeout() time.Duration     { return ms(c.ReadTimeoutMs) }
func (c ServerConf) WriteTimeout() time.Duration    { return ms(c.WriteTimeoutMs) }
func (c ServerConf) ShutdownTimeout() time.Duration { return ms(c.ShutdownMs) }

func (c QueueConf) VisibilityTimeout() time.Duration { return ms(c.VisibilityTimeoutMs) }
func (c QueueConf) PollInterval() time.Duration      { return ms(c.PollIntervalMs) }

func (c OutboxConf) PollInterval() time.Duration { return ms(c.PollIntervalMs) }
func (c OutboxConf) Retention() time.Duration    { return time.Duration(c.RetentionHours) * time.Hour }

func (c AggregatorConf) BackoffBase() time.Duration { return ms(c.BackoffBaseMs) }
func (c AggregatorConf) BackoffMax() time.Duration  { return ms(c.BackoffMaxMs) }
func (c AggregatorConf) DedupCacheTTL() time.Duration {
	return time.Duration(c.DedupCacheTTLSec) * time.Second
}

func (c BillingConf) Grace() time.Duration { return time.Duration(c.GraceHours) * time.Hour }
func (c BillingConf) AppliedRetention() time.Duration {
	return time.Duration(c.AppliedRetentionHours) * time.Hour
}
