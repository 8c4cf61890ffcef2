package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

// Validate checks the config for required fields and consistent values,
// reporting every problem at once.
func Validate(cfg *Config) error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if cfg.Version == "" {
		add("version is required")
	}
	if cfg.Server.MaxPayloadBytes < 0 {
		add("server.max_payload_bytes must not be negative")
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level %q must be one of debug, info, warn, error", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		add("log.format %q must be json or text", cfg.Log.Format)
	}

	switch cfg.Queue.Driver {
	case "memory":
	case "redis":
		if cfg.Queue.RedisURL == "" {
			add("queue.redis_url is required for the redis driver")
		}
	default:
		add("queue.driver %q must be memory or redis", cfg.Queue.Driver)
	}
	if cfg.Queue.VisibilityTimeoutMs <= 0 {
		add("queue.visibility_timeout_ms must be positive")
	}

	if cfg.Aggregator.Workers <= 0 {
		add("aggregator.workers must be positive")
	}
	if cfg.Aggregator.BackoffMaxMs < cfg.Aggregator.BackoffBaseMs {
		add("aggregator.backoff_max_ms must be >= backoff_base_ms")
	}

	validateBilling(&cfg.Billing, add)

	if cfg.Auth.HMACSecret == "" {
		add("auth.hmac_secret is required")
	} else if len(cfg.Auth.HMACSecret) < 32 {
		add("auth.hmac_secret must be at least 32 bytes")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateBilling(b *BillingConf, add func(string, ...any)) {
	if b.Period != "monthly" && b.Period != "daily" {
		add("billing.period %q must be monthly or daily", b.Period)
	}
	if b.GraceHours < 0 {
		add("billing.grace_hours must not be negative")
	}
	if b.AppliedRetentionHours < 0 {
		add("billing.applied_retention_hours must not be negative")
	}
	if _, err := cron.ParseStandard(b.FinalizeSchedule); err != nil {
		add("billing.finalize_schedule %q: %v", b.FinalizeSchedule, err)
	}
	var prev int64
	for i, c := range b.SizeCategories {
		switch {
		case c.Units < 0:
			add("billing.size_categories[%d]: units must not be negative", i)
		case c.MaxBytes == 0 && i != len(b.SizeCategories)-1:
			add("billing.size_categories[%d]: unbounded category must be last", i)
		case c.MaxBytes != 0 && c.MaxBytes <= prev:
			add("billing.size_categories[%d]: max_bytes must increase", i)
		}
		prev = c.MaxBytes
	}
	if b.DeleteUnits < 0 {
		add("billing.delete_units must not be negative")
	}
	for metric, price := range b.Prices {
		d, err := decimal.NewFromString(price)
		if err != nil {
			add("billing.prices[%s]: %v", metric, err)
			continue
		}
		if d.IsNegative() {
			add("billing.prices[%s] must not be negative", metric)
		}
	}
}
