package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultPollInterval   = 2 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultHTTPAddr       = "127.0.0.1:5080"
	DefaultMetricsAddr    = "127.0.0.1:9464"
)

// Validate checks the parts of cfg that cannot be fixed by defaults.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if raw := strings.TrimSpace(cfg.Printer.BaseURL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("printer.base_url: invalid url %q", raw))
		}
	}
	if _, err := ParseDurationField("printer.poll_interval", cfg.Printer.PollInterval); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("printer.request_timeout", cfg.Printer.RequestTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	if cfg.Notifier != nil {
		n := cfg.Notifier
		for path, raw := range map[string]string{
			"notifier.retry_base":      n.RetryBase,
			"notifier.retry_max_delay": n.RetryMaxDelay,
			"notifier.dedup_window":    n.DedupWindow,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				errs = append(errs, err)
			}
		}
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
			errs = append(errs, errors.New("notifier: numeric fields must be >= 0"))
		}
	}
	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "none", "off", "file", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}

// PrinterTimings returns poll interval and request timeout with defaults applied.
func (c PrinterConfig) PrinterTimings() (poll, timeout time.Duration) {
	poll, err := ParseDurationOrDefault("printer.poll_interval", c.PollInterval, DefaultPollInterval)
	if err != nil {
		poll = DefaultPollInterval
	}
	timeout, err = ParseDurationOrDefault("printer.request_timeout", c.RequestTimeout, DefaultRequestTimeout)
	if err != nil {
		timeout = DefaultRequestTimeout
	}
	return poll, timeout
}
