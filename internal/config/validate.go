package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate checks a parsed config without touching the running system.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", cfg.Logging.Format))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path: required when file logging is enabled"))
	}

	s := cfg.Scheduler
	if s.MaxWorkers < 0 {
		errs = append(errs, errors.New("scheduler.max_workers: must be >= 0"))
	}
	if s.BackpressureThreshold < 0 || s.BackpressureQueueMax < 0 {
		errs = append(errs, errors.New("scheduler.backpressure_*: must be >= 0"))
	}
	if s.BackpressureThreshold > 0 && s.BackpressureQueueMax > 0 && s.BackpressureQueueMax < s.BackpressureThreshold {
		errs = append(errs, errors.New("scheduler.backpressure_queue_max: must be >= backpressure_threshold"))
	}
	for path, raw := range map[string]string{
		"scheduler.timeout":                 s.Timeout,
		"scheduler.idle_terminate":          s.IdleTerminate,
		"scheduler.backpressure_retry":      s.BackpressureRetry,
		"scheduler.circuit_breaker_timeout": s.CircuitBreakerTimeout,
		"scheduler.frame_budget":            s.FrameBudget,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if a := cfg.Admin; a != nil {
		if _, err := ParseDurationField("admin.read_timeout", a.ReadTimeout); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("admin.write_timeout", a.WriteTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if r := cfg.StatusReport; r != nil && r.Enabled {
		if _, err := cron.ParseStandard(r.StatusSchedule()); err != nil {
			errs = append(errs, fmt.Errorf("status_report.schedule: %w", err))
		}
	}
	return errors.Join(errs...)
}

// StatusSchedule returns the configured schedule or the default.
func (r *StatusReportConfig) StatusSchedule() string {
	if r == nil || strings.TrimSpace(r.Schedule) == "" {
		return DefaultStatusSchedule
	}
	return strings.TrimSpace(r.Schedule)
}
