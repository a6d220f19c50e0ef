package app

import (
	"fmt"
	"strings"
	"time"

	"offload/internal/admin"
	"offload/internal/config"
	"offload/internal/scheduler"
	"offload/internal/storage"
	logx "offload/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapSchedulerConfig converts the config section; omitted values stay zero
// so the scheduler applies its own defaults.
func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	s := cfg.Scheduler
	out := scheduler.Config{
		MaxWorkers:              s.MaxWorkers,
		WorkerScript:            strings.TrimSpace(s.WorkerScript),
		NamedPoolMax:            s.NamedPoolMax,
		BackpressureThreshold:   s.BackpressureThreshold,
		BackpressureQueueMax:    s.BackpressureQueueMax,
		RejectShed:              s.RejectShed,
		CircuitBreakerThreshold: s.CircuitBreakerThreshold,
		FrameWindow:             s.FrameWindow,
	}
	for _, d := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"scheduler.timeout", s.Timeout, &out.Timeout},
		{"scheduler.idle_terminate", s.IdleTerminate, &out.IdleTerminate},
		{"scheduler.backpressure_retry", s.BackpressureRetry, &out.BackpressureRetry},
		{"scheduler.circuit_breaker_timeout", s.CircuitBreakerTimeout, &out.CircuitBreakerTimeout},
		{"scheduler.frame_budget", s.FrameBudget, &out.FrameBudget},
	} {
		v, err := config.ParseDurationField(d.path, d.raw)
		if err != nil {
			return scheduler.Config{}, err
		}
		*d.dst = v
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			path = "./offload_data/outcomes"
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	if cfg == nil || cfg.Admin == nil {
		return admin.Config{}, nil
	}
	a := cfg.Admin
	addr := strings.TrimSpace(a.Addr)
	if addr == "" {
		addr = config.DefaultAdminAddr
	}
	rt, err := config.ParseDurationOrDefault("admin.read_timeout", a.ReadTimeout, 10*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	// Synchronous task submissions hold the response open until the task
	// settles, so there is no write timeout unless one is configured.
	wt, err := config.ParseDurationField("admin.write_timeout", a.WriteTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	return admin.Config{
		Enabled:      a.Enabled,
		Addr:         addr,
		ReadTimeout:  rt,
		WriteTimeout: wt,
		IdleTimeout:  60 * time.Second,
	}, nil
}
