package config

import (
	"reflect"

	logx "offload/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and
// structured attrs describing the new values, for a reload log line.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		s := newCfg.Scheduler
		attrs = append(attrs,
			logx.String("scheduler.timeout", s.Timeout),
			logx.String("scheduler.idle_terminate", s.IdleTerminate),
			logx.Int("scheduler.backpressure_threshold", s.BackpressureThreshold),
			logx.Int("scheduler.backpressure_queue_max", s.BackpressureQueueMax),
			logx.Int("scheduler.circuit_breaker_threshold", s.CircuitBreakerThreshold),
		)
		if RestartRequired(oldCfg.Scheduler, newCfg.Scheduler) {
			attrs = append(attrs, logx.Bool("scheduler.restart_required", true))
		}
	}

	if oldCfg.Scripts != newCfg.Scripts {
		changed = append(changed, "scripts")
		attrs = append(attrs, logx.String("scripts.dir", newCfg.Scripts.Dir))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
		}
	}
	if !reflect.DeepEqual(oldCfg.Admin, newCfg.Admin) {
		changed = append(changed, "admin")
	}
	if !reflect.DeepEqual(oldCfg.StatusReport, newCfg.StatusReport) {
		changed = append(changed, "status_report")
		attrs = append(attrs, logx.String("status_report.schedule", newCfg.StatusReport.StatusSchedule()))
	}
	return changed, attrs
}

// RestartRequired reports whether a scheduler change touches settings that
// are fixed for the lifetime of a scheduler.
func RestartRequired(oldS, newS SchedulerConfig) bool {
	return oldS.MaxWorkers != newS.MaxWorkers ||
		oldS.WorkerScript != newS.WorkerScript ||
		oldS.NamedPoolMax != newS.NamedPoolMax ||
		oldS.FrameBudget != newS.FrameBudget ||
		oldS.FrameWindow != newS.FrameWindow
}
