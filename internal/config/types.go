package config

// Config is the daemon configuration file (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "10s", "1m") or a bare
// integer number of milliseconds.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Scripts   ScriptsConfig   `json:"scripts,omitempty"`

	Storage      *StorageConfig      `json:"storage,omitempty"`
	Admin        *AdminConfig        `json:"admin,omitempty"`
	StatusReport *StatusReportConfig `json:"status_report,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	// Format is "console" (default) or "json".
	Format string      `json:"format,omitempty"`
	File   LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig maps onto scheduler.Config. Omitted fields take the
// scheduler defaults:
//
//   - max_workers: min(NumCPU, 8)
//   - worker_script: "default"
//   - named_pool_max: 4
//   - timeout: "300s"
//   - idle_terminate: "60s"
//   - backpressure_threshold: 50
//   - backpressure_queue_max: 200
//   - backpressure_retry: "100ms"
//   - circuit_breaker_threshold: 5 (negative disables)
//   - circuit_breaker_timeout: "30s"
//   - frame_budget: "16.667ms", frame_window: 100
//
// max_workers, worker_script, named_pool_max and the frame settings need a
// restart; everything else is applied on reload.
type SchedulerConfig struct {
	MaxWorkers   int    `json:"max_workers,omitempty"`
	WorkerScript string `json:"worker_script,omitempty"`
	NamedPoolMax int    `json:"named_pool_max,omitempty"`

	Timeout       string `json:"timeout,omitempty"`
	IdleTerminate string `json:"idle_terminate,omitempty"`

	BackpressureThreshold int    `json:"backpressure_threshold,omitempty"`
	BackpressureQueueMax  int    `json:"backpressure_queue_max,omitempty"`
	BackpressureRetry     string `json:"backpressure_retry,omitempty"`
	RejectShed            bool   `json:"reject_shed,omitempty"`

	CircuitBreakerThreshold int    `json:"circuit_breaker_threshold,omitempty"`
	CircuitBreakerTimeout   string `json:"circuit_breaker_timeout,omitempty"`

	FrameBudget string `json:"frame_budget,omitempty"`
	FrameWindow int    `json:"frame_window,omitempty"`
}

// ScriptsConfig locates JavaScript worker scripts. Scripts ending in ".js"
// are loaded from Dir; everything else resolves to a built-in Go script.
type ScriptsConfig struct {
	Dir string `json:"dir,omitempty"`
}

// StorageConfig controls the task outcome journal.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./offload_data" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// AdminConfig controls the HTTP admin API.
//
// Prefer binding to localhost; the API can submit and cancel tasks.
type AdminConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default: "127.0.0.1:8088"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool `json:"pprof,omitempty"`
}

// StatusReportConfig logs a periodic scheduler status line.
// Schedule is a cron spec, e.g. "@every 30s" or "*/5 * * * *".
type StatusReportConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
}

const (
	DefaultAdminAddr      = "127.0.0.1:8088"
	DefaultStatusSchedule = "@every 1m"
)
