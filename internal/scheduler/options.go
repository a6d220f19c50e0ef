package scheduler

import (
	"runtime"
	"time"

	"offload/internal/eventbus"
	"offload/internal/worker"
	logx "offload/pkg/logx"
)

// Config controls the scheduler. Zero values take the documented defaults.
type Config struct {
	// MaxWorkers is the default pool size. Default: min(NumCPU, 8).
	MaxWorkers int
	// WorkerScript identifies the default pool's script. Default: "default".
	WorkerScript string
	// NamedPoolMax caps named pools at min(MaxWorkers, NamedPoolMax). Default: 4.
	NamedPoolMax int

	// Timeout is the per-task wall-clock limit. Default: 300s.
	Timeout time.Duration
	// IdleTerminate recycles free workers idle longer than this. Default: 60s.
	IdleTerminate time.Duration
	// RecycleInterval overrides the recycle cadence (min(30s, IdleTerminate)).
	// Negative disables recycling.
	RecycleInterval time.Duration

	// BackpressureThreshold is the queue length above which backpressure is active. Default: 50.
	BackpressureThreshold int
	// BackpressureQueueMax is the hard cap above which tasks are shed. Default: 200.
	BackpressureQueueMax int
	// BackpressureRetry is the deferred dispatch delay under backpressure. Default: 100ms.
	BackpressureRetry time.Duration
	// RejectShed rejects shed tasks with ErrShed instead of leaving them pending.
	RejectShed bool

	// CircuitBreakerThreshold opens a resource's breaker after this many
	// consecutive failures. Default: 5. Negative disables the breaker.
	CircuitBreakerThreshold int
	// CircuitBreakerTimeout is the cooldown before an open breaker closes. Default: 30s.
	CircuitBreakerTimeout time.Duration

	// FrameBudget is the per-frame budget (60 fps). Default: 1s/60.
	FrameBudget time.Duration
	// FrameWindow is the number of frame samples averaged. Default: 100.
	FrameWindow int
	// FrameInterval is the frame ticker cadence. Default: 16ms. Negative disables
	// the ticker; samples can still be fed through Manager.RecordFrame.
	FrameInterval time.Duration
}

const (
	DefaultWorkerScript = "default"

	defaultMaxWorkersCap   = 8
	defaultNamedPoolMax    = 4
	defaultTimeout         = 300 * time.Second
	defaultIdleTerminate   = 60 * time.Second
	maxRecycleInterval     = 30 * time.Second
	defaultBPThreshold     = 50
	defaultBPQueueMax      = 200
	defaultBPRetry         = 100 * time.Millisecond
	defaultBreakerTrip     = 5
	defaultBreakerCooldown = 30 * time.Second
	defaultFrameBudget     = time.Second / 60
	defaultFrameWindow     = 100
	defaultFrameInterval   = 16 * time.Millisecond
)

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config { return Config{}.withDefaults() }

func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = min(runtime.NumCPU(), defaultMaxWorkersCap)
	}
	if c.WorkerScript == "" {
		c.WorkerScript = DefaultWorkerScript
	}
	if c.NamedPoolMax <= 0 {
		c.NamedPoolMax = defaultNamedPoolMax
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.IdleTerminate <= 0 {
		c.IdleTerminate = defaultIdleTerminate
	}
	if c.BackpressureThreshold <= 0 {
		c.BackpressureThreshold = defaultBPThreshold
	}
	if c.BackpressureQueueMax <= 0 {
		c.BackpressureQueueMax = defaultBPQueueMax
	}
	if c.BackpressureRetry <= 0 {
		c.BackpressureRetry = defaultBPRetry
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = defaultBreakerTrip
	}
	if c.CircuitBreakerTimeout <= 0 {
		c.CircuitBreakerTimeout = defaultBreakerCooldown
	}
	if c.FrameBudget <= 0 {
		c.FrameBudget = defaultFrameBudget
	}
	if c.FrameWindow <= 0 {
		c.FrameWindow = defaultFrameWindow
	}
	if c.FrameInterval == 0 {
		c.FrameInterval = defaultFrameInterval
	}
	return c
}

// namedPoolSize is the slot count for pools other than the default one.
func (c Config) namedPoolSize() int { return min(c.MaxWorkers, c.NamedPoolMax) }

func (c Config) recycleInterval() time.Duration {
	if c.RecycleInterval != 0 {
		return c.RecycleInterval
	}
	return min(maxRecycleInterval, c.IdleTerminate)
}

// Option customizes a Manager.
type Option func(*Manager)

func WithLogger(log logx.Logger) Option { return func(m *Manager) { m.log = log } }

// WithBus sets the performance event sink. Publish must not block.
func WithBus(bus eventbus.Emitter) Option {
	return func(m *Manager) {
		if bus != nil {
			m.bus = bus
		}
	}
}

func WithFactory(f worker.Factory) Option { return func(m *Manager) { m.factory = f } }

// WithCodec replaces the payload codec. Its output must be JSON: built-in and
// JavaScript workers decode task data as JSON.
func WithCodec(c worker.Codec) Option {
	return func(m *Manager) {
		if c != nil {
			m.codec = c
		}
	}
}

func WithReporter(r ExceptionReporter) Option {
	return func(m *Manager) {
		if r != nil {
			m.reporter = r
		}
	}
}
