// Package scheduler dispatches tasks to pools of isolated workers.
//
// A Manager owns one default pool and lazily created named pools, a priority
// queue with backpressure shedding, a circuit breaker per script, idle worker
// recycling and per-task timeouts. All bookkeeping is serialized by one mutex;
// task callbacks and Future settlement run after it is released.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"offload/internal/eventbus"
	rtsup "offload/internal/runtime/supervisor"
	"offload/internal/worker"
	logx "offload/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Manager struct {
	mu       sync.Mutex
	cfg      Config
	log      logx.Logger
	bus      eventbus.Emitter
	factory  worker.Factory
	codec    worker.Codec
	reporter ExceptionReporter
	now      func() time.Time

	frames   *frameMonitor
	breakers *breakers
	sup      *rtsup.Supervisor

	pools     map[string]*pool
	poolOrder []string
	queue     []*entry
	queued    map[string]*entry
	active    map[string]*activeTask
	seq       uint64
	closed    bool

	retry  *time.Timer
	wake   *time.Timer
	wakeAt time.Time

	completed, failed, timedOut, cancelled, shed, faults uint64

	shedWarn  *rate.Limiter
	faultWarn *rate.Limiter
	deferLog  *rate.Limiter
}

// New builds a Manager, spawns the default pool and starts the frame monitor
// and idle recycler. A default script the factory does not know is an error.
func New(cfg Config, opts ...Option) (*Manager, error) {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:       cfg,
		log:       logx.Nop(),
		bus:       eventbus.Nop(),
		codec:     worker.JSONCodec{},
		reporter:  NopReporter{},
		now:       time.Now,
		pools:     make(map[string]*pool),
		queued:    make(map[string]*entry),
		active:    make(map[string]*activeTask),
		shedWarn:  rate.NewLimiter(rate.Every(warnThrottleEvery), 1),
		faultWarn: rate.NewLimiter(rate.Every(warnThrottleEvery), 1),
		deferLog:  rate.NewLimiter(rate.Every(warnThrottleEvery), 1),
	}
	for _, o := range opts {
		o(m)
	}
	if m.factory == nil {
		return nil, errors.New("scheduler: worker factory is required")
	}
	m.log = m.log.With(logx.String("comp", "scheduler"))
	m.frames = newFrameMonitor(cfg.FrameBudget, cfg.FrameWindow)
	m.breakers = newBreakers(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout, m.log, m.bus)

	m.mu.Lock()
	_, err := m.newPoolLocked(cfg.WorkerScript, cfg.MaxWorkers)
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("scheduler: default pool: %w", err)
	}

	m.sup = rtsup.NewSupervisor(context.Background(), rtsup.WithLogger(m.log))
	if cfg.FrameInterval > 0 {
		m.sup.GoRestart("scheduler.frames", func(ctx context.Context) error {
			return m.frames.run(ctx, cfg.FrameInterval)
		})
	}
	m.sup.Go0("scheduler.recycler", m.recycleLoop)

	m.log.Info("scheduler started",
		logx.Int("max_workers", cfg.MaxWorkers),
		logx.String("script", cfg.WorkerScript),
		logx.Duration("timeout", cfg.Timeout),
		logx.String("codec", m.codec.Name()),
	)
	return m, nil
}

// pending collects caller-visible effects to run once m.mu is released.
type pending []func()

func (p *pending) add(fn func()) { *p = append(*p, fn) }

func (m *Manager) do(fn func(p *pending)) {
	var p pending
	m.mu.Lock()
	fn(&p)
	m.mu.Unlock()
	m.flush(p)
}

func (m *Manager) flush(p pending) {
	for _, fn := range p {
		m.safeCall(fn)
	}
}

func (m *Manager) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := panicError(r)
			m.log.Error("task callback panicked", logx.Err(err))
			m.reporter.ReportException(err, map[string]any{"op": "callback"})
		}
	}()
	fn()
}

// settle runs the task's callback, then settles its future.
func settle(e *entry, result worker.Payload, err error) func() {
	return func() {
		defer func() {
			if err != nil {
				e.fut.reject(err)
			} else {
				e.fut.resolve(result)
			}
		}()
		if err != nil {
			if fn := e.task.OnError; fn != nil {
				fn(err)
			}
			return
		}
		if fn := e.task.OnComplete; fn != nil {
			fn(result)
		}
	}
}

// AddTask queues t and returns its Future immediately. An empty ID is
// replaced by a UUID; an empty Script selects the default pool.
// Invalid, duplicate and post-Terminate submissions fail through the Future
// and OnError, never synchronously.
func (m *Manager) AddTask(t Task) *Future {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	e := &entry{task: t, script: t.Script, fut: newFuture(t.ID)}

	var err error
	switch {
	case strings.TrimSpace(t.Type) == "":
		err = ErrMissingType
	case t.Type == worker.KindCancel:
		err = ErrReservedType
	default:
		e.frame, err = m.encode(t)
	}

	m.do(func(p *pending) {
		if err == nil && m.closed {
			err = ErrTerminated
		}
		if err == nil {
			if _, ok := m.queued[t.ID]; ok || m.active[t.ID] != nil {
				err = fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
			}
		}
		if err != nil {
			p.add(settle(e, nil, err))
			return
		}
		if e.script == "" {
			e.script = m.cfg.WorkerScript
		}
		m.enqueueLocked(p, e)
	})
	return e.fut
}

func (m *Manager) encode(t Task) ([]byte, error) {
	data, err := m.codec.Marshal(t.Data)
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	if len(data) > 0 && !json.Valid(data) {
		return nil, fmt.Errorf("encode task %s: codec %s: %w", t.ID, m.codec.Name(), worker.ErrPayloadNotJSON)
	}
	frame, err := worker.EncodeRequest(worker.Request{TaskID: t.ID, Type: t.Type, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	return frame, nil
}

// ProcessBatch submits tasks and waits for all of them, returning results in
// input order. Tasks without an ID get a UUID. The first failure is returned
// as soon as it happens; the remaining tasks keep running.
func (m *Manager) ProcessBatch(ctx context.Context, tasks []Task) ([]worker.Payload, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	futs := make([]*Future, len(tasks))
	settled := make(chan *Future, len(tasks))
	for i, t := range tasks {
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		f := m.AddTask(t)
		futs[i] = f
		go func() {
			select {
			case <-f.Done():
				settled <- f
			case <-ctx.Done():
			}
		}()
	}

	for range futs {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case f := <-settled:
			if _, err, _ := f.Result(); err != nil {
				return nil, fmt.Errorf("task %s: %w", f.ID(), err)
			}
		}
	}
	out := make([]worker.Payload, len(futs))
	for i, f := range futs {
		out[i], _, _ = f.Result()
	}
	return out, nil
}

// CancelTask removes a queued task or abandons an active one, freeing its
// slot and asking the worker to stop. Callbacks are not invoked and the
// Future never settles. It reports whether id was queued or active.
func (m *Manager) CancelTask(id string) bool {
	found := false
	m.do(func(p *pending) {
		if m.closed {
			return
		}
		if i := m.indexQueuedLocked(id); i >= 0 {
			e := m.removeQueuedLocked(i)
			m.cancelled++
			m.bus.Publish(eventbus.Event{Type: EventTaskCancelled, Data: m.taskEvent(e, "", 0, nil)})
			found = true
			return
		}
		at := m.active[id]
		if at == nil {
			return
		}
		m.finishLocked(at)
		m.postCancelLocked(at)
		m.cancelled++
		m.bus.Publish(eventbus.Event{Type: EventTaskCancelled, Data: m.taskEvent(at.entry, at.workerID, m.now().Sub(at.started), nil)})
		found = true
		m.attemptDispatchLocked(p, false)
	})
	return found
}

// Status is a point-in-time snapshot.
type Status struct {
	QueueLen     int  `json:"queue_len"`
	Active       int  `json:"active"`
	FreeWorkers  int  `json:"free_workers"`
	TotalWorkers int  `json:"total_workers"`
	Backpressure bool `json:"backpressure"`

	FrameAverage time.Duration `json:"frame_average"`

	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	TimedOut  uint64 `json:"timed_out"`
	Cancelled uint64 `json:"cancelled"`
	Shed      uint64 `json:"shed"`
	Faults    uint64 `json:"faults"`

	Pools      []PoolStatus    `json:"pools"`
	Breakers   []BreakerStatus `json:"breakers,omitempty"`
	Terminated bool            `json:"terminated"`
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		QueueLen:     len(m.queue),
		Active:       len(m.active),
		Backpressure: len(m.queue) > m.cfg.BackpressureThreshold || m.frames.Backpressure(),
		FrameAverage: m.frames.Average(),
		Completed:    m.completed,
		Failed:       m.failed,
		TimedOut:     m.timedOut,
		Cancelled:    m.cancelled,
		Shed:         m.shed,
		Faults:       m.faults,
		Breakers:     m.breakers.snapshot(),
		Terminated:   m.closed,
	}
	for _, name := range m.poolOrder {
		ps := m.pools[name].status()
		st.Pools = append(st.Pools, ps)
		st.FreeWorkers += ps.Free
		st.TotalWorkers += ps.Size
	}
	return st
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Apply updates runtime tunables. Pool sizes, scripts and frame settings are
// fixed at construction and are left unchanged.
func (m *Manager) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	m.do(func(p *pending) {
		if m.closed {
			return
		}
		cur := m.cfg
		cur.Timeout = cfg.Timeout
		cur.IdleTerminate = cfg.IdleTerminate
		cur.RecycleInterval = cfg.RecycleInterval
		cur.BackpressureThreshold = cfg.BackpressureThreshold
		cur.BackpressureQueueMax = cfg.BackpressureQueueMax
		cur.BackpressureRetry = cfg.BackpressureRetry
		cur.RejectShed = cfg.RejectShed
		cur.CircuitBreakerThreshold = cfg.CircuitBreakerThreshold
		cur.CircuitBreakerTimeout = cfg.CircuitBreakerTimeout
		m.cfg = cur
		m.breakers.configure(cur.CircuitBreakerThreshold, cur.CircuitBreakerTimeout)
		m.log.Info("scheduler config applied",
			logx.Duration("timeout", cur.Timeout),
			logx.Duration("idle_terminate", cur.IdleTerminate),
			logx.Int("backpressure_threshold", cur.BackpressureThreshold),
			logx.Int("backpressure_queue_max", cur.BackpressureQueueMax),
		)
		m.attemptDispatchLocked(p, false)
	})
}

// RecordFrame feeds one frame interval to the backpressure monitor.
func (m *Manager) RecordFrame(d time.Duration) { m.frames.Record(d) }

// Decode unmarshals a task result with the Manager's codec.
func (m *Manager) Decode(p worker.Payload, v any) error { return m.codec.Unmarshal(p, v) }

// Terminate stops background loops, terminates every worker and rejects
// unsettled futures with ErrTerminated. Task callbacks are not invoked.
// Calling it more than once is a no-op.
func (m *Manager) Terminate() {
	var p pending
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.wake != nil {
		m.wake.Stop()
		m.wake = nil
	}
	for _, at := range m.active {
		at.timer.Stop()
		f := at.fut
		p.add(func() { f.reject(ErrTerminated) })
	}
	for _, e := range m.queue {
		f := e.fut
		p.add(func() { f.reject(ErrTerminated) })
	}
	m.terminateAllLocked()
	m.queue = nil
	m.queued = make(map[string]*entry)
	m.active = make(map[string]*activeTask)
	m.pools = make(map[string]*pool)
	m.poolOrder = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		m.log.Warn("scheduler loops did not stop cleanly", logx.Err(err))
	}
	m.flush(p)
	m.log.Info("scheduler terminated")
}

func (m *Manager) recycleLoop(ctx context.Context) {
	for {
		m.mu.Lock()
		d := m.cfg.recycleInterval()
		m.mu.Unlock()
		enabled := d > 0
		if !enabled {
			d = time.Second
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if !enabled {
			continue
		}
		m.do(func(p *pending) {
			if m.closed {
				return
			}
			m.recycleIdleLocked(m.now())
			m.attemptDispatchLocked(p, false)
		})
	}
}
