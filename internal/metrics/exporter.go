// Package metrics exports scheduler activity to Prometheus.
//
// Lifecycle counters are fed from the event bus; gauges come from periodic
// scheduler Status snapshots.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"offload/internal/eventbus"
	"offload/internal/scheduler"
)

const DefaultNamespace = "offload"

// Options controls collector configuration.
type Options struct {
	DurationBuckets []float64
}

// Exporter adapts scheduler events and snapshots to Prometheus collectors.
type Exporter struct {
	tasksTotal      *prom.CounterVec
	taskDuration    *prom.HistogramVec
	taskQueueWait   *prom.HistogramVec
	breakerOpens    *prom.CounterVec
	workerRecycles  *prom.CounterVec
	workerFaults    *prom.CounterVec
	queueLen        prom.Gauge
	active          prom.Gauge
	workers         *prom.GaugeVec
	backpressure    prom.Gauge
	frameAvgSeconds prom.Gauge
	breakerOpen     *prom.GaugeVec
}

// NewExporter creates and registers the collectors. Registering twice on the
// same registry reuses the existing collectors.
func NewExporter(namespace string, reg prom.Registerer, opts Options) (*Exporter, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}

	e := &Exporter{
		tasksTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Tasks that reached a terminal state, by outcome.",
		}, []string{"script", "outcome"}),
		taskDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Time from assignment to a worker until the task settled.",
			Buckets:   buckets,
		}, []string{"script", "outcome"}),
		taskQueueWait: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "task_queue_seconds",
			Help:      "Time a task spent queued before it settled or was assigned.",
			Buckets:   buckets,
		}, []string{"script"}),
		breakerOpens: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_open_total",
			Help:      "Times a resource's circuit breaker opened.",
		}, []string{"script"}),
		workerRecycles: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "worker_recycled_total",
			Help:      "Idle workers replaced by fresh ones.",
		}, []string{"script"}),
		workerFaults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "worker_fault_total",
			Help:      "Unrecoverable worker errors.",
		}, []string{"script"}),
		queueLen: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Tasks waiting in the queue.",
		}),
		active: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tasks",
			Help:      "Tasks assigned to a worker.",
		}),
		workers: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_workers",
			Help:      "Worker slots per pool and state.",
		}, []string{"script", "state"}),
		backpressure: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "backpressure",
			Help:      "1 while the scheduler is under backpressure.",
		}),
		frameAvgSeconds: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "frame_average_seconds",
			Help:      "Moving average of recorded frame times.",
		}),
		breakerOpen: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_open",
			Help:      "Circuit breaker state per resource (1=open).",
		}, []string{"script"}),
	}

	var err error
	if e.tasksTotal, err = registerCollector(reg, e.tasksTotal); err != nil {
		return nil, err
	}
	if e.taskDuration, err = registerCollector(reg, e.taskDuration); err != nil {
		return nil, err
	}
	if e.taskQueueWait, err = registerCollector(reg, e.taskQueueWait); err != nil {
		return nil, err
	}
	if e.breakerOpens, err = registerCollector(reg, e.breakerOpens); err != nil {
		return nil, err
	}
	if e.workerRecycles, err = registerCollector(reg, e.workerRecycles); err != nil {
		return nil, err
	}
	if e.workerFaults, err = registerCollector(reg, e.workerFaults); err != nil {
		return nil, err
	}
	if e.queueLen, err = registerCollector(reg, e.queueLen); err != nil {
		return nil, err
	}
	if e.active, err = registerCollector(reg, e.active); err != nil {
		return nil, err
	}
	if e.workers, err = registerCollector(reg, e.workers); err != nil {
		return nil, err
	}
	if e.backpressure, err = registerCollector(reg, e.backpressure); err != nil {
		return nil, err
	}
	if e.frameAvgSeconds, err = registerCollector(reg, e.frameAvgSeconds); err != nil {
		return nil, err
	}
	if e.breakerOpen, err = registerCollector(reg, e.breakerOpen); err != nil {
		return nil, err
	}
	return e, nil
}

// Observe records one bus event. Unknown event types are ignored.
func (e *Exporter) Observe(ev eventbus.Event) {
	if e == nil {
		return
	}
	switch ev.Type {
	case scheduler.EventTaskCompleted, scheduler.EventTaskFailed, scheduler.EventTaskTimeout,
		scheduler.EventTaskCancelled, scheduler.EventTaskShed:
		te, ok := ev.Data.(scheduler.TaskEvent)
		if !ok {
			return
		}
		outcome := outcomeLabel(ev.Type)
		script := normalizeLabel(te.Script, "unknown")
		e.tasksTotal.WithLabelValues(script, outcome).Inc()
		e.taskQueueWait.WithLabelValues(script).Observe(te.Queued.Seconds())
		if te.WorkerID != "" {
			e.taskDuration.WithLabelValues(script, outcome).Observe(te.Elapsed.Seconds())
		}
	case scheduler.EventBreakerOpen:
		if be, ok := ev.Data.(scheduler.BreakerEvent); ok {
			e.breakerOpens.WithLabelValues(normalizeLabel(be.Script, "unknown")).Inc()
		}
	case scheduler.EventWorkerRecycled:
		if we, ok := ev.Data.(scheduler.WorkerEvent); ok {
			e.workerRecycles.WithLabelValues(normalizeLabel(we.Script, "unknown")).Inc()
		}
	case scheduler.EventWorkerFault:
		if we, ok := ev.Data.(scheduler.WorkerEvent); ok {
			e.workerFaults.WithLabelValues(normalizeLabel(we.Script, "unknown")).Inc()
		}
	}
}

// Consume observes events from ch until it closes or ctx is done.
func (e *Exporter) Consume(ctx context.Context, ch <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			e.Observe(ev)
		}
	}
}

// SetStatus copies a scheduler snapshot into the gauges.
func (e *Exporter) SetStatus(st scheduler.Status) {
	if e == nil {
		return
	}
	e.queueLen.Set(float64(st.QueueLen))
	e.active.Set(float64(st.Active))
	e.backpressure.Set(boolGauge(st.Backpressure))
	e.frameAvgSeconds.Set(st.FrameAverage.Seconds())
	for _, p := range st.Pools {
		e.workers.WithLabelValues(p.Script, "free").Set(float64(p.Free))
		e.workers.WithLabelValues(p.Script, "busy").Set(float64(p.Busy))
		e.workers.WithLabelValues(p.Script, "quarantined").Set(float64(p.Quarantined))
	}
	// Breakers that recovered drop out of the snapshot.
	e.breakerOpen.Reset()
	for _, b := range st.Breakers {
		e.breakerOpen.WithLabelValues(b.Script).Set(boolGauge(b.Open))
	}
}

// Poll calls SetStatus with status() every interval until ctx is done.
func (e *Exporter) Poll(ctx context.Context, interval time.Duration, status func() scheduler.Status) error {
	if interval <= 0 {
		interval = time.Second
	}
	e.SetStatus(status())
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			e.SetStatus(status())
		}
	}
}

func outcomeLabel(eventType string) string {
	switch eventType {
	case scheduler.EventTaskCompleted:
		return "completed"
	case scheduler.EventTaskFailed:
		return "failed"
	case scheduler.EventTaskTimeout:
		return "timeout"
	case scheduler.EventTaskCancelled:
		return "cancelled"
	case scheduler.EventTaskShed:
		return "shed"
	default:
		return "unknown"
	}
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
