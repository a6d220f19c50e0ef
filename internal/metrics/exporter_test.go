package metrics

import (
	"context"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"offload/internal/eventbus"
	"offload/internal/scheduler"
)

func TestExporterObservesTaskEvents(t *testing.T) {
	reg := prom.NewRegistry()
	ex, err := NewExporter("offload", reg, Options{})
	if err != nil {
		t.Fatalf("NewExporter: %v", err)
	}

	ex.Observe(eventbus.Event{Type: scheduler.EventTaskCompleted, Data: scheduler.TaskEvent{Script: "default", WorkerID: "default#0.1", Elapsed: 20 * time.Millisecond}})
	ex.Observe(eventbus.Event{Type: scheduler.EventTaskCompleted, Data: scheduler.TaskEvent{Script: "default", WorkerID: "default#1.1"}})
	ex.Observe(eventbus.Event{Type: scheduler.EventTaskShed, Data: scheduler.TaskEvent{Script: "default"}})
	ex.Observe(eventbus.Event{Type: scheduler.EventBreakerOpen, Data: scheduler.BreakerEvent{Script: "flaky", Failures: 5}})
	ex.Observe(eventbus.Event{Type: scheduler.EventWorkerFault, Data: scheduler.WorkerEvent{Script: "flaky"}})
	ex.Observe(eventbus.Event{Type: "something.else", Data: 1})

	if got := testutil.ToFloat64(ex.tasksTotal.WithLabelValues("default", "completed")); got != 2 {
		t.Fatalf("completed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(ex.tasksTotal.WithLabelValues("default", "shed")); got != 1 {
		t.Fatalf("shed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(ex.breakerOpens.WithLabelValues("flaky")); got != 1 {
		t.Fatalf("breaker opens = %v, want 1", got)
	}
	if got := testutil.ToFloat64(ex.workerFaults.WithLabelValues("flaky")); got != 1 {
		t.Fatalf("faults = %v, want 1", got)
	}
	// Shed tasks never ran, so only the two completions have a duration.
	if got := testutil.CollectAndCount(ex.taskDuration); got != 1 {
		t.Fatalf("duration series = %d, want 1", got)
	}
}

func TestExporterSetStatus(t *testing.T) {
	reg := prom.NewRegistry()
	ex, err := NewExporter("", reg, Options{})
	if err != nil {
		t.Fatal(err)
	}
	ex.SetStatus(scheduler.Status{
		QueueLen:     7,
		Active:       2,
		Backpressure: true,
		FrameAverage: 20 * time.Millisecond,
		Pools:        []scheduler.PoolStatus{{Script: "default", Size: 4, Free: 2, Busy: 2}},
		Breakers:     []scheduler.BreakerStatus{{Script: "flaky", Open: true, Failures: 5}},
	})
	if got := testutil.ToFloat64(ex.queueLen); got != 7 {
		t.Fatalf("queue = %v", got)
	}
	if got := testutil.ToFloat64(ex.backpressure); got != 1 {
		t.Fatalf("backpressure = %v", got)
	}
	if got := testutil.ToFloat64(ex.workers.WithLabelValues("default", "busy")); got != 2 {
		t.Fatalf("busy = %v", got)
	}
	if got := testutil.ToFloat64(ex.breakerOpen.WithLabelValues("flaky")); got != 1 {
		t.Fatalf("breaker = %v", got)
	}

	ex.SetStatus(scheduler.Status{})
	if got := testutil.CollectAndCount(ex.breakerOpen); got != 0 {
		t.Fatalf("recovered breaker still exported: %d series", got)
	}
}

func TestExporterAlreadyRegisteredReuse(t *testing.T) {
	reg := prom.NewRegistry()
	first, err := NewExporter("offload", reg, Options{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := NewExporter("offload", reg, Options{})
	if err != nil {
		t.Fatalf("second NewExporter: %v", err)
	}
	ev := eventbus.Event{Type: scheduler.EventWorkerRecycled, Data: scheduler.WorkerEvent{Script: "default"}}
	first.Observe(ev)
	second.Observe(ev)
	if got := testutil.ToFloat64(first.workerRecycles.WithLabelValues("default")); got != 2 {
		t.Fatalf("shared counter = %v, want 2", got)
	}
}

func TestExporterConsumeFromBus(t *testing.T) {
	ex, err := NewExporter("offload", prom.NewRegistry(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	bus := eventbus.New()
	ch, unsub := bus.SubscribePrefix(16, "task.")
	done := make(chan struct{})
	go func() {
		_ = ex.Consume(context.Background(), ch)
		close(done)
	}()
	bus.Publish(eventbus.Event{Type: scheduler.EventTaskFailed, Data: scheduler.TaskEvent{Script: "default"}})
	bus.Publish(eventbus.Event{Type: scheduler.EventWorkerFault, Data: scheduler.WorkerEvent{Script: "default"}})
	unsub()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Consume did not return after unsubscribe")
	}
	if got := testutil.ToFloat64(ex.tasksTotal.WithLabelValues("default", "failed")); got != 1 {
		t.Fatalf("failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(ex.workerFaults.WithLabelValues("default")); got != 0 {
		t.Fatalf("prefix filter leaked worker.fault: %v", got)
	}
}
