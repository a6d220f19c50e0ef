package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"offload/internal/worker"
)

type recordingReporter struct {
	mu  sync.Mutex
	ops []string
}

func (r *recordingReporter) ReportException(_ error, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, _ := fields["op"].(string)
	r.ops = append(r.ops, op)
}

func (r *recordingReporter) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

func TestReporterReceivesFaultsAndCallbackPanics(t *testing.T) {
	t.Parallel()
	rep := &recordingReporter{}
	f := &stubFactory{}
	m, err := New(testConfig(), WithFactory(f), WithReporter(rep))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Terminate)
	w := f.worker(0)

	fut := m.AddTask(Task{ID: "p1", Type: "work", OnComplete: func(worker.Payload) { panic("boom") }})
	_ = w.next(t)
	w.complete("p1", `1`)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if out, err := fut.Wait(ctx); err != nil || string(out) != "1" {
		t.Fatalf("future = %s, %v", out, err)
	}

	fut = m.AddTask(Task{ID: "f1", Type: "work"})
	_ = w.next(t)
	w.h.OnFault(errors.New("crashed"))
	if _, err := fut.Wait(ctx); err == nil {
		t.Fatal("expected fault")
	}

	eventually(t, time.Second, func() bool { return len(rep.seen()) == 2 }, "two reports")
	got := rep.seen()
	if !(got[0] == "callback" && got[1] == "run") && !(got[0] == "run" && got[1] == "callback") {
		t.Fatalf("reported ops = %v", got)
	}
}

func TestNopReporterIsDefault(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, testConfig(), &stubFactory{})
	if _, ok := m.reporter.(NopReporter); !ok {
		t.Fatalf("default reporter = %T", m.reporter)
	}
}
