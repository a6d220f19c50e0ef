package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"offload/internal/worker"
)

// stubWorker records posted requests; tests reply through its handlers.
type stubWorker struct {
	id       string
	script   string
	h        worker.Handlers
	reqs     chan worker.Request
	inflight atomic.Int32
	closed   atomic.Bool
	f        *stubFactory
}

func (w *stubWorker) ID() string     { return w.id }
func (w *stubWorker) Script() string { return w.script }

func (w *stubWorker) Post(frame []byte) error {
	if w.closed.Load() {
		return worker.ErrClosed
	}
	req, err := worker.DecodeRequest(frame)
	if err != nil {
		return err
	}
	if req.Type != worker.KindCancel {
		if w.inflight.Add(1) > 1 {
			w.f.overlap.Store(true)
		}
	}
	select {
	case w.reqs <- req:
	default:
	}
	if fn := w.f.respond; fn != nil && req.Type != worker.KindCancel {
		go fn(w, req)
	}
	return nil
}

func (w *stubWorker) Terminate() { w.closed.Store(true) }

func (w *stubWorker) send(r worker.Reply) {
	if r.Type != worker.KindProgress {
		w.inflight.Add(-1)
	}
	frame, err := worker.EncodeReply(r)
	if err != nil {
		panic(err)
	}
	w.h.OnMessage(frame)
}

func (w *stubWorker) complete(id, result string) {
	w.send(worker.Reply{TaskID: id, Type: worker.KindComplete, Result: worker.Payload(result)})
}

func (w *stubWorker) fail(id, msg string) {
	w.send(worker.Reply{TaskID: id, Type: worker.KindError, Error: msg})
}

func (w *stubWorker) next(t *testing.T) worker.Request {
	t.Helper()
	select {
	case r := <-w.reqs:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("worker %s received no request", w.id)
	}
	return worker.Request{}
}

type stubFactory struct {
	mu      sync.Mutex
	workers []*stubWorker
	fail    map[string]error
	respond func(w *stubWorker, req worker.Request)
	overlap atomic.Bool
}

func (f *stubFactory) Spawn(script, id string, h worker.Handlers) (worker.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[script]; err != nil {
		return nil, err
	}
	w := &stubWorker{id: id, script: script, h: h, reqs: make(chan worker.Request, 64), f: f}
	f.workers = append(f.workers, w)
	return w, nil
}

func (f *stubFactory) spawned() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.workers)
}

func (f *stubFactory) worker(i int) *stubWorker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workers[i]
}

// testConfig disables background sampling so timing is driven by the test.
func testConfig() Config {
	return Config{
		MaxWorkers:      1,
		FrameInterval:   -1,
		RecycleInterval: -1,
	}
}

func newTestManager(t *testing.T, cfg Config, f worker.Factory) *Manager {
	t.Helper()
	m, err := New(cfg, WithFactory(f))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Terminate)
	return m
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func settledWithin(f *Future, d time.Duration) bool {
	select {
	case <-f.Done():
		return true
	case <-time.After(d):
		return false
	}
}

func workerIDs(m *Manager, script string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	if p := m.pools[script]; p != nil {
		for _, s := range p.slots {
			if s.w != nil {
				out = append(out, s.w.ID())
			}
		}
	}
	return out
}
