package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestFrameMonitorRollingAverage(t *testing.T) {
	t.Parallel()
	f := newFrameMonitor(16*time.Millisecond, 3)

	for i := 0; i < 3; i++ {
		f.Record(10 * time.Millisecond)
	}
	if f.Backpressure() || f.Average() != 10*time.Millisecond {
		t.Fatalf("avg=%s backpressure=%v", f.Average(), f.Backpressure())
	}

	f.Record(40 * time.Millisecond)
	f.Record(40 * time.Millisecond)
	if got := f.Average(); got != 30*time.Millisecond {
		t.Fatalf("avg = %s, want 30ms over the last 3 samples", got)
	}
	if !f.Backpressure() {
		t.Fatal("expected backpressure once the average exceeds the budget")
	}
	if n := f.Samples(); n != 3 {
		t.Fatalf("samples = %d, want window of 3", n)
	}

	for i := 0; i < 3; i++ {
		f.Record(5 * time.Millisecond)
	}
	if f.Backpressure() {
		t.Fatal("backpressure should clear when frames recover")
	}
}

func TestFrameMonitorRunSamplesTicks(t *testing.T) {
	t.Parallel()
	f := newFrameMonitor(time.Second, 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.run(ctx, time.Millisecond) }()

	eventually(t, 2*time.Second, func() bool { return f.Samples() >= 3 }, "ticker produced no samples")
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
	if f.Backpressure() {
		t.Fatalf("1ms frames reported over a 1s budget (avg %s)", f.Average())
	}
}

func TestFrameMonitorConcurrentRecordsSettleOnLastAverage(t *testing.T) {
	t.Parallel()
	f := newFrameMonitor(16*time.Millisecond, 4)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				f.Record(time.Duration(g+i%7) * time.Millisecond)
			}
		}(g)
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		f.Record(40 * time.Millisecond)
	}
	if f.Average() != 40*time.Millisecond || !f.Backpressure() {
		t.Fatalf("avg=%s backpressure=%v", f.Average(), f.Backpressure())
	}

	// Every published average matches the window it was computed from.
	f.mu.Lock()
	want := f.sum / time.Duration(f.samples.Length())
	f.mu.Unlock()
	if f.Average() != want {
		t.Fatalf("published avg %s, window avg %s", f.Average(), want)
	}
}
