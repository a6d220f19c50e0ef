package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
)

// frameMonitor keeps a rolling average of frame intervals and raises the
// backpressure flag while the average exceeds the frame budget.
//
// Frames come from a ticker slightly faster than the budget: in steady state
// the average stays below the budget and only rises above it when ticks are
// delivered late or dropped, i.e. when the process is starved for CPU.
type frameMonitor struct {
	budget time.Duration
	window int

	mu      sync.Mutex
	samples *queue.Queue
	sum     time.Duration
	last    time.Time

	avg  atomic.Int64
	over atomic.Bool
}

func newFrameMonitor(budget time.Duration, window int) *frameMonitor {
	return &frameMonitor{budget: budget, window: window, samples: queue.New()}
}

// Record appends one frame interval.
func (f *frameMonitor) Record(d time.Duration) {
	if d < 0 {
		return
	}
	f.mu.Lock()
	f.samples.Add(d)
	f.sum += d
	for f.samples.Length() > f.window {
		f.sum -= f.samples.Remove().(time.Duration)
	}
	avg := f.sum / time.Duration(f.samples.Length())
	f.avg.Store(int64(avg))
	f.over.Store(avg > f.budget)
	f.mu.Unlock()
}

func (f *frameMonitor) tick(now time.Time) {
	f.mu.Lock()
	prev := f.last
	f.last = now
	f.mu.Unlock()
	if !prev.IsZero() {
		f.Record(now.Sub(prev))
	}
}

func (f *frameMonitor) Backpressure() bool { return f.over.Load() }

func (f *frameMonitor) Average() time.Duration { return time.Duration(f.avg.Load()) }

func (f *frameMonitor) Samples() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.samples.Length()
}

// run drives the monitor until ctx is done.
func (f *frameMonitor) run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			f.tick(time.Now())
		}
	}
}
