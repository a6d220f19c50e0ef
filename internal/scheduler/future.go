package scheduler

import (
	"context"
	"sync"

	"offload/internal/worker"
)

// Future is the caller's handle on a submitted task. It settles at most once.
// Cancelled tasks, and shed tasks unless Config.RejectShed is set, never settle.
type Future struct {
	id   string
	once sync.Once
	done chan struct{}

	result worker.Payload
	err    error
}

func newFuture(id string) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

func (f *Future) ID() string { return f.id }

// Done is closed once the task completes or fails.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the task settles or ctx is done.
func (f *Future) Wait(ctx context.Context) (worker.Payload, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome; ok is false while the task is unsettled.
func (f *Future) Result() (result worker.Payload, err error, ok bool) {
	select {
	case <-f.done:
		return f.result, f.err, true
	default:
		return nil, nil, false
	}
}

func (f *Future) resolve(p worker.Payload) {
	f.once.Do(func() {
		f.result = p
		close(f.done)
	})
}

func (f *Future) reject(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}
