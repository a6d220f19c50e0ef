package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Script is the Go-native body of a worker. It runs once per task on its own
// goroutine; ctx is canceled when the task is canceled or the worker is terminated.
type Script func(ctx context.Context, job *Job) (Payload, error)

// Job is one task as seen from inside a worker.
type Job struct {
	TaskID string
	Type   string
	Data   Payload

	emit func(Reply)
}

// Progress posts a progress message for the job.
func (j *Job) Progress(pct float64, msg string) {
	if j == nil || j.emit == nil {
		return
	}
	j.emit(Reply{TaskID: j.TaskID, Type: KindProgress, Progress: pct, Message: msg})
}

// Typed adapts a function over decoded JSON input and output into a Script.
func Typed[In, Out any](fn func(ctx context.Context, job *Job, in In) (Out, error)) Script {
	return func(ctx context.Context, job *Job) (Payload, error) {
		var in In
		if len(job.Data) > 0 {
			if err := json.Unmarshal(job.Data, &in); err != nil {
				return nil, fmt.Errorf("decode %s input: %w", job.Type, err)
			}
		}
		out, err := fn(ctx, job, in)
		if err != nil {
			return nil, err
		}
		return JSONCodec{}.Marshal(out)
	}
}

// Mux routes jobs to a Script by task type.
type Mux map[string]Script

func (m Mux) Script() Script {
	return func(ctx context.Context, job *Job) (Payload, error) {
		fn, ok := m[job.Type]
		if !ok || fn == nil {
			return nil, fmt.Errorf("unsupported task type %q", job.Type)
		}
		return fn(ctx, job)
	}
}

// Registry is a Factory for Go-native scripts.
type Registry struct {
	mu      sync.RWMutex
	scripts map[string]Script
	inbox   int
}

func NewRegistry() *Registry {
	return &Registry{scripts: make(map[string]Script), inbox: 64}
}

// Register installs (or replaces) a script under name.
func (r *Registry) Register(name string, s Script) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[name] = s
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.scripts[name]
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.scripts))
	for k := range r.scripts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Spawn(script, id string, h Handlers) (Worker, error) {
	r.mu.RLock()
	fn, ok := r.scripts[script]
	r.mu.RUnlock()
	if !ok || fn == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScript, script)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &localWorker{
		id:     id,
		script: script,
		run:    fn,
		h:      h,
		inbox:  make(chan []byte, r.inbox),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]context.CancelFunc),
	}
	go w.loop()
	return w, nil
}

type localWorker struct {
	id     string
	script string
	run    Script
	h      Handlers

	inbox  chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	mu   sync.Mutex
	jobs map[string]context.CancelFunc
}

func (w *localWorker) ID() string     { return w.id }
func (w *localWorker) Script() string { return w.script }

func (w *localWorker) Post(frame []byte) error {
	if w.closed.Load() {
		return ErrClosed
	}
	select {
	case w.inbox <- frame:
		return nil
	default:
		return ErrInboxFull
	}
}

func (w *localWorker) Terminate() {
	if w.closed.Swap(true) {
		return
	}
	w.cancel()
}

func (w *localWorker) loop() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case frame := <-w.inbox:
			req, err := DecodeRequest(frame)
			if err != nil {
				w.fault(err)
				continue
			}
			if req.Type == KindCancel {
				w.mu.Lock()
				if c, ok := w.jobs[req.TaskID]; ok {
					c()
				}
				w.mu.Unlock()
				continue
			}
			w.start(req)
		}
	}
}

func (w *localWorker) start(req Request) {
	jctx, jcancel := context.WithCancel(w.ctx)
	w.mu.Lock()
	w.jobs[req.TaskID] = jcancel
	w.mu.Unlock()

	go func() {
		defer func() {
			w.mu.Lock()
			delete(w.jobs, req.TaskID)
			w.mu.Unlock()
			jcancel()
		}()

		job := &Job{TaskID: req.TaskID, Type: req.Type, Data: req.Data, emit: w.emit}
		out, err, panicked := w.invoke(jctx, job)
		if panicked != nil {
			w.fault(panicked)
			return
		}
		if jctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)) {
			// Canceled jobs stay silent.
			return
		}
		if err != nil {
			w.emit(Reply{TaskID: req.TaskID, Type: KindError, Error: err.Error()})
			return
		}
		w.emit(Reply{TaskID: req.TaskID, Type: KindComplete, Result: out})
	}()
}

func (w *localWorker) invoke(ctx context.Context, job *Job) (out Payload, err error, panicked error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = fmt.Errorf("script %s panicked: %v", w.script, r)
		}
	}()
	out, err = w.run(ctx, job)
	return out, err, nil
}

func (w *localWorker) emit(r Reply) {
	if w.closed.Load() || w.h.OnMessage == nil {
		return
	}
	frame, err := EncodeReply(r)
	if err != nil {
		w.emitEncodeError(r, err)
		return
	}
	w.h.OnMessage(frame)
}

func (w *localWorker) emitEncodeError(r Reply, err error) {
	if r.Type == KindProgress {
		return
	}
	frame, ferr := EncodeReply(Reply{TaskID: r.TaskID, Type: KindError, Error: err.Error()})
	if ferr != nil {
		w.fault(ferr)
		return
	}
	w.h.OnMessage(frame)
}

func (w *localWorker) fault(err error) {
	if w.closed.Load() || w.h.OnFault == nil {
		return
	}
	w.h.OnFault(err)
}
