// Package worker defines the execution units the scheduler dispatches to.
//
// A worker is isolated from its caller: the only way in is Post with an
// encoded frame, and the only way out is the Handlers it was spawned with.
// Two runtimes are provided: Registry (Go functions on goroutines) and
// JSFactory (JavaScript files on a goja VM, Web Worker style).
package worker

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownScript = errors.New("worker: unknown script")
	ErrClosed        = errors.New("worker: terminated")
	ErrInboxFull     = errors.New("worker: inbox full")
	ErrStartTimeout  = errors.New("worker: script start timed out")
)

// Worker is a single background execution unit.
type Worker interface {
	// ID is unique per instance; a replacement worker gets a new ID.
	ID() string
	Script() string
	// Post delivers a framed Request. It must not block.
	Post(frame []byte) error
	// Terminate stops the unit. Pending and future messages are dropped.
	Terminate()
}

// Handlers receive everything a worker emits. They may be called from any goroutine.
type Handlers struct {
	OnMessage func(frame []byte)
	// OnFault reports a failure of the unit itself, not of a specific task.
	OnFault func(err error)
}

// Factory constructs workers for a script (resource identifier).
type Factory interface {
	Spawn(script, id string, h Handlers) (Worker, error)
}

// TaskError is a task-level failure reported by a worker.
type TaskError struct {
	TaskID  string
	Script  string
	Message string
}

func (e *TaskError) Error() string {
	if e.Message == "" {
		return "task failed"
	}
	return e.Message
}

// Router spawns JavaScript workers for "*.js" scripts and Go workers otherwise.
type Router struct {
	Native Factory
	JS     Factory
}

func (r Router) Spawn(script, id string, h Handlers) (Worker, error) {
	if r.JS != nil && strings.HasSuffix(strings.ToLower(script), ".js") {
		return r.JS.Spawn(script, id, h)
	}
	if r.Native == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScript, script)
	}
	return r.Native.Spawn(script, id, h)
}
