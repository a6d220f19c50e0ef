package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrTaskTimeout   = errors.New("task timeout")
	ErrTerminated    = errors.New("scheduler terminated")
	ErrDuplicateTask = errors.New("task id already queued or active")
	ErrReservedType  = errors.New("task type \"cancel\" is reserved")
	ErrMissingType   = errors.New("task type is required")
	ErrShed          = errors.New("task shed under backpressure")
	ErrCircuitOpen   = errors.New("circuit breaker open")

	errNoFreeWorker = errors.New("no free worker")
)

// WorkerFaultError reports a task lost because its worker failed.
type WorkerFaultError struct {
	TaskID   string
	Script   string
	WorkerID string
	Err      error
}

func (e *WorkerFaultError) Error() string {
	return fmt.Sprintf("worker %s failed running task %s: %v", e.WorkerID, e.TaskID, e.Err)
}

func (e *WorkerFaultError) Unwrap() error { return e.Err }
