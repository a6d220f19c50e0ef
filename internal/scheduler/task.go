package scheduler

import (
	"fmt"
	"strings"
	"time"

	"offload/internal/worker"
)

// Priority orders queued tasks. The zero value is PriorityMedium.
type Priority int

const (
	PriorityLow    Priority = -1
	PriorityMedium Priority = 0
	PriorityHigh   Priority = 1
)

func (p Priority) String() string {
	switch {
	case p > PriorityMedium:
		return "high"
	case p < PriorityMedium:
		return "low"
	default:
		return "medium"
	}
}

// ParsePriority accepts "high", "medium" (or "") and "low".
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "", "medium", "normal":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityMedium, fmt.Errorf("unknown priority %q", s)
	}
}

func (p Priority) rank() int {
	switch {
	case p > PriorityMedium:
		return 2
	case p < PriorityMedium:
		return 0
	default:
		return 1
	}
}

// Task is a unit of work submitted to the Manager.
//
// Data must be encodable by the Manager's codec. Callbacks run outside the
// scheduler lock and may call back into the Manager.
type Task struct {
	ID       string
	Type     string
	Data     any
	Priority Priority
	// Script selects the worker pool. Empty means the default pool.
	Script string

	OnProgress func(progress float64, message string)
	OnComplete func(result worker.Payload)
	OnError    func(err error)
}

// entry is a task owned by the dispatcher.
type entry struct {
	task     Task
	script   string
	frame    []byte
	fut      *Future
	seq      uint64
	enqueued time.Time
}

// activeTask is an entry assigned to a worker slot.
type activeTask struct {
	*entry
	pool     *pool
	slot     int
	workerID string
	started  time.Time
	timer    *time.Timer
}

// TaskEvent is published on the bus for task lifecycle events.
type TaskEvent struct {
	ID       string        `json:"id"`
	Type     string        `json:"type"`
	Script   string        `json:"script"`
	Priority string        `json:"priority"`
	WorkerID string        `json:"worker_id,omitempty"`
	Queued   time.Duration `json:"queued"`
	Elapsed  time.Duration `json:"elapsed"`
	Error    string        `json:"error,omitempty"`
}

// BreakerEvent is published when a resource's breaker opens.
type BreakerEvent struct {
	Script   string `json:"script"`
	Failures int    `json:"failures"`
}

// WorkerEvent is published when a worker is recycled or faults.
type WorkerEvent struct {
	Script   string `json:"script"`
	WorkerID string `json:"worker_id"`
	Previous string `json:"previous,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Bus event types.
const (
	EventTaskCompleted  = "task.completed"
	EventTaskFailed     = "task.failed"
	EventTaskTimeout    = "task.timeout"
	EventTaskCancelled  = "task.cancelled"
	EventTaskShed       = "task.shed"
	EventBreakerOpen    = "breaker.open"
	EventWorkerRecycled = "worker.recycled"
	EventWorkerFault    = "worker.fault"
)
