package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines journal
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retain caps how many outcomes are kept; 0 means DefaultRetain.
	Retain int
}

const DefaultRetain = 10000

func (c Config) retain() int {
	if c.Retain <= 0 {
		return DefaultRetain
	}
	return c.Retain
}

// Outcome statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
	StatusCancelled = "cancelled"
	StatusShed      = "shed"
)

// Outcome records how one task ended.
// Keep it compact and schema-stable.
type Outcome struct {
	At        time.Time `json:"at"`
	TaskID    string    `json:"task_id"`
	Type      string    `json:"type"`
	Script    string    `json:"script"`
	Priority  string    `json:"priority"`
	Status    string    `json:"status"`
	WorkerID  string    `json:"worker_id,omitempty"`
	QueuedMS  int64     `json:"queued_ms"`
	ElapsedMS int64     `json:"elapsed_ms"`
	Error     string    `json:"error,omitempty"`
}
