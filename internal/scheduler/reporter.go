package scheduler

import (
	"fmt"
	"sort"

	logx "offload/pkg/logx"
)

// ExceptionReporter receives failures worth surfacing to a crash-reporting
// backend: worker faults, worker spawn failures and panics in task callbacks.
type ExceptionReporter interface {
	ReportException(err error, fields map[string]any)
}

// NopReporter discards reports.
type NopReporter struct{}

func (NopReporter) ReportException(error, map[string]any) {}

// LogReporter writes reports to a logger at error level.
type LogReporter struct {
	Log logx.Logger
}

func (r LogReporter) ReportException(err error, fields map[string]any) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fs := make([]logx.Field, 0, len(keys)+1)
	fs = append(fs, logx.Err(err))
	for _, k := range keys {
		fs = append(fs, logx.Any(k, fields[k]))
	}
	r.Log.Error("exception reported", fs...)
}

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("callback panicked: %w", err)
	}
	return fmt.Errorf("callback panicked: %v", r)
}
