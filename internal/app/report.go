package app

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"

	"offload/internal/config"
	"offload/internal/scheduler"
	logx "offload/pkg/logx"
)

// statusReporter logs a scheduler status line on a cron schedule.
type statusReporter struct {
	log    logx.Logger
	status func() scheduler.Status
	since  time.Time

	mu       sync.Mutex
	c        *cron.Cron
	entry    cron.EntryID
	schedule string
}

func newStatusReporter(log logx.Logger, status func() scheduler.Status) *statusReporter {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &statusReporter{
		log:    log,
		status: status,
		since:  time.Now(),
		c:      cron.New(cron.WithParser(parser)),
	}
}

func (r *statusReporter) Start() { r.c.Start() }

// Stop halts the cron and waits for a running report to finish.
func (r *statusReporter) Stop() { <-r.c.Stop().Done() }

// Apply (re)schedules the report, or removes it when cfg is disabled.
func (r *statusReporter) Apply(cfg *config.StatusReportConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	enabled := cfg != nil && cfg.Enabled
	spec := cfg.StatusSchedule()
	if enabled && r.entry != 0 && spec == r.schedule {
		return nil
	}
	if r.entry != 0 {
		r.c.Remove(r.entry)
		r.entry = 0
		r.schedule = ""
	}
	if !enabled {
		return nil
	}
	id, err := r.c.AddFunc(spec, r.report)
	if err != nil {
		return fmt.Errorf("status_report.schedule: %w", err)
	}
	r.entry = id
	r.schedule = spec
	r.log.Debug("status report scheduled", logx.String("schedule", spec))
	return nil
}

func (r *statusReporter) report() {
	st := r.status()
	r.log.Info("scheduler status", statusFields(st, r.since)...)
}

func statusFields(st scheduler.Status, since time.Time) []logx.Field {
	open := 0
	for _, b := range st.Breakers {
		if b.Open {
			open++
		}
	}
	return []logx.Field{
		logx.Int("queue", st.QueueLen),
		logx.Int("active", st.Active),
		logx.String("workers", fmt.Sprintf("%d/%d free", st.FreeWorkers, st.TotalWorkers)),
		logx.Bool("backpressure", st.Backpressure),
		logx.Duration("frame_avg", st.FrameAverage),
		logx.String("completed", humanize.Comma(int64(st.Completed))),
		logx.String("failed", humanize.Comma(int64(st.Failed))),
		logx.Uint64("timed_out", st.TimedOut),
		logx.Uint64("shed", st.Shed),
		logx.Int("breakers_open", open),
		logx.String("started", humanize.Time(since)),
	}
}
