package app

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"offload/internal/eventbus"
	"offload/internal/scheduler"
	"offload/internal/storage"
	logx "offload/pkg/logx"
)

// outcomeStatus maps terminal task events to journal statuses.
var outcomeStatus = map[string]string{
	scheduler.EventTaskCompleted: storage.StatusCompleted,
	scheduler.EventTaskFailed:    storage.StatusFailed,
	scheduler.EventTaskTimeout:   storage.StatusTimeout,
	scheduler.EventTaskCancelled: storage.StatusCancelled,
	scheduler.EventTaskShed:      storage.StatusShed,
}

func outcomeFromEvent(ev eventbus.Event) (storage.Outcome, bool) {
	status, ok := outcomeStatus[ev.Type]
	if !ok {
		return storage.Outcome{}, false
	}
	te, ok := ev.Data.(scheduler.TaskEvent)
	if !ok {
		return storage.Outcome{}, false
	}
	return storage.Outcome{
		At:        ev.Time,
		TaskID:    te.ID,
		Type:      te.Type,
		Script:    te.Script,
		Priority:  te.Priority,
		Status:    status,
		WorkerID:  te.WorkerID,
		QueuedMS:  te.Queued.Milliseconds(),
		ElapsedMS: te.Elapsed.Milliseconds(),
		Error:     te.Error,
	}, true
}

// recordOutcomes appends every terminal task event from ch to st.
func recordOutcomes(ctx context.Context, ch <-chan eventbus.Event, st storage.Store, log logx.Logger) error {
	warn := rate.NewLimiter(rate.Every(10*time.Second), 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			o, ok := outcomeFromEvent(ev)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := st.AppendOutcome(wctx, o)
			cancel()
			if err != nil && warn.Allow() {
				log.Warn("outcome append failed", logx.String("task_id", o.TaskID), logx.Err(err))
			}
		}
	}
}
