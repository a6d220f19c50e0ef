package scheduler

import (
	"errors"
	"time"

	"offload/internal/eventbus"
	"offload/internal/worker"
	logx "offload/pkg/logx"
)

// attemptDispatchLocked assigns queued tasks to free workers in priority order.
// A task whose resource has no free worker (or an open breaker) stays queued
// and does not block tasks for other resources.
//
// Under backpressure the attempt is deferred by BackpressureRetry; the
// deferred attempt itself dispatches, so backpressure throttles but never
// stalls the queue.
func (m *Manager) attemptDispatchLocked(p *pending, deferred bool) {
	if m.closed || len(m.queue) == 0 {
		return
	}
	if len(m.queue) > m.cfg.BackpressureThreshold || m.frames.Backpressure() {
		if len(m.queue) > m.cfg.BackpressureQueueMax {
			m.shedLocked(p)
		} else if !deferred {
			m.scheduleRetryLocked()
			return
		}
	}

	m.sortQueueLocked()
	var blocked map[string]bool
	waitBreaker := false
	for i := 0; i < len(m.queue); {
		e := m.queue[i]
		if blocked[e.script] {
			i++
			continue
		}
		pl, idx, err := m.acquireLocked(e.script)
		switch {
		case err == nil:
			m.removeQueuedLocked(i)
			m.assignLocked(p, e, pl, idx)
			continue
		case errors.Is(err, ErrCircuitOpen):
			waitBreaker = true
		case errors.Is(err, errNoFreeWorker):
		default:
			m.removeQueuedLocked(i)
			m.failed++
			m.bus.Publish(eventbus.Event{Type: EventTaskFailed, Data: m.taskEvent(e, "", 0, err)})
			p.add(settle(e, nil, err))
			continue
		}
		if blocked == nil {
			blocked = make(map[string]bool)
		}
		blocked[e.script] = true
		i++
	}
	if waitBreaker {
		m.scheduleWakeLocked()
	}
}

func (m *Manager) assignLocked(p *pending, e *entry, pl *pool, idx int) {
	w := pl.slots[idx].w
	m.markBusyLocked(pl, idx, e.task.ID)
	at := &activeTask{entry: e, pool: pl, slot: idx, workerID: w.ID(), started: m.now()}
	m.active[e.task.ID] = at
	at.timer = time.AfterFunc(m.cfg.Timeout, func() { m.onTimeout(at) })
	if err := w.Post(e.frame); err != nil {
		m.faultTaskLocked(p, at, err)
	}
}

// finishLocked untracks at and frees its slot.
func (m *Manager) finishLocked(at *activeTask) {
	at.timer.Stop()
	delete(m.active, at.task.ID)
	if s := at.pool.slots[at.slot]; s.w != nil && s.w.ID() == at.workerID {
		m.markFreeLocked(at.pool, at.slot)
	}
}

func (m *Manager) faultTaskLocked(p *pending, at *activeTask, cause error) {
	m.finishLocked(at)
	m.failed++
	m.breakers.RecordFailure(at.script)
	err := &WorkerFaultError{TaskID: at.task.ID, Script: at.script, WorkerID: at.workerID, Err: cause}
	m.bus.Publish(eventbus.Event{Type: EventTaskFailed, Data: m.taskEvent(at.entry, at.workerID, m.now().Sub(at.started), err)})
	p.add(settle(at.entry, nil, err))
}

// postCancelLocked asks the worker running at to drop it. Best effort.
func (m *Manager) postCancelLocked(at *activeTask) {
	s := at.pool.slots[at.slot]
	if s.w == nil || s.w.ID() != at.workerID {
		return
	}
	frame, err := worker.EncodeRequest(worker.Request{TaskID: at.task.ID, Type: worker.KindCancel})
	if err != nil {
		return
	}
	if err := s.w.Post(frame); err != nil {
		m.log.Debug("cancel message not delivered", logx.String("task", at.task.ID), logx.Err(err))
	}
}

func (m *Manager) onWorkerMessage(workerID string, frame []byte) {
	reply, err := worker.DecodeReply(frame)
	if err != nil {
		m.log.Warn("undecodable worker message", logx.String("worker", workerID), logx.Err(err))
		return
	}
	m.do(func(p *pending) {
		if m.closed {
			return
		}
		at := m.active[reply.TaskID]
		if at == nil || at.workerID != workerID {
			return
		}
		switch reply.Type {
		case worker.KindProgress:
			if fn := at.task.OnProgress; fn != nil {
				pct, msg := reply.Progress, reply.Message
				p.add(func() { fn(pct, msg) })
			}
		case worker.KindComplete:
			m.finishLocked(at)
			m.completed++
			m.breakers.RecordSuccess(at.script)
			m.bus.Publish(eventbus.Event{Type: EventTaskCompleted, Data: m.taskEvent(at.entry, workerID, m.now().Sub(at.started), nil)})
			p.add(settle(at.entry, reply.Payload(), nil))
			m.attemptDispatchLocked(p, false)
		case worker.KindError:
			m.finishLocked(at)
			m.failed++
			m.breakers.RecordFailure(at.script)
			terr := &worker.TaskError{TaskID: at.task.ID, Script: at.script, Message: reply.Error}
			m.bus.Publish(eventbus.Event{Type: EventTaskFailed, Data: m.taskEvent(at.entry, workerID, m.now().Sub(at.started), terr)})
			p.add(settle(at.entry, nil, terr))
			m.attemptDispatchLocked(p, false)
		default:
			m.log.Debug("ignoring worker message", logx.String("worker", workerID), logx.String("type", reply.Type))
		}
	})
}

// onWorkerFault frees the faulted worker's slot without replacing it and
// fails the task assigned to that exact worker, if any.
func (m *Manager) onWorkerFault(workerID string, cause error) {
	m.do(func(p *pending) {
		if m.closed {
			return
		}
		pl, idx, ok := m.findWorkerLocked(workerID)
		if !ok {
			return
		}
		m.faults++
		if m.faultWarn.Allow() {
			m.log.Warn("worker fault", logx.String("worker", workerID), logx.String("script", pl.script), logx.Err(cause))
		}
		m.reporter.ReportException(cause, map[string]any{"script": pl.script, "worker": workerID, "op": "run"})
		m.bus.Publish(eventbus.Event{Type: EventWorkerFault, Data: WorkerEvent{Script: pl.script, WorkerID: workerID, Error: cause.Error()}})

		if at := m.active[pl.slots[idx].taskID]; at != nil && at.workerID == workerID {
			m.faultTaskLocked(p, at, cause)
		} else {
			m.markFreeLocked(pl, idx)
			m.breakers.RecordFailure(pl.script)
		}
		m.attemptDispatchLocked(p, false)
	})
}

// onTimeout fails a task that outlived Config.Timeout. Timeouts free the slot
// but are not counted against the resource's breaker.
func (m *Manager) onTimeout(at *activeTask) {
	m.do(func(p *pending) {
		if m.closed || m.active[at.task.ID] != at {
			return
		}
		m.finishLocked(at)
		m.postCancelLocked(at)
		m.timedOut++
		elapsed := m.now().Sub(at.started)
		m.log.Warn("task timed out",
			logx.String("task", at.task.ID),
			logx.String("type", at.task.Type),
			logx.String("worker", at.workerID),
			logx.Duration("elapsed", elapsed),
		)
		m.bus.Publish(eventbus.Event{Type: EventTaskTimeout, Data: m.taskEvent(at.entry, at.workerID, elapsed, ErrTaskTimeout)})
		p.add(settle(at.entry, nil, ErrTaskTimeout))
		m.attemptDispatchLocked(p, false)
	})
}

// scheduleRetryLocked arms one deferred dispatch attempt.
func (m *Manager) scheduleRetryLocked() {
	if m.retry != nil {
		return
	}
	if m.deferLog.Allow() {
		m.log.Debug("backpressure: dispatch deferred",
			logx.Int("queue", len(m.queue)),
			logx.Bool("frame_over_budget", m.frames.Backpressure()),
			logx.Duration("retry", m.cfg.BackpressureRetry),
		)
	}
	var t *time.Timer
	t = time.AfterFunc(m.cfg.BackpressureRetry, func() {
		m.do(func(p *pending) {
			if m.retry == t {
				m.retry = nil
			}
			m.attemptDispatchLocked(p, true)
		})
	})
	m.retry = t
}

// scheduleWakeLocked re-attempts dispatch once the earliest open breaker can close.
func (m *Manager) scheduleWakeLocked() {
	at, ok := m.breakers.nextRecovery()
	if !ok {
		return
	}
	if m.wake != nil && !m.wakeAt.After(at) {
		return
	}
	if m.wake != nil {
		m.wake.Stop()
	}
	d := max(at.Sub(m.now())+time.Millisecond, time.Millisecond)
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		m.do(func(p *pending) {
			if m.wake == t {
				m.wake = nil
				m.wakeAt = time.Time{}
			}
			m.attemptDispatchLocked(p, false)
		})
	})
	m.wake = t
	m.wakeAt = at
}

func (m *Manager) taskEvent(e *entry, workerID string, elapsed time.Duration, err error) TaskEvent {
	ev := TaskEvent{
		ID:       e.task.ID,
		Type:     e.task.Type,
		Script:   e.script,
		Priority: e.task.Priority.String(),
		WorkerID: workerID,
		Elapsed:  elapsed,
	}
	if !e.enqueued.IsZero() {
		ev.Queued = m.now().Sub(e.enqueued) - elapsed
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}
