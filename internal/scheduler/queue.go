package scheduler

import (
	"sort"

	"offload/internal/eventbus"
	logx "offload/pkg/logx"
)

// Queue methods require m.mu.

func (m *Manager) enqueueLocked(p *pending, e *entry) {
	m.seq++
	e.seq = m.seq
	e.enqueued = m.now()
	m.queue = append(m.queue, e)
	m.queued[e.task.ID] = e
	m.attemptDispatchLocked(p, false)
}

// sortQueueLocked orders by priority, keeping submission order within a priority.
func (m *Manager) sortQueueLocked() {
	sort.SliceStable(m.queue, func(i, j int) bool {
		return m.queue[i].task.Priority.rank() > m.queue[j].task.Priority.rank()
	})
}

func (m *Manager) removeQueuedLocked(i int) *entry {
	e := m.queue[i]
	copy(m.queue[i:], m.queue[i+1:])
	m.queue[len(m.queue)-1] = nil
	m.queue = m.queue[:len(m.queue)-1]
	delete(m.queued, e.task.ID)
	return e
}

func (m *Manager) indexQueuedLocked(id string) int {
	for i, e := range m.queue {
		if e.task.ID == id {
			return i
		}
	}
	return -1
}

// shedLocked drops the lowest-priority tenth of the queue (at least one task)
// from the tail. Shed tasks stay pending unless RejectShed is set.
func (m *Manager) shedLocked(p *pending) {
	m.sortQueueLocked()
	before := len(m.queue)
	n := max(1, before/10)
	for i := 0; i < n; i++ {
		e := m.removeQueuedLocked(len(m.queue) - 1)
		m.shed++
		m.bus.Publish(eventbus.Event{Type: EventTaskShed, Data: m.taskEvent(e, "", 0, nil)})
		if m.cfg.RejectShed {
			p.add(settle(e, nil, ErrShed))
		}
	}
	if m.shedWarn.Allow() {
		m.log.Warn("backpressure: shed queued tasks",
			logx.Int("dropped", n),
			logx.Int("queue_before", before),
			logx.Int("queue_max", m.cfg.BackpressureQueueMax),
			logx.Bool("rejected", m.cfg.RejectShed),
		)
	}
}
