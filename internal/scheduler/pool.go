package scheduler

import (
	"errors"
	"fmt"
	"time"

	"offload/internal/eventbus"
	"offload/internal/worker"
	logx "offload/pkg/logx"
)

// slot holds one worker. A busy slot with no worker is quarantined: its
// worker could not be spawned and it is retried on the next recycle tick.
type slot struct {
	w        worker.Worker
	busy     bool
	lastUsed time.Time
	taskID   string
}

func (s *slot) quarantined() bool { return s.busy && s.w == nil }

// pool is a fixed-size set of slots for one script. Its size never changes.
type pool struct {
	script string
	slots  []*slot
	gen    int
}

// PoolStatus describes one pool.
type PoolStatus struct {
	Script      string `json:"script"`
	Size        int    `json:"size"`
	Free        int    `json:"free"`
	Busy        int    `json:"busy"`
	Quarantined int    `json:"quarantined"`
}

func (p *pool) status() PoolStatus {
	st := PoolStatus{Script: p.script, Size: len(p.slots)}
	for _, s := range p.slots {
		switch {
		case s.quarantined():
			st.Quarantined++
		case s.busy:
			st.Busy++
		default:
			st.Free++
		}
	}
	return st
}

// All methods below require m.mu.

// newPoolLocked spawns a pool of size workers. A script the factory does not
// know is an error and leaves no pool behind; other spawn failures quarantine
// the affected slot.
func (m *Manager) newPoolLocked(script string, size int) (*pool, error) {
	p := &pool{script: script, slots: make([]*slot, size)}
	now := m.now()
	for i := range p.slots {
		p.slots[i] = &slot{lastUsed: now}
		err := m.spawnLocked(p, i)
		if err == nil {
			continue
		}
		if errors.Is(err, worker.ErrUnknownScript) {
			for _, s := range p.slots[:i] {
				if s.w != nil {
					s.w.Terminate()
				}
			}
			return nil, err
		}
		m.quarantineLocked(p, i, err)
	}
	m.pools[script] = p
	m.poolOrder = append(m.poolOrder, script)
	m.log.Debug("worker pool created", logx.String("script", script), logx.Int("size", size))
	return p, nil
}

// spawnLocked fills slot idx with a fresh worker wired to the manager.
func (m *Manager) spawnLocked(p *pool, idx int) error {
	p.gen++
	id := fmt.Sprintf("%s#%d.%d", p.script, idx, p.gen)
	w, err := m.factory.Spawn(p.script, id, worker.Handlers{
		OnMessage: func(frame []byte) { m.onWorkerMessage(id, frame) },
		OnFault:   func(err error) { m.onWorkerFault(id, err) },
	})
	if err != nil {
		return err
	}
	s := p.slots[idx]
	s.w = w
	s.busy = false
	s.taskID = ""
	s.lastUsed = m.now()
	return nil
}

func (m *Manager) quarantineLocked(p *pool, idx int, err error) {
	s := p.slots[idx]
	s.w = nil
	s.busy = true
	s.taskID = ""
	m.log.Error("worker spawn failed; slot quarantined",
		logx.String("script", p.script), logx.Int("slot", idx), logx.Err(err))
	m.reporter.ReportException(err, map[string]any{"script": p.script, "slot": idx, "op": "spawn"})
}

// acquireLocked returns a free slot for script, creating a named pool on
// first use. An open breaker refuses before any pool is touched.
func (m *Manager) acquireLocked(script string) (*pool, int, error) {
	if m.breakers.IsOpen(script) {
		return nil, 0, ErrCircuitOpen
	}
	p := m.pools[script]
	if p == nil {
		var err error
		if p, err = m.newPoolLocked(script, m.cfg.namedPoolSize()); err != nil {
			return nil, 0, err
		}
	}
	for i, s := range p.slots {
		if !s.busy && s.w != nil {
			return p, i, nil
		}
	}
	return nil, 0, errNoFreeWorker
}

func (m *Manager) markBusyLocked(p *pool, idx int, taskID string) {
	s := p.slots[idx]
	s.busy = true
	s.taskID = taskID
}

func (m *Manager) markFreeLocked(p *pool, idx int) {
	s := p.slots[idx]
	if s.w == nil {
		return
	}
	s.busy = false
	s.taskID = ""
	s.lastUsed = m.now()
}

// findWorkerLocked locates the slot currently holding worker id.
func (m *Manager) findWorkerLocked(id string) (*pool, int, bool) {
	for _, name := range m.poolOrder {
		p := m.pools[name]
		for i, s := range p.slots {
			if s.w != nil && s.w.ID() == id {
				return p, i, true
			}
		}
	}
	return nil, 0, false
}

// recycleIdleLocked replaces free workers idle longer than IdleTerminate in
// place and retries quarantined slots.
func (m *Manager) recycleIdleLocked(now time.Time) {
	idle := m.cfg.IdleTerminate
	for _, name := range m.poolOrder {
		p := m.pools[name]
		for i, s := range p.slots {
			switch {
			case s.quarantined():
				if err := m.spawnLocked(p, i); err == nil {
					m.log.Info("quarantined worker slot restored", logx.String("script", p.script), logx.Int("slot", i))
				}
			case !s.busy && now.Sub(s.lastUsed) > idle:
				prev := s.w.ID()
				s.w.Terminate()
				if err := m.spawnLocked(p, i); err != nil {
					m.quarantineLocked(p, i, err)
					continue
				}
				m.log.Debug("idle worker recycled",
					logx.String("script", p.script), logx.String("previous", prev), logx.String("worker", s.w.ID()))
				m.bus.Publish(eventbus.Event{Type: EventWorkerRecycled, Data: WorkerEvent{Script: p.script, WorkerID: s.w.ID(), Previous: prev}})
			}
		}
	}
}

func (m *Manager) terminateAllLocked() {
	for _, name := range m.poolOrder {
		for _, s := range m.pools[name].slots {
			if s.w != nil {
				s.w.Terminate()
			}
		}
	}
}
