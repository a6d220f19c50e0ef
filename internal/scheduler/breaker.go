package scheduler

import (
	"sort"
	"sync"
	"time"

	"offload/internal/eventbus"
	logx "offload/pkg/logx"
)

// breakerState tracks consecutive failures for a single resource.
//
// Recovery is lazy: an open breaker closes (and its count resets) on the
// first IsOpen after the cooldown has elapsed since the last failure.
// RecordSuccess resets the count but never closes an open breaker.
type breakerState struct {
	open        bool
	failures    int
	lastFailure time.Time
}

type breakers struct {
	mu        sync.Mutex
	m         map[string]*breakerState
	threshold int
	timeout   time.Duration
	now       func() time.Time

	log logx.Logger
	bus eventbus.Emitter
}

func newBreakers(threshold int, timeout time.Duration, log logx.Logger, bus eventbus.Emitter) *breakers {
	return &breakers{
		m:         make(map[string]*breakerState),
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
		log:       log,
		bus:       bus,
	}
}

// cooldownElapsed reports whether an open breaker may close.
func cooldownElapsed(now, lastFailure time.Time, timeout time.Duration) bool {
	return now.Sub(lastFailure) > timeout
}

func (b *breakers) configure(threshold int, timeout time.Duration) {
	b.mu.Lock()
	b.threshold = threshold
	b.timeout = timeout
	b.mu.Unlock()
}

func (b *breakers) get(id string) *breakerState {
	st := b.m[id]
	if st == nil {
		st = &breakerState{}
		b.m[id] = st
	}
	return st
}

// RecordFailure counts a failure and reports whether it opened the breaker.
func (b *breakers) RecordFailure(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.threshold < 0 {
		return false
	}
	st := b.get(id)
	st.failures++
	st.lastFailure = b.now()
	if st.open || st.failures < b.threshold {
		return false
	}
	st.open = true
	b.log.Warn("circuit breaker opened",
		logx.String("script", id),
		logx.Int("failures", st.failures),
		logx.Duration("cooldown", b.timeout),
	)
	b.bus.Publish(eventbus.Event{Type: EventBreakerOpen, Data: BreakerEvent{Script: id, Failures: st.failures}})
	return true
}

func (b *breakers) RecordSuccess(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.m[id]; st != nil {
		st.failures = 0
	}
}

func (b *breakers) IsOpen(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.m[id]
	if st == nil || !st.open {
		return false
	}
	if !cooldownElapsed(b.now(), st.lastFailure, b.timeout) {
		return true
	}
	st.open = false
	st.failures = 0
	b.log.Info("circuit breaker closed", logx.String("script", id))
	return false
}

// nextRecovery returns the earliest time an open breaker can close.
func (b *breakers) nextRecovery() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var at time.Time
	for _, st := range b.m {
		if !st.open {
			continue
		}
		t := st.lastFailure.Add(b.timeout)
		if at.IsZero() || t.Before(at) {
			at = t
		}
	}
	return at, !at.IsZero()
}

// BreakerStatus describes one resource's breaker.
type BreakerStatus struct {
	Script      string    `json:"script"`
	Open        bool      `json:"open"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

func (b *breakers) snapshot() []BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BreakerStatus, 0, len(b.m))
	for id, st := range b.m {
		if st.failures == 0 && !st.open {
			continue
		}
		out = append(out, BreakerStatus{Script: id, Open: st.open, Failures: st.failures, LastFailure: st.lastFailure})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Script < out[j].Script })
	return out
}
