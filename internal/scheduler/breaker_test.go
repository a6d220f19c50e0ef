package scheduler

import (
	"testing"
	"time"

	"offload/internal/eventbus"
	logx "offload/pkg/logx"
)

func TestCooldownElapsed(t *testing.T) {
	t.Parallel()
	base := time.Unix(1_700_000_000, 0)
	cases := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"inside cooldown", base.Add(10 * time.Second), false},
		{"exactly at cooldown", base.Add(30 * time.Second), false},
		{"past cooldown", base.Add(30*time.Second + time.Nanosecond), true},
	}
	for _, tc := range cases {
		if got := cooldownElapsed(tc.now, base, 30*time.Second); got != tc.want {
			t.Fatalf("%s: cooldownElapsed = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestBreakerLifecycle(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.SubscribePrefix(4, "breaker.")
	defer unsub()

	now := time.Unix(1_700_000_000, 0)
	b := newBreakers(3, 30*time.Second, logx.Nop(), bus)
	b.now = func() time.Time { return now }

	b.RecordFailure("img")
	b.RecordFailure("img")
	b.RecordSuccess("img")
	b.RecordFailure("img")
	b.RecordFailure("img")
	if b.IsOpen("img") {
		t.Fatal("success should have reset the count")
	}
	if !b.RecordFailure("img") || !b.IsOpen("img") {
		t.Fatal("breaker should open at the threshold")
	}
	select {
	case e := <-events:
		if ev, ok := e.Data.(BreakerEvent); !ok || ev.Script != "img" || ev.Failures != 3 {
			t.Fatalf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("breaker.open not published")
	}

	// Success does not close an open breaker.
	b.RecordSuccess("img")
	if !b.IsOpen("img") {
		t.Fatal("RecordSuccess closed an open breaker")
	}
	if at, ok := b.nextRecovery(); !ok || !at.Equal(now.Add(30*time.Second)) {
		t.Fatalf("nextRecovery = %v, %v", at, ok)
	}
	if b.IsOpen("other") {
		t.Fatal("unrelated resource is open")
	}

	now = now.Add(31 * time.Second)
	if b.IsOpen("img") {
		t.Fatal("breaker should close after cooldown")
	}
	if snap := b.snapshot(); len(snap) != 0 {
		t.Fatalf("count not reset on recovery: %+v", snap)
	}
}

func TestBreakerDisabledWithNegativeThreshold(t *testing.T) {
	t.Parallel()
	b := newBreakers(-1, time.Second, logx.Nop(), eventbus.Nop())
	for i := 0; i < 10; i++ {
		b.RecordFailure("x")
	}
	if b.IsOpen("x") {
		t.Fatal("disabled breaker opened")
	}
}
