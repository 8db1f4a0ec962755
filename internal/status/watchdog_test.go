package status

import (
	"testing"
	"time"

	"github.com/openchamber/client/internal/api"
)

type demoteRecorder struct {
	ids []string
}

func (d *demoteRecorder) Demote(sessionID string) {
	d.ids = append(d.ids, sessionID)
}

func watchdogAt(t0 time.Time, dem Demoter) *Watchdog {
	w := NewWatchdog(dem)
	w.now = func() time.Time { return t0 }
	return w
}

func TestWatchdogDemotesStuckSession(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &demoteRecorder{}
	w := watchdogAt(t0, rec)

	w.Observe("s1", api.SessionBusy, t0)

	// Six minutes later, still busy, not a peep of activity.
	w.now = func() time.Time { return t0.Add(6 * time.Minute) }
	w.check()

	if len(rec.ids) != 1 || rec.ids[0] != "s1" {
		t.Fatalf("demoted = %v, want [s1]", rec.ids)
	}

	// A second check must not demote again.
	w.check()
	if len(rec.ids) != 1 {
		t.Fatalf("repeated check demoted again: %v", rec.ids)
	}
}

func TestWatchdogRecentActivityPreventsDemotion(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &demoteRecorder{}
	w := watchdogAt(t0, rec)

	w.Observe("s1", api.SessionBusy, t0)

	// Long-running but alive: activity 30 seconds ago.
	w.now = func() time.Time { return t0.Add(6 * time.Minute) }
	w.RecordActivity("s1")
	w.now = func() time.Time { return t0.Add(6*time.Minute + 30*time.Second) }
	w.check()

	if len(rec.ids) != 0 {
		t.Fatalf("active session demoted: %v", rec.ids)
	}
}

func TestWatchdogMidRunActivityRestartsStuckClock(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &demoteRecorder{}
	w := watchdogAt(t0, rec)

	// Busy since t0, one burst of output three minutes in. At the six
	// minute mark the session has been silent past the activity window,
	// but the stuck clock restarted at the activity, so it survives.
	w.Observe("s1", api.SessionBusy, t0)
	w.now = func() time.Time { return t0.Add(3 * time.Minute) }
	w.RecordActivity("s1")

	w.now = func() time.Time { return t0.Add(6 * time.Minute) }
	w.check()
	if len(rec.ids) != 0 {
		t.Fatalf("session with activity at t0+3m demoted at t0+6m: %v", rec.ids)
	}

	// Five silent minutes after that activity, it really is stuck.
	w.now = func() time.Time { return t0.Add(8 * time.Minute) }
	w.check()
	if len(rec.ids) != 1 {
		t.Fatalf("stuck session not demoted once the clock ran out: %v", rec.ids)
	}
}

func TestWatchdogYoungStateNotDemoted(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &demoteRecorder{}
	w := watchdogAt(t0, rec)

	// Silent for two minutes, but only two minutes into the busy state.
	w.Observe("s1", api.SessionBusy, t0)
	w.now = func() time.Time { return t0.Add(2 * time.Minute) }
	w.check()

	if len(rec.ids) != 0 {
		t.Fatalf("session demoted before the stuck threshold: %v", rec.ids)
	}
}

func TestWatchdogIgnoresIdleSessions(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &demoteRecorder{}
	w := watchdogAt(t0, rec)

	w.Observe("s1", api.SessionIdle, t0)
	w.now = func() time.Time { return t0.Add(time.Hour) }
	w.check()

	if len(rec.ids) != 0 {
		t.Fatalf("idle session demoted: %v", rec.ids)
	}
}

func TestWatchdogRetryStateIsWatched(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &demoteRecorder{}
	w := watchdogAt(t0, rec)

	w.Observe("s1", api.SessionRetry, t0)
	w.now = func() time.Time { return t0.Add(10 * time.Minute) }
	w.check()

	if len(rec.ids) != 1 {
		t.Fatalf("retry-state session not demoted: %v", rec.ids)
	}
}

func TestObserveStateChangeResetsClock(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &demoteRecorder{}
	w := watchdogAt(t0, rec)

	// busy -> idle -> busy: the stuck clock restarts at the last
	// transition, so an old busy stretch cannot count against the new one.
	w.Observe("s1", api.SessionBusy, t0)
	w.Observe("s1", api.SessionIdle, t0.Add(3*time.Minute))
	w.Observe("s1", api.SessionBusy, t0.Add(4*time.Minute))

	w.now = func() time.Time { return t0.Add(8 * time.Minute) }
	w.check()
	if len(rec.ids) != 0 {
		t.Fatalf("demoted only four minutes after re-entering busy: %v", rec.ids)
	}

	w.now = func() time.Time { return t0.Add(10 * time.Minute) }
	w.check()
	if len(rec.ids) != 1 {
		t.Fatalf("not demoted after the threshold passed: %v", rec.ids)
	}
}

type demoterFunc func(string)

func (f demoterFunc) Demote(sessionID string) { f(sessionID) }

func TestStopFromDemoterCallback(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	returned := make(chan struct{})
	var w *Watchdog
	w = NewWatchdog(demoterFunc(func(string) {
		// Stopping the watchdog from the demoter, which runs on the
		// check loop, must not block waiting for that loop to exit.
		w.Stop()
		close(returned)
	}))
	w.now = func() time.Time { return t0.Add(10 * time.Minute) }
	w.interval = 10 * time.Millisecond
	w.Observe("s1", api.SessionBusy, t0)

	w.Start()
	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop called from the demoter did not return")
	}

	external := make(chan struct{})
	go func() {
		w.Stop()
		close(external)
	}()
	select {
	case <-external:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop after a re-entrant stop never returned")
	}
}

func TestForgetDropsTracking(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &demoteRecorder{}
	w := watchdogAt(t0, rec)

	w.Observe("s1", api.SessionBusy, t0)
	w.Forget("s1")

	w.now = func() time.Time { return t0.Add(time.Hour) }
	w.check()

	if len(rec.ids) != 0 {
		t.Fatalf("forgotten session demoted: %v", rec.ids)
	}
}
