package traffic

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestTracker_ZeroValue(t *testing.T) {
	var tr Tracker
	tr.RecordSuccess()
	if n := tr.RequestCount(time.Minute); n != 1 {
		t.Errorf("RequestCount() = %d, want 1", n)
	}
}

func TestTracker_RequestCountIncludesDenials(t *testing.T) {
	tr := NewTracker(newClock().now)
	tr.RecordSuccess()
	tr.RecordError()
	tr.RecordDenied()
	tr.RecordDenied()

	if n := tr.RequestCount(time.Minute); n != 4 {
		t.Errorf("RequestCount() = %d, want 4", n)
	}
	if n := tr.DenialCount(time.Minute); n != 2 {
		t.Errorf("DenialCount() = %d, want 2", n)
	}
}

func TestTracker_ErrorRateExcludesDenials(t *testing.T) {
	tr := NewTracker(newClock().now)
	tr.RecordSuccess()
	tr.RecordSuccess()
	tr.RecordError()
	tr.RecordDenied()

	errors, total := tr.ErrorRate(time.Minute)
	if errors != 1 || total != 3 {
		t.Errorf("ErrorRate() = (%d, %d), want (1, 3)", errors, total)
	}
}

func TestTracker_ErrorPercent(t *testing.T) {
	tr := NewTracker(newClock().now)
	if _, ok := tr.ErrorPercent(time.Minute); ok {
		t.Error("ErrorPercent() ok = true with no calls")
	}
	tr.RecordError()
	tr.RecordSuccess()
	pct, ok := tr.ErrorPercent(time.Minute)
	if !ok || pct != 50 {
		t.Errorf("ErrorPercent() = (%v, %v), want (50, true)", pct, ok)
	}
}

func TestTracker_WindowExcludesOldOutcomes(t *testing.T) {
	clock := newClock()
	tr := NewTracker(clock.now)
	tr.RecordError()
	clock.advance(90 * time.Second)
	tr.RecordSuccess()

	errors, total := tr.ErrorRate(time.Minute)
	if errors != 0 || total != 1 {
		t.Errorf("ErrorRate() = (%d, %d), want (0, 1)", errors, total)
	}
	if n := tr.RequestCount(2 * time.Minute); n != 2 {
		t.Errorf("RequestCount(2m) = %d, want 2", n)
	}
}

func TestTracker_PrunesBeyondRetention(t *testing.T) {
	clock := newClock()
	tr := NewTracker(clock.now)
	for i := 0; i < 10; i++ {
		tr.RecordError()
	}
	clock.advance(retention + time.Second)
	tr.RecordSuccess()

	tr.mu.Lock()
	left := len(tr.errorTimes)
	tr.mu.Unlock()
	if left != 0 {
		t.Errorf("errorTimes retained %d entries past retention", left)
	}
}

func TestTracker_Reset(t *testing.T) {
	tr := NewTracker(newClock().now)
	tr.RecordSuccess()
	tr.RecordError()
	tr.RecordDenied()
	tr.Reset()
	if n := tr.RequestCount(time.Hour); n != 0 {
		t.Errorf("RequestCount() after Reset = %d, want 0", n)
	}
}

func TestTracker_Concurrent(t *testing.T) {
	var tr Tracker
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				tr.RecordSuccess()
			} else {
				tr.RecordError()
			}
		}(i)
	}
	wg.Wait()
	errors, total := tr.ErrorRate(time.Minute)
	if errors != 10 || total != 20 {
		t.Errorf("ErrorRate() = (%d, %d), want (10, 20)", errors, total)
	}
}
