package record

import "time"

// Timer is a scoped handle for one running timed measurement, returned by
// Record.Time. Overlapping timers with the same name nest additively: each
// contributes its own duration to the running total, not their union.
type Timer struct {
	record  *Record
	name    string
	start   time.Time
	stopped bool
}

// Stop ends the timer, adding its elapsed duration to the timer's running
// total and incrementing its count. Stop is idempotent and safe to call via
// defer on every exit path, including a panicking one.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.record.mu.Lock()
	defer t.record.mu.Unlock()
	t.record.stopTimerLocked(t, time.Now())
}
