// Package record implements the per-scope log record: an open mapping that
// accumulates values, additive counters and nested timers for the lifetime
// of one logical operation (an HTTP request, a job, ...).
package record

import (
	"sync"
	"time"
)

// Reserved keys the system itself sets on every record. start_time and
// fault are stored when the record is created, replacing any initial value
// under those names, and RecordException stores fault, error_class and
// error_message; like any attribute, these are replaced by a later Set,
// MergeValues or AddCounter under the same name. end_time, duration_ms, the
// timer keys and the probe fields are written at Snapshot time and replace
// any user value under those names.
const (
	KeyStartTime  = "start_time"
	KeyEndTime    = "end_time"
	KeyDurationMs = "duration_ms"
	KeyFault      = "fault"
	KeyErrorClass = "error_class"
	KeyErrorMsg   = "error_message"
)

// Record is a mutable mapping collecting values, counters and timers for
// one scope. It is safe for a scope's owning goroutine and any helper
// goroutines it spawns to call concurrently, but it is not meant to be
// written from unrelated scopes.
type Record struct {
	mu sync.Mutex

	attributes map[string]any
	timers     map[string]*timerTotal
	openTimers map[*Timer]struct{}

	startWall time.Time
	startMono time.Time

	opened probeSnapshot
	closed bool
	final  map[string]any
}

type timerTotal struct {
	count    int64
	totalMs  float64
}

// New creates a record pre-populated with initial, already open.
func New(initial map[string]any) *Record {
	r := &Record{
		attributes: make(map[string]any, len(initial)+4),
		timers:     make(map[string]*timerTotal),
		openTimers: make(map[*Timer]struct{}),
		startWall:  time.Now().UTC(),
		startMono:  time.Now(),
		opened:     openProbe(),
	}
	for k, v := range initial {
		r.attributes[k] = v
	}
	r.attributes[KeyStartTime] = formatTime(r.startWall)
	r.attributes[KeyFault] = 0
	return r
}

// Set assigns key, overwriting any previous value (last-writer-wins).
func (r *Record) Set(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.attributes[key] = value
}

// MergeValues is a bulk Set.
func (r *Record) MergeValues(pairs map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for k, v := range pairs {
		r.attributes[k] = v
	}
}

// AddCounter adds delta to the named counter. Counters live in the same
// attribute namespace as values set via Set: whichever call happened last
// determines the stored value, and AddCounter treats a missing existing
// value, or one that is not an int or int64, as zero before adding. This mirrors the
// original implementation's single shared attribute map and satisfies the
// "last-writer-wins at snapshot" rule for user-caused key collisions.
func (r *Record) AddCounter(name string, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	var base int64
	switch existing := r.attributes[name].(type) {
	case int64:
		base = existing
	case int:
		base = int64(existing)
	}
	r.attributes[name] = base + delta
}

// Time starts a scoped timer. Callers must call Stop on the returned handle
// exactly once, typically via defer, on every exit path.
func (r *Record) Time(name string) *Timer {
	t := &Timer{record: r, name: name, start: time.Now()}
	r.mu.Lock()
	if r.closed {
		t.stopped = true
	} else {
		r.openTimers[t] = struct{}{}
	}
	r.mu.Unlock()
	return t
}

// RecordException marks the record as faulted: fault=1, error_class and
// error_message are set from err.
func (r *Record) RecordException(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.attributes[KeyFault] = 1
	r.attributes[KeyErrorClass] = errorClassName(err)
	r.attributes[KeyErrorMsg] = err.Error()
}

// Snapshot produces the flattened, immutable external view: all set values,
// {name}_cnt/{name}_ms per timer, and start_time/end_time/duration_ms.
// Does not close the record.
func (r *Record) Snapshot() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(time.Now())
}

// Close finalizes the record: terminates any still-running timers (there
// should be zero, but a panicking caller can leave some open), stamps
// end_time/duration_ms, marks the record immutable, and returns the final
// snapshot. Close is idempotent; subsequent calls return the same snapshot.
func (r *Record) Close() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return r.final
	}
	now := time.Now()
	for t := range r.openTimers {
		r.stopTimerLocked(t, now)
	}
	snap := r.snapshotLocked(now)
	r.closed = true
	r.final = snap
	return snap
}

func (r *Record) snapshotLocked(now time.Time) map[string]any {
	out := make(map[string]any, len(r.attributes)+2*len(r.timers)+4)
	for k, v := range r.attributes {
		out[k] = v
	}
	for name, t := range r.timers {
		out[name+"_cnt"] = t.count
		out[name+"_ms"] = roundMs(t.totalMs)
	}
	out[KeyEndTime] = formatTime(now.UTC())
	out[KeyDurationMs] = roundMs(float64(now.Sub(r.startMono).Microseconds()) / 1000.0)
	closeProbe(r.opened).apply(out)
	return out
}

// stopTimerLocked finishes timer t as of now and folds it into the totals.
// Caller must hold r.mu.
func (r *Record) stopTimerLocked(t *Timer, now time.Time) {
	if t.stopped {
		return
	}
	t.stopped = true
	delete(r.openTimers, t)
	elapsedMs := float64(now.Sub(t.start).Microseconds()) / 1000.0
	tot, ok := r.timers[t.name]
	if !ok {
		tot = &timerTotal{}
		r.timers[t.name] = tot
	}
	tot.count++
	tot.totalMs += elapsedMs
}

func formatTime(t time.Time) string {
	return t.Format("2006-01-02T15:04:05.000000Z")
}

// roundMs rounds to millisecond resolution: emitted durations must
// round-trip to at most millisecond resolution.
func roundMs(ms float64) float64 {
	if ms < 0 {
		ms = 0
	}
	return float64(int64(ms + 0.5))
}
