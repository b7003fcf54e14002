// Package pipeline implements the batching pipeline: it buffers finished
// records into wall-clock-aligned windows and drives a user-supplied sink
// on a background worker, or delivers synchronously when configured with
// a zero window. Grounded on the SDK handler's ticker-driven runLoop
// (coffersTech-nanolog/sdks/go/nanolog/handler.go) and the original
// implementation's log_queue.py (div_clip bucketing, aligned wake times).
package pipeline

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

// Sink consumes one batch of already-flattened records. It may fail
// arbitrarily (return a non-nil error); a failing sink never blocks or
// panics producers, and the pipeline keeps the batch for the emergency
// store to pick up at shutdown.
type Sink func(windowEnd time.Time, records []map[string]any) error

// Clock abstracts wall-clock "now" so bucket-assignment logic can be
// tested deterministically. The background worker itself always sleeps in
// real time, since wall-clock-boundary alignment is meaningless against a
// fake clock that nothing else is advancing.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Batch is one delivered-or-to-be-persisted group of records sharing a
// window_end_timestamp.
type Batch struct {
	WindowEnd time.Time
	Records   []map[string]any
}

// Pipeline is the C4 batching pipeline. Zero value is not usable; build one
// with New.
type Pipeline struct {
	windowSeconds float64
	sink          Sink
	clock         Clock

	mu           sync.Mutex
	buckets      map[float64][]map[string]any
	retryBatches []Batch
	running      bool
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// Config configures a Pipeline. WindowSeconds of 0 selects synchronous
// mode: every finished record is delivered immediately as a batch of one.
type Config struct {
	WindowSeconds float64
	Sink          Sink
	Clock         Clock
}

// New builds a Pipeline and, for windowed mode, starts its background
// worker. The caller must eventually call Shutdown.
func New(cfg Config) *Pipeline {
	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}
	p := &Pipeline{
		windowSeconds: cfg.WindowSeconds,
		sink:          cfg.Sink,
		clock:         clock,
		buckets:       make(map[float64][]map[string]any),
		stopCh:        make(chan struct{}),
	}
	if p.windowSeconds > 0 {
		p.running = true
		p.wg.Add(1)
		go p.run()
	}
	return p
}

// Submit hands a finished record's snapshot to the pipeline. In
// synchronous mode the sink is invoked inline, on the caller's goroutine;
// in windowed mode the record is appended to the bucket for the window it
// finished in and the call returns immediately.
func (p *Pipeline) Submit(rec map[string]any) {
	now := p.clock.Now()
	if p.windowSeconds <= 0 {
		p.deliver(Batch{WindowEnd: now, Records: []map[string]any{rec}})
		return
	}
	bucket := divClip(epochSeconds(now), p.windowSeconds)
	p.mu.Lock()
	p.buckets[bucket] = append(p.buckets[bucket], rec)
	p.mu.Unlock()
}

// Flush forces immediate delivery of every bucket whose recording
// timestamp is already in the past, without waiting for the next aligned
// wake. An empty window is never delivered to the sink.
func (p *Pipeline) Flush(ctx context.Context) {
	_ = ctx
	p.flush(epochSeconds(p.clock.Now()))
}

// flush delivers every bucket strictly before maxEpoch, oldest first,
// mirroring the original's flush(max_time): "transmit all pending records
// with recording timestamps smaller than the given time".
func (p *Pipeline) flush(maxEpoch float64) {
	p.mu.Lock()
	var keys []float64
	for k := range p.buckets {
		if k < maxEpoch {
			keys = append(keys, k)
		}
	}
	sort.Float64s(keys)
	extracted := make(map[float64][]map[string]any, len(keys))
	for _, k := range keys {
		extracted[k] = p.buckets[k]
		delete(p.buckets, k)
	}
	p.mu.Unlock()

	for _, k := range keys {
		recs := extracted[k]
		if len(recs) == 0 {
			continue
		}
		windowEnd := timeFromEpoch(k + p.windowSeconds)
		p.deliver(Batch{WindowEnd: windowEnd, Records: recs})
	}
}

// SeedRecovered offers batches recovered from the emergency store to the
// sink immediately, preserving each batch's original WindowEnd, ahead of
// any newly-finished records. A batch that fails again is queued for retry
// exactly like any other sink failure, so it is still covered by the next
// Shutdown.
func (p *Pipeline) SeedRecovered(batches []Batch) {
	for _, b := range batches {
		p.deliver(b)
	}
}

func (p *Pipeline) deliver(b Batch) {
	if len(b.Records) == 0 {
		return
	}
	if p.sink == nil {
		return
	}
	if err := p.sink(b.WindowEnd, b.Records); err != nil {
		p.mu.Lock()
		p.retryBatches = append(p.retryBatches, b)
		p.mu.Unlock()
	}
}

func (p *Pipeline) run() {
	defer p.wg.Done()
	nextWake := ceilClip(epochSeconds(p.clock.Now()), p.windowSeconds)
	timer := time.NewTimer(time.Until(timeFromEpoch(nextWake)))
	defer timer.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-timer.C:
			p.flush(nextWake)
			nextWake += p.windowSeconds
			d := time.Until(timeFromEpoch(nextWake))
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
		}
	}
}

// Shutdown halts the background worker (no further scheduled wakes) and
// returns the batches that were not yet delivered: the current in-memory
// accumulator (folded into per-bucket batches) plus any batches a prior
// sink failure queued for retry. It deliberately does not wait for a sink
// call that may currently be in flight on the worker goroutine — that
// call's own eventual success or failure determines whether its batch is
// lost or (asynchronously, via its own failure path) still queued for a
// future persist.
func (p *Pipeline) Shutdown() []Batch {
	p.mu.Lock()
	if p.running {
		p.running = false
		close(p.stopCh)
	}
	now := epochSeconds(p.clock.Now())
	var out []Batch
	keys := make([]float64, 0, len(p.buckets))
	for k := range p.buckets {
		keys = append(keys, k)
	}
	sort.Float64s(keys)
	for _, k := range keys {
		recs := p.buckets[k]
		if len(recs) == 0 {
			continue
		}
		windowEnd := k + p.windowSeconds
		if windowEnd < now {
			windowEnd = now
		}
		out = append(out, Batch{WindowEnd: timeFromEpoch(windowEnd), Records: recs})
	}
	p.buckets = make(map[float64][]map[string]any)
	out = append(out, p.retryBatches...)
	p.retryBatches = nil
	p.mu.Unlock()
	return out
}

// divClip returns the highest multiple of window that is <= x ("the start
// of the window containing x"). window <= 0 is treated as synchronous
// mode's identity bucket (x itself).
func divClip(x, window float64) float64 {
	if window <= 0 {
		return x
	}
	return math.Floor(x/window) * window
}

// ceilClip returns the smallest multiple of window that is >= x, computed
// as ceil(x/window)*window so wall-clock-aligned wakes never accumulate
// skew across cycles.
func ceilClip(x, window float64) float64 {
	if window <= 0 {
		return x
	}
	return math.Ceil(x/window) * window
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func timeFromEpoch(e float64) time.Time {
	return time.Unix(0, int64(e*float64(time.Second))).UTC()
}
