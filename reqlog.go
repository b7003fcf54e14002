// Package reqlog is the process-wide façade bundling the context registry,
// the batching pipeline and the emergency store behind the small set of
// operations a host program actually calls: Initialize once at startup,
// BeginGlobalLogRecord/FinishGlobalLogRecord (or the Scope handle's Close)
// around each unit of work, LogValue/LogCounter/LogCounters/LogTime inside
// it, and EmergencyShutdown once at exit. Grounded on the SDK's package-level
// NanoHandler lifecycle (coffersTech-nanolog/sdks/go/nanolog/handler.go) and
// requestlog.py's package-level global functions.
package reqlog

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"

	"github.com/coffersTech/reqlog/ctxreg"
	"github.com/coffersTech/reqlog/emergency"
	"github.com/coffersTech/reqlog/pipeline"
	"github.com/coffersTech/reqlog/record"
)

// State is the façade's process-wide lifecycle stage.
type State int

const (
	Uninitialized State = iota
	Initialized
	Shutdown
)

// ErrConfigBusy is returned by Initialize when it is called a second time
// while a scope is open somewhere in the process.
var ErrConfigBusy = errors.New("reqlog: configuration busy: a record is open")

// diag is the one diagnostic side channel the whole package writes to,
// plain log.Printf-based rather than a structured logging library, since
// this is meant to be impossible to lose and dependency-free.
var diag = log.New(os.Stderr, "reqlog: ", log.LstdFlags)

// Config configures Initialize.
type Config struct {
	// Sink receives every finished batch. Required.
	Sink pipeline.Sink
	// BatchWindowSeconds selects windowed mode (>0) or synchronous mode (0,
	// the default).
	BatchWindowSeconds float64
	// ContextBackend overrides the default goroutine-local backend.
	ContextBackend ctxreg.Backend
	// Clock overrides the pipeline's wall clock; nil uses real time.
	Clock pipeline.Clock
	// EmergencyDir/EmergencyName locate the on-disk fallback store.
	// EmergencyDir defaults to emergency.DefaultDir(); EmergencyName
	// defaults to "reqlog".
	EmergencyDir  string
	EmergencyName string
	// EmergencyFs overrides the filesystem the emergency store uses; nil
	// uses the real OS filesystem. Tests inject afero.NewMemMapFs().
	EmergencyFs afero.Fs
}

var (
	mu         sync.Mutex
	state      = Uninitialized
	registry   *ctxreg.Registry
	pl         *pipeline.Pipeline
	store      *emergency.Store
	openScopes int64
)

// Initialize wires the pipeline, starts its background worker if windowed,
// and recovers any batches left behind by a prior abnormal shutdown. The
// first call is idempotent in the sense that a fresh process always starts
// Uninitialized; subsequent calls replace the configuration only if no
// record is open anywhere, otherwise they return ErrConfigBusy. After
// EmergencyShutdown, Initialize is a no-op.
func Initialize(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	if state == Shutdown {
		return nil
	}
	if state == Initialized && atomic.LoadInt64(&openScopes) > 0 {
		return ErrConfigBusy
	}
	if cfg.Sink == nil {
		return fmt.Errorf("reqlog: Config.Sink is required")
	}

	if pl != nil {
		pl.Shutdown()
	}

	registry = ctxreg.NewRegistry(cfg.ContextBackend)

	dir := cfg.EmergencyDir
	if dir == "" {
		dir = emergency.DefaultDir()
	}
	name := cfg.EmergencyName
	if name == "" {
		name = "reqlog"
	}
	fs := cfg.EmergencyFs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	store = emergency.New(fs, dir, name)

	pl = pipeline.New(pipeline.Config{
		WindowSeconds: cfg.BatchWindowSeconds,
		Sink:          cfg.Sink,
		Clock:         cfg.Clock,
	})

	recovered, err := store.LoadAndClear()
	if err != nil {
		diag.Printf("emergency recovery failed: %v", err)
	} else if len(recovered) > 0 {
		seed := make([]pipeline.Batch, 0, len(recovered))
		for _, b := range recovered {
			seed = append(seed, pipeline.Batch{WindowEnd: b.WindowEnd, Records: b.Records})
		}
		pl.SeedRecovered(seed)
	}

	state = Initialized
	atomic.StoreInt64(&openScopes, 0)
	return nil
}

// SetContextBackend replaces the registry's storage backend. Per the
// design, this is only valid when no record is open anywhere; it returns
// ErrConfigBusy otherwise.
func SetContextBackend(backend ctxreg.Backend) error {
	mu.Lock()
	defer mu.Unlock()
	if registry == nil {
		return fmt.Errorf("reqlog: not initialized")
	}
	if atomic.LoadInt64(&openScopes) > 0 {
		return ErrConfigBusy
	}
	registry.SetBackend(backend)
	return nil
}

// Scope is the handle returned by BeginGlobalLogRecord. Close must be
// called exactly once on every exit path; calling it more than once is a
// no-op.
type Scope struct {
	rec    *record.Record
	closed int32
}

// BeginGlobalLogRecord opens a new record, pre-populated with initial,
// triggers the open-time probe (via record.New) and pushes it onto the
// calling context's stack. If the façade has not been initialized, it
// returns a Scope whose mutations and Close are silent no-ops, so callers
// never need to branch on initialization state.
func BeginGlobalLogRecord(initial map[string]any) *Scope {
	mu.Lock()
	reg := registry
	st := state
	mu.Unlock()

	if st != Initialized || reg == nil {
		diag.Printf("begin_global_log_record called before Initialize")
		return &Scope{}
	}

	rec := record.New(initial)
	reg.Push(rec)
	atomic.AddInt64(&openScopes, 1)
	return &Scope{rec: rec}
}

// Close finishes the scope: pops it off the context stack, records exc (if
// non-nil) as a fault, runs the close-time probe via record.Close, and
// hands the finished record to the pipeline. Close does not re-raise exc;
// callers that want exception propagation handle their own
// recover()/return err and pass the same error here for labeling.
func (s *Scope) Close(exc error) {
	if s == nil || !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return
	}
	finishGlobalLogRecord(exc)
}

// FinishGlobalLogRecord pops the current record off the calling context's
// stack (a no-op with a diagnostic if the stack is empty), labels it with
// exc if supplied, and hands it to the pipeline. Prefer Scope.Close, which
// also guards against double-finishing the same scope; this package-level
// form exists for callers that discarded their Scope handle and are
// relying purely on ambient context, matching the original's free function.
func FinishGlobalLogRecord(exc error) {
	finishGlobalLogRecord(exc)
}

func finishGlobalLogRecord(exc error) {
	mu.Lock()
	reg := registry
	p := pl
	st := state
	mu.Unlock()

	if st != Initialized || reg == nil {
		return
	}

	top, ok := reg.Pop()
	if !ok {
		diag.Printf("finish_global_log_record called with no active scope")
		return
	}
	rec, ok := top.(*record.Record)
	if !ok {
		return
	}
	atomic.AddInt64(&openScopes, -1)

	if exc != nil {
		rec.RecordException(exc)
	}
	snap := rec.Close()
	if p != nil {
		p.Submit(snap)
	}
}

// current returns the innermost open record for the calling context, or
// nil if none. Every Log* function below delegates to it and is a silent
// no-op (plus one diagnostic) when it returns nil.
func current() *record.Record {
	mu.Lock()
	reg := registry
	st := state
	mu.Unlock()
	if st != Initialized || reg == nil {
		return nil
	}
	top, ok := reg.Current()
	if !ok {
		return nil
	}
	rec, _ := top.(*record.Record)
	return rec
}

// LogValue assigns each key in kv on the current record, overwriting any
// previous value under the same key. No-op if no scope is open.
func LogValue(kv map[string]any) {
	rec := current()
	if rec == nil {
		diag.Printf("log_value called with no active scope")
		return
	}
	rec.MergeValues(kv)
}

// LogCounter adds n to the named counter on the current record. No-op if
// no scope is open.
func LogCounter(name string, n int64) {
	rec := current()
	if rec == nil {
		diag.Printf("log_counter called with no active scope")
		return
	}
	rec.AddCounter(name, n)
}

// LogCounters adds each delta in kv to its named counter on the current
// record. No-op if no scope is open.
func LogCounters(kv map[string]int64) {
	rec := current()
	if rec == nil {
		diag.Printf("log_counters called with no active scope")
		return
	}
	for name, n := range kv {
		rec.AddCounter(name, n)
	}
}

// LogTime starts a scoped timer on the current record. The caller must
// call Stop on the returned handle on every exit path, typically via defer.
// Returns nil if no scope is open; (*record.Timer)(nil).Stop is safe to
// call.
func LogTime(name string) *record.Timer {
	rec := current()
	if rec == nil {
		diag.Printf("log_time called with no active scope")
		return nil
	}
	return rec.Time(name)
}

// EmergencyShutdown halts the pipeline's background worker, persists every
// not-yet-delivered batch (the live accumulator plus anything queued for
// retry after a prior sink failure) to the emergency store, and moves the
// façade to the terminal Shutdown state. After it returns, every
// user-visible operation above is a no-op.
func EmergencyShutdown() {
	mu.Lock()
	p := pl
	st := state
	s := store
	mu.Unlock()

	if st != Initialized {
		return
	}

	var pending []pipeline.Batch
	if p != nil {
		pending = p.Shutdown()
	}
	if len(pending) > 0 && s != nil {
		batches := make([]emergency.Batch, 0, len(pending))
		for _, b := range pending {
			batches = append(batches, emergency.Batch{WindowEnd: b.WindowEnd, Records: b.Records})
		}
		if err := s.Save(batches); err != nil {
			diag.Printf("emergency save failed, data lost: %v", err)
		}
	}

	mu.Lock()
	state = Shutdown
	mu.Unlock()
}

// ResetForTest restores the façade to Uninitialized, discarding any
// pipeline/registry/store without persisting pending data. Tests only; the
// design note's "expose a test-only reset hook rather than reaching into
// internals" is this function.
func ResetForTest() {
	mu.Lock()
	defer mu.Unlock()
	if pl != nil {
		pl.Shutdown()
	}
	registry = nil
	pl = nil
	store = nil
	state = Uninitialized
	atomic.StoreInt64(&openScopes, 0)
}
