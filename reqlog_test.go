package reqlog

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
)

type collectingSink struct {
	mu      sync.Mutex
	batches []struct {
		windowEnd time.Time
		records   []map[string]any
	}
}

func (s *collectingSink) sink(windowEnd time.Time, records []map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, struct {
		windowEnd time.Time
		records   []map[string]any
	}{windowEnd, records})
	return nil
}

func (s *collectingSink) records() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for _, b := range s.batches {
		out = append(out, b.records...)
	}
	return out
}

func TestMain(m *testing.M) {
	code := m.Run()
	ResetForTest()
	os.Exit(code)
}

func TestScenarioOneSynchronousValueLogging(t *testing.T) {
	defer ResetForTest()
	sink := &collectingSink{}
	if err := Initialize(Config{Sink: sink.sink}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	scope := BeginGlobalLogRecord(nil)
	LogValue(map[string]any{"path": "/x"})
	scope.Close(nil)

	records := sink.records()
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0]["path"] != "/x" {
		t.Fatalf("path = %v, want /x", records[0]["path"])
	}
	if records[0]["fault"] != 0 {
		t.Fatalf("fault = %v, want 0", records[0]["fault"])
	}
}

func TestScenarioTwoCounterAdditivity(t *testing.T) {
	defer ResetForTest()
	sink := &collectingSink{}
	if err := Initialize(Config{Sink: sink.sink}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	scope := BeginGlobalLogRecord(nil)
	LogCounter("rows", 5)
	LogCounter("rows", 2)
	scope.Close(nil)

	records := sink.records()
	if len(records) != 1 || records[0]["rows"] != int64(7) {
		t.Fatalf("records = %+v, want rows=7", records)
	}
}

func TestScenarioSixExceptionPropagationAndFaultLabeling(t *testing.T) {
	defer ResetForTest()
	sink := &collectingSink{}
	if err := Initialize(Config{Sink: sink.sink}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	runScope := func() (err error) {
		scope := BeginGlobalLogRecord(nil)
		defer func() { scope.Close(err) }()
		return errors.New("bad")
	}

	err := runScope()
	if err == nil || err.Error() != "bad" {
		t.Fatalf("err = %v, want bad", err)
	}

	records := sink.records()
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0]["fault"] != 1 {
		t.Fatalf("fault = %v, want 1", records[0]["fault"])
	}
	if records[0]["error_message"] != "bad" {
		t.Fatalf("error_message = %v, want bad", records[0]["error_message"])
	}
}

func TestNestedScopesUseInnermostRecord(t *testing.T) {
	defer ResetForTest()
	sink := &collectingSink{}
	if err := Initialize(Config{Sink: sink.sink}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	outer := BeginGlobalLogRecord(map[string]any{"scope": "outer"})
	inner := BeginGlobalLogRecord(map[string]any{"scope": "inner"})
	LogValue(map[string]any{"seen_by": "inner"})
	inner.Close(nil)
	LogValue(map[string]any{"seen_by": "outer"})
	outer.Close(nil)

	records := sink.records()
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0]["scope"] != "inner" || records[0]["seen_by"] != "inner" {
		t.Fatalf("inner record wrong: %+v", records[0])
	}
	if records[1]["scope"] != "outer" || records[1]["seen_by"] != "outer" {
		t.Fatalf("outer record wrong: %+v", records[1])
	}
}

func TestMutationsWithNoActiveScopeAreSilentNoOps(t *testing.T) {
	defer ResetForTest()
	sink := &collectingSink{}
	if err := Initialize(Config{Sink: sink.sink}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// No scope open anywhere: these must not panic and must not leave any
	// trace in the next scope opened.
	LogValue(map[string]any{"stray": "value"})
	LogCounter("stray", 1)
	FinishGlobalLogRecord(nil)

	scope := BeginGlobalLogRecord(nil)
	scope.Close(nil)

	records := sink.records()
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if _, ok := records[0]["stray"]; ok {
		t.Fatalf("stray mutation leaked into a later scope: %+v", records[0])
	}
}

func TestDoubleCloseIsANoOp(t *testing.T) {
	defer ResetForTest()
	sink := &collectingSink{}
	if err := Initialize(Config{Sink: sink.sink}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	scope := BeginGlobalLogRecord(nil)
	scope.Close(nil)
	scope.Close(nil)

	if len(sink.records()) != 1 {
		t.Fatalf("Close called twice should only emit one record, got %d", len(sink.records()))
	}
}

func TestInitializeRejectsConfigBusyWhileScopeOpen(t *testing.T) {
	defer ResetForTest()
	sink := &collectingSink{}
	if err := Initialize(Config{Sink: sink.sink}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	scope := BeginGlobalLogRecord(nil)
	defer scope.Close(nil)

	if err := Initialize(Config{Sink: sink.sink}); !errors.Is(err, ErrConfigBusy) {
		t.Fatalf("Initialize while busy = %v, want ErrConfigBusy", err)
	}
}

func TestEmergencyShutdownPersistsUndeliveredBatches(t *testing.T) {
	defer ResetForTest()
	fs := afero.NewMemMapFs()
	failing := func(windowEnd time.Time, records []map[string]any) error {
		return fmt.Errorf("destination unavailable")
	}
	if err := Initialize(Config{
		Sink:          failing,
		EmergencyFs:   fs,
		EmergencyDir:  "/var/reqlog",
		EmergencyName: "test",
	}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	scope := BeginGlobalLogRecord(map[string]any{"path": "/lost"})
	scope.Close(nil)

	EmergencyShutdown()

	matches, err := afero.Glob(fs, "/var/reqlog/test_dump.*.json.zst")
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("got %d emergency dumps, want 1", len(matches))
	}
}

func TestRecoveryReplaysEmergencyBatchesOnNextInitialize(t *testing.T) {
	defer ResetForTest()
	fs := afero.NewMemMapFs()
	failing := func(windowEnd time.Time, records []map[string]any) error {
		return fmt.Errorf("destination unavailable")
	}
	if err := Initialize(Config{
		Sink:          failing,
		EmergencyFs:   fs,
		EmergencyDir:  "/var/reqlog",
		EmergencyName: "test",
	}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	scope := BeginGlobalLogRecord(map[string]any{"path": "/lost"})
	scope.Close(nil)
	EmergencyShutdown()
	ResetForTest()

	sink := &collectingSink{}
	if err := Initialize(Config{
		Sink:          sink.sink,
		EmergencyFs:   fs,
		EmergencyDir:  "/var/reqlog",
		EmergencyName: "test",
	}); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}

	records := sink.records()
	if len(records) != 1 || records[0]["path"] != "/lost" {
		t.Fatalf("records = %+v, want the recovered /lost record", records)
	}
}
