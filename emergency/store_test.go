package emergency

import (
	"testing"
	"time"

	"github.com/spf13/afero"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := New(fs, "/var/reqlog", "reqlog")

	windowEnd := time.Unix(1700000000, 0).UTC()
	batches := []Batch{
		{WindowEnd: windowEnd, Records: []map[string]any{
			{"path": "/x", "fault": float64(0)},
			{"path": "/y", "fault": float64(1)},
		}},
	}

	if err := s.Save(batches); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.LoadAndClear()
	if err != nil {
		t.Fatalf("LoadAndClear: %v", err)
	}
	if len(got) != 1 || len(got[0].Records) != 2 {
		t.Fatalf("got %+v, want one batch with two records", got)
	}
	if !got[0].WindowEnd.Equal(windowEnd) {
		t.Fatalf("WindowEnd = %v, want %v", got[0].WindowEnd, windowEnd)
	}
	if got[0].Records[0]["path"] != "/x" {
		t.Fatalf("record order or contents wrong: %+v", got[0].Records)
	}
}

func TestLoadAndClearDeletesTheFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := New(fs, "/var/reqlog", "reqlog")

	if err := s.Save([]Batch{{WindowEnd: time.Unix(1, 0), Records: []map[string]any{{"a": 1.0}}}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := s.LoadAndClear(); err != nil {
		t.Fatalf("LoadAndClear: %v", err)
	}

	again, err := s.LoadAndClear()
	if err != nil {
		t.Fatalf("second LoadAndClear: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected the dump to be consumed, got %+v", again)
	}
}

func TestLoadAndClearOrdersByWindowEndAscending(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := New(fs, "/var/reqlog", "reqlog")

	if err := s.Save([]Batch{{WindowEnd: time.Unix(300, 0), Records: []map[string]any{{"n": 3.0}}}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save([]Batch{{WindowEnd: time.Unix(100, 0), Records: []map[string]any{{"n": 1.0}}}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save([]Batch{{WindowEnd: time.Unix(200, 0), Records: []map[string]any{{"n": 2.0}}}}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.LoadAndClear()
	if err != nil {
		t.Fatalf("LoadAndClear: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d batches, want 3", len(got))
	}
	for i, b := range got {
		if b.Records[0]["n"] != float64(i+1) {
			t.Fatalf("batch %d out of order: %+v", i, got)
		}
	}
}

func TestCorruptDumpIsMovedAsideAndSkipped(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := New(fs, "/var/reqlog", "reqlog")

	if err := s.Save([]Batch{{WindowEnd: time.Unix(1, 0), Records: []map[string]any{{"a": 1.0}}}}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	matches, err := afero.Glob(fs, "/var/reqlog/reqlog_dump.*.json.zst")
	if err != nil || len(matches) != 1 {
		t.Fatalf("glob = %v, %v", matches, err)
	}
	if err := afero.WriteFile(fs, matches[0], []byte("not a valid dump"), 0o600); err != nil {
		t.Fatalf("corrupt the dump: %v", err)
	}

	got, err := s.LoadAndClear()
	if err != nil {
		t.Fatalf("LoadAndClear: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no batches recovered from a corrupt dump, got %+v", got)
	}

	corrupt, err := afero.Glob(fs, "/var/reqlog/*.corrupt")
	if err != nil || len(corrupt) != 1 {
		t.Fatalf("expected exactly one .corrupt file, got %v, %v", corrupt, err)
	}
}

func TestSaveWithNoBatchesIsANoOp(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := New(fs, "/var/reqlog", "reqlog")

	if err := s.Save(nil); err != nil {
		t.Fatalf("Save(nil): %v", err)
	}
	exists, err := afero.DirExists(fs, "/var/reqlog")
	if err != nil {
		t.Fatalf("DirExists: %v", err)
	}
	if exists {
		t.Fatalf("Save with no batches should not even create the directory")
	}
}
