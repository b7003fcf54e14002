// Package emergency implements the on-disk fallback for records whose sink
// delivery did not succeed before shutdown. Grounded on
// coffersTech-nanolog/server/internal/storage/writer.go's compressed,
// footer-validated file format and engine/wal.go's replay-on-restart
// discipline, adapted from per-row framing to per-process batch dumps, and
// on log_queue.py's emergency_save_to_disk/try_load_emergency_saves
// (claim-by-rename so two processes never double-load the same dump).
package emergency

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
	"github.com/valyala/fastjson"
	"golang.org/x/crypto/blake2b"
)

// magic tags the start of every emergency dump file, the same role
// writer.go's MagicHeader plays for .nano snapshot files.
var magic = [4]byte{'R', 'Q', 'L', '1'}

// Batch mirrors pipeline.Batch without importing the pipeline package, so
// emergency has no dependency on the component that depends on it.
type Batch struct {
	WindowEnd time.Time
	Records   []map[string]any
}

// Store is a file-backed append store identified by a directory and a
// name prefix, with dump filenames derived from the process id and a
// random identifier.
type Store struct {
	fs   afero.Fs
	dir  string
	name string
}

// New returns a Store rooted at dir using name as the dump-file prefix.
// Pass afero.NewOsFs() for real disk access; tests use afero.NewMemMapFs().
func New(fs afero.Fs, dir, name string) *Store {
	if name == "" {
		name = "reqlog"
	}
	return &Store{fs: fs, dir: dir, name: name}
}

// DefaultDir returns the directory emergency dumps live in absent an
// explicit configuration: a "reqlog" subdirectory of the OS temp
// directory, scoped so it doesn't litter it.
func DefaultDir() string {
	return filepath.Join(os.TempDir(), "reqlog")
}

// Save atomically writes one dump file containing batches. Multiple calls
// across the process's lifetime (or across processes sharing dir) each
// produce a distinct, uuid-suffixed file rather than overwriting a shared
// one, so that LoadAndClear can discover and claim dumps left behind by
// more than one crashed process, mirroring ensureInstanceID's per-process
// identity file in the SDK registry and the original's glob-based
// try_load_emergency_saves.
func (s *Store) Save(batches []Batch) error {
	if len(batches) == 0 {
		return nil
	}
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("emergency: create dir: %w", err)
	}

	payload, err := encode(batches)
	if err != nil {
		return fmt.Errorf("emergency: encode: %w", err)
	}
	framed, err := frame(payload)
	if err != nil {
		return fmt.Errorf("emergency: frame: %w", err)
	}

	final := s.dumpPath(os.Getpid(), uuid.New().String())
	tmp := final + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, framed, 0o600); err != nil {
		return fmt.Errorf("emergency: write temp: %w", err)
	}
	if err := s.fs.Rename(tmp, final); err != nil {
		return fmt.Errorf("emergency: rename into place: %w", err)
	}
	return nil
}

// LoadAndClear finds every dump file left in dir, claims each by renaming
// it (so a sibling process racing to recover the same directory never
// double-loads one), parses it, and deletes it. A dump that fails to parse
// or fails its integrity check is moved aside with a ".corrupt" suffix and
// skipped rather than returned. Batches from every claimed file are merged
// and returned sorted by WindowEnd, oldest first, so recovered batches
// preserve their original order relative to each other.
func (s *Store) LoadAndClear() ([]Batch, error) {
	matches, err := afero.Glob(s.fs, filepath.Join(s.dir, s.name+"_dump.*.json.zst"))
	if err != nil {
		return nil, fmt.Errorf("emergency: glob: %w", err)
	}

	var all []Batch
	for _, path := range matches {
		claimed := path + ".claimed"
		if err := s.fs.Rename(path, claimed); err != nil {
			// Another process already claimed it first; not our problem.
			continue
		}
		batches, err := s.loadClaimed(claimed)
		if err != nil {
			corrupt := path + ".corrupt"
			_ = s.fs.Rename(claimed, corrupt)
			continue
		}
		_ = s.fs.Remove(claimed)
		all = append(all, batches...)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].WindowEnd.Before(all[j].WindowEnd) })
	return all, nil
}

func (s *Store) loadClaimed(path string) ([]Batch, error) {
	framed, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, err
	}
	payload, err := unframe(framed)
	if err != nil {
		return nil, err
	}
	return decode(payload)
}

func (s *Store) dumpPath(pid int, id string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_dump.%d.%s.json.zst", s.name, pid, id))
}

// wireBatch is the JSON-serializable shape of Batch: a
// (window_end_timestamp, [record, ...]) entry.
type wireBatch struct {
	WindowEnd int64            `json:"window_end"`
	Records   []map[string]any `json:"records"`
}

func encode(batches []Batch) ([]byte, error) {
	wire := make([]wireBatch, 0, len(batches))
	for _, b := range batches {
		wire = append(wire, wireBatch{WindowEnd: b.WindowEnd.Unix(), Records: b.Records})
	}
	return json.Marshal(wire)
}

func decode(payload []byte) ([]Batch, error) {
	// Fast top-level shape validation before the full decode, the same
	// role fastjson.ParserPool plays on the ingest path in
	// internal/server/http.go: reject obviously-corrupt payloads cheaply.
	var parser fastjson.Parser
	v, err := parser.ParseBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("emergency: corrupt payload: %w", err)
	}
	if v.Type() != fastjson.TypeArray {
		return nil, fmt.Errorf("emergency: corrupt payload: expected array")
	}

	var wire []wireBatch
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("emergency: decode: %w", err)
	}
	out := make([]Batch, 0, len(wire))
	for _, w := range wire {
		out = append(out, Batch{WindowEnd: time.Unix(w.WindowEnd, 0).UTC(), Records: w.Records})
	}
	return out, nil
}

// frame compresses payload with zstd (mirroring storage.ColumnWriter's
// per-column compression) and prepends a magic header and a blake2b-256
// checksum of the compressed bytes, so corruption is caught before JSON
// decoding is even attempted rather than surfacing as an unmarshal error.
func frame(payload []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	compressed := enc.EncodeAll(payload, make([]byte, 0, len(payload)))

	sum := blake2b.Sum256(compressed)

	var buf bytes.Buffer
	buf.Write(magic[:])
	buf.Write(sum[:])
	buf.Write(compressed)
	return buf.Bytes(), nil
}

func unframe(framed []byte) ([]byte, error) {
	const headerLen = len(magic) + blake2b.Size256
	if len(framed) < headerLen {
		return nil, fmt.Errorf("emergency: truncated dump")
	}
	if !bytes.Equal(framed[:len(magic)], magic[:]) {
		return nil, fmt.Errorf("emergency: bad magic header")
	}
	wantSum := framed[len(magic):headerLen]
	compressed := framed[headerLen:]

	gotSum := blake2b.Sum256(compressed)
	if !bytes.Equal(gotSum[:], wantSum) {
		return nil, fmt.Errorf("emergency: checksum mismatch")
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	payload, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("emergency: decompress: %w", err)
	}
	return payload, nil
}
