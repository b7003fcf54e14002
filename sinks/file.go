package sinks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
)

// File appends each batch as its own newline-delimited-JSON file under dir,
// zstd-compressed, grounded on storage.ColumnWriter's
// compress-then-write-to-file discipline (adapted from columnar binary
// framing to one small JSON-per-batch file, since a sink's job here is
// durability of a batch, not a queryable columnar store).
type File struct {
	fs     afero.Fs
	dir    string
	prefix string
	enc    *zstd.Encoder
}

// NewFile returns a File sink writing into dir, naming files
// "<prefix>-<window_end_unix>.json.zst". Pass afero.NewOsFs() for real disk.
func NewFile(fs afero.Fs, dir, prefix string) (*File, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "batch"
	}
	return &File{fs: fs, dir: dir, prefix: prefix, enc: enc}, nil
}

func (f *File) Sink(windowEnd time.Time, records []map[string]any) error {
	if err := f.fs.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("sinks.File: mkdir: %w", err)
	}

	var buf bytes.Buffer
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("sinks.File: marshal: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	compressed := f.enc.EncodeAll(buf.Bytes(), make([]byte, 0, buf.Len()))

	name := fmt.Sprintf("%s-%d.json.zst", f.prefix, windowEnd.Unix())
	path := filepath.Join(f.dir, name)
	tmp := path + ".tmp"
	if err := afero.WriteFile(f.fs, tmp, compressed, 0o644); err != nil {
		return fmt.Errorf("sinks.File: write: %w", err)
	}
	if err := f.fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("sinks.File: rename: %w", err)
	}
	return nil
}
