package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Print writes each record in a batch as one JSON line to w, in the manner
// of the original's PrintSink/DefaultSink pairing (DefaultSink there is just
// PrintSink bound to stdout).
type Print struct {
	w io.Writer
}

// NewPrint returns a Print sink writing to w.
func NewPrint(w io.Writer) *Print {
	return &Print{w: w}
}

// Sink writes one JSON line per record; a marshal failure for one record is
// noted inline and does not abort the rest of the batch.
func (p *Print) Sink(windowEnd time.Time, records []map[string]any) error {
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			fmt.Fprintf(p.w, `{"error":"marshal failed: %s"}`+"\n", err)
			continue
		}
		if _, err := p.w.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	return nil
}

// Logger emits each record in a batch as one structured log entry through a
// log/slog logger, the `LoggerSink` counterpart to PrintSink in the
// original. Every top-level key in the record becomes an slog attribute;
// window_end is attached to every entry so log-based tooling can group
// records by the batch they arrived in.
type Logger struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogger returns a Logger sink emitting at level (default slog.LevelInfo
// if level is the zero value and the caller wants that, pass it explicitly
// otherwise).
func NewLogger(logger *slog.Logger, level slog.Level) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger, level: level}
}

func (l *Logger) Sink(windowEnd time.Time, records []map[string]any) error {
	for _, rec := range records {
		attrs := make([]slog.Attr, 0, len(rec)+1)
		attrs = append(attrs, slog.Time("window_end", windowEnd))
		for k, v := range rec {
			attrs = append(attrs, slog.Any(k, v))
		}
		l.logger.LogAttrs(context.Background(), l.level, "request_log_record", attrs...)
	}
	return nil
}
