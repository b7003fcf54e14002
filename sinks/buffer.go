package sinks

import (
	"sync"
	"time"
)

// Buffer accumulates every batch it receives in memory, for tests and for
// demos that don't want a real destination. Grounded on the original's
// BufferSink.
type Buffer struct {
	mu      sync.Mutex
	batches []BufferedBatch
}

// BufferedBatch is one call to Buffer's Sink func.
type BufferedBatch struct {
	WindowEnd time.Time
	Records   []map[string]any
}

// NewBuffer returns an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Sink is the pipeline.Sink-shaped method: append the batch and never fail.
func (b *Buffer) Sink(windowEnd time.Time, records []map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]map[string]any, len(records))
	copy(cp, records)
	b.batches = append(b.batches, BufferedBatch{WindowEnd: windowEnd, Records: cp})
	return nil
}

// Batches returns a snapshot of every batch received so far.
func (b *Buffer) Batches() []BufferedBatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BufferedBatch, len(b.batches))
	copy(out, b.batches)
	return out
}

// Records flattens every batch's records into one slice, in arrival order.
func (b *Buffer) Records() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, batch := range b.batches {
		out = append(out, batch.Records...)
	}
	return out
}

// Reset discards everything received so far.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = nil
}
