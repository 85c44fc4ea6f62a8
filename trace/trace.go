// Package trace records execution attempts to an append-only, line-delimited
// file, one file per worker. Records are immutable once written; the trace is
// the audit history of every attempt, never retroactively edited.
package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Benjamindaoson/agentic-delivery-os-sub002/id"
)

// Outcome classifies one execution attempt.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeFailed    Outcome = "failed"
	OutcomePanicked  Outcome = "panicked"
)

// Record is one immutable trace line.
type Record struct {
	ID         id.TraceID    `json:"id"`
	WorkerID   id.WorkerID   `json:"worker_id"`
	TaskID     id.TaskID     `json:"task_id"`
	Attempt    int           `json:"attempt"`
	Outcome    Outcome       `json:"outcome"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
}

// Writer appends records for one worker. Safe for concurrent use.
type Writer struct {
	mu  sync.Mutex
	w   io.Writer
	c   io.Closer
	enc *json.Encoder
}

// NewWriter wraps an arbitrary sink, useful for tests.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, enc: json.NewEncoder(w)}
}

// OpenFile opens (or creates) the append-only trace file for workerID under
// dir. The file is only ever opened with O_APPEND.
func OpenFile(dir string, workerID id.WorkerID) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("trace: create dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, workerID.String()+".trace.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("trace: open %s: %w", path, err)
	}
	return &Writer{w: f, c: f, enc: json.NewEncoder(f)}, nil
}

// Append writes one record as a single JSON line.
func (tw *Writer) Append(rec Record) error {
	if rec.ID.IsNil() {
		rec.ID = id.NewTraceID()
	}
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if err := tw.enc.Encode(rec); err != nil {
		return fmt.Errorf("trace: append: %w", err)
	}
	return nil
}

// Close releases the underlying file, if any.
func (tw *Writer) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.c == nil {
		return nil
	}
	return tw.c.Close()
}

// ReadAll decodes every record from r, oldest first. Intended for tests and
// operator tooling, not the hot path.
func ReadAll(r io.Reader) ([]Record, error) {
	dec := json.NewDecoder(r)
	var records []Record
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				return records, nil
			}
			return nil, fmt.Errorf("trace: decode: %w", err)
		}
		records = append(records, rec)
	}
}
