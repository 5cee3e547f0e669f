package sink

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"SockTracer/internal/model"
)

// SummaryData holds the metadata written next to a gob record file.
type SummaryData struct {
	TotalRecords int    `json:"total_records"`
	StartedAt    string `json:"started_at"`
	ClosedAt     string `json:"closed_at"`
}

// GobWriter appends gob-encoded trace records to a timestamped file under
// a root directory, with a JSON summary written on close.
type GobWriter struct {
	mu      sync.Mutex
	dir     string
	file    *os.File
	bw      *bufio.Writer
	enc     *gob.Encoder
	count   int
	started time.Time
}

// NewGobWriter creates the output directory and opens a record file named
// after the current time.
func NewGobWriter(rootPath string) (*GobWriter, error) {
	started := time.Now()
	dir := filepath.Join(rootPath, started.Format("2006-01-02_15-04-05"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create record directory: %w", err)
	}

	file, err := os.Create(filepath.Join(dir, "records.dat"))
	if err != nil {
		return nil, fmt.Errorf("failed to create record file: %w", err)
	}

	bw := bufio.NewWriter(file)
	return &GobWriter{
		dir:     dir,
		file:    file,
		bw:      bw,
		enc:     gob.NewEncoder(bw),
		started: started,
	}, nil
}

// Append implements model.RecordSink. Encoding failures are surfaced on
// Close; a single bad record does not halt tracing.
func (w *GobWriter) Append(rec model.TraceRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(rec); err != nil {
		return
	}
	w.count++
}

// Close flushes the record file and writes the JSON summary.
func (w *GobWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.bw.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to flush record file: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close record file: %w", err)
	}

	summary := SummaryData{
		TotalRecords: w.count,
		StartedAt:    w.started.Format(time.RFC3339),
		ClosedAt:     time.Now().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	return os.WriteFile(filepath.Join(w.dir, "summary.json"), data, 0644)
}
