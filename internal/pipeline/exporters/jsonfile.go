// Package exporters holds the delivery targets the audit pipeline fans out to.
package exporters

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gosuda/agentaudit/internal/domain"
	"github.com/gosuda/agentaudit/internal/pipeline"
)

// JSONFile appends one JSON line per event to <dir>/audit-YYYY-MM-DD.jsonl,
// named after the event's UTC date. Events without a timestamp use the clock.
type JSONFile struct {
	dir string
	now func() time.Time

	mu   sync.Mutex
	file *os.File
	day  string
}

var _ pipeline.Exporter = (*JSONFile)(nil) //nolint:gochecknoglobals // compile-time check

// NewJSONFile creates the exporter. The directory is created lazily.
func NewJSONFile(dir string) *JSONFile {
	return &JSONFile{dir: dir, now: time.Now}
}

// WithClock overrides the clock used for events without a timestamp.
func (j *JSONFile) WithClock(now func() time.Time) *JSONFile {
	j.now = now
	return j
}

func (j *JSONFile) Name() string { return "jsonfile" }

// Path returns the file an event written at t lands in.
func (j *JSONFile) Path(t time.Time) string {
	return filepath.Join(j.dir, "audit-"+t.UTC().Format(time.DateOnly)+".jsonl")
}

func (j *JSONFile) Export(_ context.Context, ev *domain.AuditEvent) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("exporters.JSONFile.Export: marshal: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	at := ev.Timestamp
	if at.IsZero() {
		at = j.now()
	}
	f, err := j.fileFor(at)
	if err != nil {
		return fmt.Errorf("exporters.JSONFile.Export: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("exporters.JSONFile.Export: write: %w", err)
	}
	return nil
}

// fileFor returns the open file for t's date, rotating if needed.
// Caller holds j.mu.
func (j *JSONFile) fileFor(t time.Time) (*os.File, error) {
	day := t.UTC().Format(time.DateOnly)
	if j.file != nil && j.day == day {
		return j.file, nil
	}
	if j.file != nil {
		_ = j.file.Close()
		j.file = nil
	}

	if err := os.MkdirAll(j.dir, 0o750); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	f, err := os.OpenFile(j.Path(t), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) //nolint:gosec // path built from configured dir
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	j.file, j.day = f, day
	return f, nil
}

func (j *JSONFile) Flush(_ context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("exporters.JSONFile.Flush: %w", err)
	}
	return nil
}

func (j *JSONFile) Shutdown(_ context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	if err != nil {
		return fmt.Errorf("exporters.JSONFile.Shutdown: %w", err)
	}
	return nil
}
