// Package audit writes the append-only audit trail and the per-run text
// logs. Audit records are one JSON object per line; the run logs are plain
// text fed by the process launcher and the orchestrator. Both are opened in
// append mode so concurrent writers interleave at line granularity.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Record is one audit line: {time, action, status, actor, details}.
type Record struct {
	Time    string         `json:"time"`
	Action  string         `json:"action"`
	Status  string         `json:"status"`
	Actor   string         `json:"actor"`
	Details map[string]any `json:"details"`
}

// Log appends Records to a single audit file.
type Log struct {
	path string
	mu   sync.Mutex
}

// NewLog creates a Log writing to path. The file is created on first write.
func NewLog(path string) *Log {
	return &Log{path: path}
}

// Write appends one audit record with the current UTC time.
func (l *Log) Write(action, status, actor string, details map[string]any) error {
	rec := Record{
		Time:    time.Now().UTC().Format(time.RFC3339),
		Action:  action,
		Status:  status,
		Actor:   actor,
		Details: details,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: marshal record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: append record: %w", err)
	}
	return nil
}

// AppendRunLog appends one line to a per-run log file.
func AppendRunLog(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("audit: open run log: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("audit: append run log: %w", err)
	}
	return nil
}
