// Package audit provides append-only structured logging of actions that
// change what watchmin supervises: secret access and repair attempts.
//
// Entries are recorded to ~/.watchmin/audit.log as newline-delimited JSON.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Action describes what happened.
type Action string

const (
	ActionSecretRead   Action = "secret_read"
	ActionSecretWrite  Action = "secret_write"
	ActionSecretDelete Action = "secret_delete"

	ActionRepairRequested Action = "repair_requested"
	ActionRepairApplied   Action = "repair_applied"
	ActionRepairFailed    Action = "repair_failed"
)

// Entry is a single audit log record.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	Action    Action    `json:"action"`
	Key       string    `json:"key,omitempty"`     // secret key
	Watcher   string    `json:"watcher,omitempty"` // watcher ID
	AttemptID string    `json:"attempt_id,omitempty"`
	Files     []string  `json:"files,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Stage     string    `json:"stage,omitempty"` // repair stage that failed
	Actor     string    `json:"actor,omitempty"` // "cli", "daemon"
	Error     string    `json:"error,omitempty"`
}

// Recorder is anything that accepts audit entries.
type Recorder interface {
	Log(entry Entry) error
}

// Logger writes audit entries to an append-only file.
type Logger struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewLogger creates or opens an audit log file for appending.
func NewLogger(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	return &Logger{file: f, path: path}, nil
}

// Log writes an audit entry.
func (l *Logger) Log(entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	return nil
}

// Path returns the file entries are written to.
func (l *Logger) Path() string { return l.path }

// Close closes the audit log file.
func (l *Logger) Close() error {
	return l.file.Close()
}

// Memory keeps entries in memory. Used by tests and as a stand-in when no
// audit file is configured.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

func (m *Memory) Log(entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

// Entries returns a copy of everything logged so far.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}
