// Package logging writes structured, JSON-lines log entries to the two
// sinks the operator tails directly: a diagnostic log carrying every level,
// and a money log carrying only financial events (so it can be piped to
// compliance tooling without the noise of debug chatter).
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level is a log severity, ordered low to high.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Entry is one JSON-lines record.
type Entry struct {
	Time    string                 `json:"time"`
	Level   Level                  `json:"level"`
	Message string                 `json:"message"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

// Sink appends entries to a single log file, one JSON object per line, and
// fans each entry out to any live subscribers (the dashboard's SSE log
// stream).
type Sink struct {
	mu          sync.Mutex
	file        *os.File
	subscribers map[chan Entry]struct{}
}

// NewSink opens (creating if needed) the file at path for append.
func NewSink(path string) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return &Sink{file: f, subscribers: make(map[chan Entry]struct{})}, nil
}

// Write appends one entry as a JSON line and pushes it to every subscriber.
func (s *Sink) Write(level Level, message string, fields map[string]interface{}) error {
	entry := Entry{Time: time.Now().UTC().Format(time.RFC3339Nano), Level: level, Message: message, Fields: fields}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write log entry: %w", err)
	}
	for ch := range s.subscribers {
		select {
		case ch <- entry:
		default: // a slow reader misses entries rather than stalling the keeper
		}
	}
	return nil
}

// Subscribe registers a channel to receive every future entry; callers must
// call the returned func to unregister once done (typically when an SSE
// client disconnects).
func (s *Sink) Subscribe() (ch chan Entry, cancel func()) {
	ch = make(chan Entry, 64)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.subscribers, ch)
		s.mu.Unlock()
		close(ch)
	}
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// Sinks bundles the two sinks a keeper process writes to. Money events are
// written to both so the full operational history stays in diag.log too.
type Sinks struct {
	Diag  *Sink
	Money *Sink
}

// NewSinks opens diag.log and money.log under logsDir.
func NewSinks(logsDir string) (*Sinks, error) {
	diag, err := NewSink(filepath.Join(logsDir, "diag.log"))
	if err != nil {
		return nil, err
	}
	money, err := NewSink(filepath.Join(logsDir, "money.log"))
	if err != nil {
		return nil, err
	}
	return &Sinks{Diag: diag, Money: money}, nil
}

// Log writes a diagnostic-only entry.
func (s *Sinks) Log(level Level, message string, fields map[string]interface{}) {
	_ = s.Diag.Write(level, message, fields)
}

// LogMoney writes a financial event to both diag.log and money.log.
func (s *Sinks) LogMoney(message string, fields map[string]interface{}) {
	_ = s.Money.Write(LevelInfo, message, fields)
	_ = s.Diag.Write(LevelInfo, message, fields)
}

func (s *Sinks) Close() {
	_ = s.Diag.Close()
	_ = s.Money.Close()
}
