// Package metrics records one structured observation per conversation
// turn. Records append to a JSONL file and optionally fan out to an
// MQTT broker for dashboards.
package metrics

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
)

// Record is the per-turn observation. InvokedServers is sorted;
// InvokedTools preserves invocation order including repeats.
type Record struct {
	Timestamp       string   `json:"timestamp"`
	RequestID       string   `json:"request_id"`
	Model           string   `json:"model"`
	UserQuestion    string   `json:"user_question"`
	DurationSeconds float64  `json:"duration_seconds"`
	InvokedTools    []string `json:"invoked_tools"`
	InvokedServers  []string `json:"invoked_servers"`
	Status          string   `json:"status"`
	ErrorMessage    *string  `json:"error_message"`
	ToolErrors      []string `json:"tool_errors"`
}

// Sink accepts finished turn records. Implementations must tolerate
// failure: a metrics problem never affects the conversation.
type Sink interface {
	Log(rec Record)
}

// FileSink appends records to a JSONL file. Writes are serialized;
// failures are logged and dropped.
type FileSink struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewFileSink creates a sink appending to path.
func NewFileSink(path string, logger *slog.Logger) *FileSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSink{path: path, logger: logger}
}

// Log appends one record as a JSON line.
func (s *FileSink) Log(rec Record) {
	normalize(&rec)

	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error("failed to marshal metrics record", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.logger.Error("failed to open metrics file", "path", s.path, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		s.logger.Error("failed to save metrics", "path", s.path, "error", err)
	}
}

// MultiSink fans a record out to several sinks.
type MultiSink []Sink

// Log delivers the record to every sink.
func (m MultiSink) Log(rec Record) {
	for _, s := range m {
		s.Log(rec)
	}
}

// normalize replaces nil slices so records marshal with [] instead of
// null, keeping the JSONL schema stable for consumers.
func normalize(rec *Record) {
	if rec.InvokedTools == nil {
		rec.InvokedTools = []string{}
	}
	if rec.InvokedServers == nil {
		rec.InvokedServers = []string{}
	}
	if rec.ToolErrors == nil {
		rec.ToolErrors = []string{}
	}
}
