package events

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileSink appends events to a JSONL file, one line per event. Subscribe its
// Handle method to a bus to keep a durable session event log.
type FileSink struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewFileSink creates a sink writing to path.
func NewFileSink(path string, logger *slog.Logger) *FileSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSink{path: path, logger: logger}
}

// Handle appends one event. Write failures are logged, never propagated:
// the event log is an observability aid, not a correctness dependency.
func (s *FileSink) Handle(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("marshal event for log", "topic", event.Type, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.logger.Error("create event log directory", "error", err)
		return
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.logger.Error("open event log", "path", s.path, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		s.logger.Error("append event log", "path", s.path, "error", err)
	}
}
