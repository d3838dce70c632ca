// Package audit provides warden's append-only tool execution log.
// Each entry is one line of JSON; entries are never mutated or reordered.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wardenlabs/warden/internal/util"
)

// MaxPayloadBytes bounds stored result and error payloads so entries stay
// scannable.
const MaxPayloadBytes = 4096

// Entry is one audited tool invocation.
type Entry struct {
	Timestamp  time.Time `json:"timestamp"`
	TaskID     string    `json:"task_id"`
	Phase      string    `json:"phase"`
	Tool       string    `json:"tool_name"`
	Args       any       `json:"args,omitempty"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
}

// Query filters audit entries. Zero-valued fields match everything.
type Query struct {
	TaskID  string
	Phase   string
	Tool    string
	Success *bool
	Limit   int
}

// Stats aggregates the log.
type Stats struct {
	Total       int            `json:"total"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
	SuccessRate float64        `json:"success_rate"`
	ByTool      map[string]int `json:"by_tool"`
	ByPhase     map[string]int `json:"by_phase"`
}

// Log appends entries to a JSONL file. Writes are serialized on an internal
// mutex; the parent directory is created on demand.
type Log struct {
	path string
	mu   sync.Mutex
}

// NewLog creates an audit log writing to path.
func NewLog(path string) *Log {
	return &Log{path: path}
}

// Path returns the log file path.
func (l *Log) Path() string {
	return l.path
}

// Append writes one entry. Result and error payloads are truncated to
// MaxPayloadBytes.
func (l *Log) Append(entry Entry) error {
	entry.Result = util.Truncate(entry.Result, MaxPayloadBytes)
	entry.Error = util.Truncate(entry.Error, MaxPayloadBytes)
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create audit directory: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// Query returns entries matching q in insertion order.
func (l *Log) Query(q Query) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var out []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			// A malformed line indicates external tampering; skip it
			// rather than fail the whole query.
			continue
		}
		if !matches(entry, q) {
			continue
		}
		out = append(out, entry)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return out, nil
}

// Stats aggregates the whole log.
func (l *Log) Stats() (*Stats, error) {
	entries, err := l.Query(Query{})
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		ByTool:  make(map[string]int),
		ByPhase: make(map[string]int),
	}
	for _, entry := range entries {
		stats.Total++
		if entry.Success {
			stats.Succeeded++
		} else {
			stats.Failed++
		}
		stats.ByTool[entry.Tool]++
		stats.ByPhase[entry.Phase]++
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Succeeded) / float64(stats.Total)
	}
	return stats, nil
}

func matches(entry Entry, q Query) bool {
	if q.TaskID != "" && entry.TaskID != q.TaskID {
		return false
	}
	if q.Phase != "" && entry.Phase != q.Phase {
		return false
	}
	if q.Tool != "" && entry.Tool != q.Tool {
		return false
	}
	if q.Success != nil && entry.Success != *q.Success {
		return false
	}
	return true
}
