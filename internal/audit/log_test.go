package audit

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	return NewLog(filepath.Join(t.TempDir(), ".warden", "audit.jsonl"))
}

func TestLog_AppendAndQuery(t *testing.T) {
	log := newTestLog(t)

	require.NoError(t, log.Append(Entry{TaskID: "task-1", Phase: "PLAN", Tool: "read_files", Success: true, DurationMs: 12}))
	require.NoError(t, log.Append(Entry{TaskID: "task-1", Phase: "TDD", Tool: "run_tests", Success: false, Error: "exit 1", DurationMs: 900}))
	require.NoError(t, log.Append(Entry{TaskID: "task-2", Phase: "PLAN", Tool: "read_files", Success: true, DurationMs: 8}))

	all, err := log.Query(Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	// Insertion order is preserved.
	assert.Equal(t, "task-1", all[0].TaskID)
	assert.Equal(t, "TDD", all[1].Phase)
	assert.Equal(t, "task-2", all[2].TaskID)

	byTask, err := log.Query(Query{TaskID: "task-1"})
	require.NoError(t, err)
	assert.Len(t, byTask, 2)

	byTool, err := log.Query(Query{Tool: "run_tests"})
	require.NoError(t, err)
	require.Len(t, byTool, 1)
	assert.Equal(t, "exit 1", byTool[0].Error)

	success := true
	okOnly, err := log.Query(Query{Success: &success})
	require.NoError(t, err)
	assert.Len(t, okOnly, 2)

	limited, err := log.Query(Query{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestLog_QueryMissingFile(t *testing.T) {
	log := newTestLog(t)
	entries, err := log.Query(Query{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLog_Stats(t *testing.T) {
	log := newTestLog(t)

	require.NoError(t, log.Append(Entry{TaskID: "t", Phase: "PLAN", Tool: "read_files", Success: true}))
	require.NoError(t, log.Append(Entry{TaskID: "t", Phase: "PLAN", Tool: "read_files", Success: true}))
	require.NoError(t, log.Append(Entry{TaskID: "t", Phase: "TDD", Tool: "run_tests", Success: false}))

	stats, err := log.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Succeeded)
	assert.Equal(t, 1, stats.Failed)
	assert.InDelta(t, 2.0/3.0, stats.SuccessRate, 0.001)
	assert.Equal(t, 2, stats.ByTool["read_files"])
	assert.Equal(t, 1, stats.ByTool["run_tests"])
	assert.Equal(t, 2, stats.ByPhase["PLAN"])
}

func TestLog_TruncatesPayloads(t *testing.T) {
	log := newTestLog(t)

	big := strings.Repeat("x", MaxPayloadBytes*2)
	require.NoError(t, log.Append(Entry{TaskID: "t", Phase: "IMPL", Tool: "write_files", Result: big, Success: true}))

	entries, err := log.Query(Query{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.LessOrEqual(t, len(entries[0].Result), MaxPayloadBytes+len("...[truncated]"))
	assert.True(t, strings.HasSuffix(entries[0].Result, "...[truncated]"))
}

func TestLog_ConcurrentAppends(t *testing.T) {
	log := newTestLog(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, log.Append(Entry{TaskID: "t", Phase: "IMPL", Tool: "write_files", Success: true, Timestamp: time.Now()}))
		}()
	}
	wg.Wait()

	entries, err := log.Query(Query{})
	require.NoError(t, err)
	assert.Len(t, entries, 20)

	// Every line must be complete JSON: re-read raw to be sure.
	data, err := os.ReadFile(log.Path())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 20)
}
