// Package registry provides warden's coordination substrate: a persistent,
// thread-safe registry of task state with dependency tracking and a shared
// blocker list. Every mutation is persisted to a JSON document under an
// exclusive file lock; loads take a shared lock.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/wardenlabs/warden/internal/events"
	"github.com/wardenlabs/warden/internal/util"

	wardenerrors "github.com/wardenlabs/warden/internal/errors"
)

// Entry is the coordination record for one task.
type Entry struct {
	TaskID       string       `json:"task_id"`
	AgentID      string       `json:"agent_id"`
	CurrentPhase string       `json:"current_phase"`
	Transitions  []Transition `json:"transitions,omitempty"`
	ClaimedAt    time.Time    `json:"claimed_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	Dependencies []string     `json:"dependencies,omitempty"`
}

// Transition records one phase move for audit of the coordination layer.
type Transition struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

// Snapshot is the minimal read-only projection handed to agents.
type Snapshot struct {
	TaskDependencies []string `json:"task_dependencies"`
	CompletedTasks   []string `json:"completed_tasks"`
	CurrentPhase     string   `json:"current_phase"`
	Blockers         []string `json:"blockers"`
}

// document is the persisted shape of the store.
type document struct {
	Tasks     map[string]*Entry `json:"tasks"`
	Completed []string          `json:"completed"`
	Blockers  []string          `json:"blockers,omitempty"`
}

// Store is the coordination state store.
type Store struct {
	path   string
	mu     sync.RWMutex
	doc    document
	bus    *events.Bus
	logger *slog.Logger
}

// NewStore creates a store persisting to path, loading any existing state.
func NewStore(path string, bus *events.Bus, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:   path,
		bus:    bus,
		logger: logger,
		doc: document{
			Tasks: make(map[string]*Entry),
		},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load reads the persisted document under a shared lock.
func (s *Store) load() error {
	return util.WithSharedLock(s.path, func() error {
		data, err := os.ReadFile(s.path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("read coordination state: %w", err)
		}
		var doc document
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse coordination state: %w", err)
		}
		if doc.Tasks == nil {
			doc.Tasks = make(map[string]*Entry)
		}
		s.doc = doc
		return nil
	})
}

// save persists the document atomically under an exclusive lock.
// Callers must hold s.mu.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal coordination state: %w", err)
	}
	return util.WithExclusiveLock(s.path, func() error {
		return util.AtomicWriteFile(s.path, data, 0o644)
	})
}

// Register adds a task to the registry. Registering an existing task id
// replaces its entry; completion status is reset.
func (s *Store) Register(taskID, agentID string, dependencies []string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &Entry{
		TaskID:       taskID,
		AgentID:      agentID,
		Dependencies: dependencies,
		ClaimedAt:    time.Now().UTC(),
	}
	s.doc.Tasks[taskID] = entry

	// A re-registered task starts over; it must not count as completed
	// for its dependents.
	for i, id := range s.doc.Completed {
		if id == taskID {
			s.doc.Completed = append(s.doc.Completed[:i], s.doc.Completed[i+1:]...)
			break
		}
	}

	if err := s.save(); err != nil {
		return nil, err
	}
	return entry, nil
}

// Get returns the entry for a task.
func (s *Store) Get(taskID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.doc.Tasks[taskID]
	if !ok {
		return nil, wardenerrors.ErrTaskNotFound(taskID)
	}
	cp := *entry
	return &cp, nil
}

// SetPhase records a phase transition for a task.
func (s *Store) SetPhase(taskID, phase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.doc.Tasks[taskID]
	if !ok {
		return wardenerrors.ErrTaskNotFound(taskID)
	}
	if entry.CurrentPhase != phase {
		entry.Transitions = append(entry.Transitions, Transition{
			From: entry.CurrentPhase,
			To:   phase,
			At:   time.Now().UTC(),
		})
		entry.CurrentPhase = phase
	}
	return s.save()
}

// MarkCompleted adds a task to the completed set and publishes
// task.completed. Completion is idempotent and order-insensitive.
func (s *Store) MarkCompleted(taskID string) error {
	s.mu.Lock()

	entry, ok := s.doc.Tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return wardenerrors.ErrTaskNotFound(taskID)
	}
	if entry.CompletedAt == nil {
		now := time.Now().UTC()
		entry.CompletedAt = &now
	}
	if !contains(s.doc.Completed, taskID) {
		s.doc.Completed = append(s.doc.Completed, taskID)
		sort.Strings(s.doc.Completed)
	}
	err := s.save()
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(events.New(events.TopicTaskCompleted, taskID, nil))
	}
	return nil
}

// AddBlocker records a human-readable blocker message on the shared list.
func (s *Store) AddBlocker(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Blockers = append(s.doc.Blockers, message)
	return s.save()
}

// IsUnblocked reports whether every dependency of the task is completed.
func (s *Store) IsUnblocked(taskID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.doc.Tasks[taskID]
	if !ok {
		return false, wardenerrors.ErrTaskNotFound(taskID)
	}
	for _, dep := range entry.Dependencies {
		if !contains(s.doc.Completed, dep) {
			return false, nil
		}
	}
	return true, nil
}

// CompletedTasks returns the completed set, sorted.
func (s *Store) CompletedTasks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.doc.Completed))
	copy(out, s.doc.Completed)
	return out
}

// Snapshot returns the read-only coordination projection for a task:
// its dependencies, the subset of them already completed, its current
// phase, and the shared blocker list.
func (s *Store) Snapshot(taskID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.doc.Tasks[taskID]
	if !ok {
		return nil, wardenerrors.ErrTaskNotFound(taskID)
	}

	completed := make([]string, 0, len(entry.Dependencies))
	for _, dep := range entry.Dependencies {
		if contains(s.doc.Completed, dep) {
			completed = append(completed, dep)
		}
	}

	blockers := make([]string, len(s.doc.Blockers))
	copy(blockers, s.doc.Blockers)

	deps := make([]string, len(entry.Dependencies))
	copy(deps, entry.Dependencies)

	return &Snapshot{
		TaskDependencies: deps,
		CompletedTasks:   completed,
		CurrentPhase:     entry.CurrentPhase,
		Blockers:         blockers,
	}, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
