package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/internal/events"
	wardenerrors "github.com/wardenlabs/warden/internal/errors"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".warden", "state.json")
	store, err := NewStore(path, nil, nil)
	require.NoError(t, err)
	return store, path
}

func TestStore_RegisterAndGet(t *testing.T) {
	store, _ := newTestStore(t)

	entry, err := store.Register("task-A", "agent-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "task-A", entry.TaskID)
	assert.False(t, entry.ClaimedAt.IsZero())

	got, err := store.Get("task-A")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", got.AgentID)

	_, err = store.Get("task-Z")
	require.Error(t, err)
	wErr := wardenerrors.AsWardenError(err)
	require.NotNil(t, wErr)
	assert.Equal(t, wardenerrors.CodeTaskNotFound, wErr.Code)
}

func TestStore_DependencyBlocking(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Register("task-A", "a1", nil)
	require.NoError(t, err)
	_, err = store.Register("task-B", "a2", []string{"task-A"})
	require.NoError(t, err)

	unblocked, err := store.IsUnblocked("task-B")
	require.NoError(t, err)
	assert.False(t, unblocked)

	require.NoError(t, store.MarkCompleted("task-A"))

	unblocked, err = store.IsUnblocked("task-B")
	require.NoError(t, err)
	assert.True(t, unblocked)

	snap, err := store.Snapshot("task-B")
	require.NoError(t, err)
	assert.Equal(t, []string{"task-A"}, snap.TaskDependencies)
	assert.Equal(t, []string{"task-A"}, snap.CompletedTasks)
}

func TestStore_MarkCompletedPublishesEvent(t *testing.T) {
	bus := events.NewBus(nil)
	path := filepath.Join(t.TempDir(), "state.json")
	store, err := NewStore(path, bus, nil)
	require.NoError(t, err)

	var got []events.Event
	bus.Subscribe(events.TopicTaskCompleted, func(e events.Event) {
		got = append(got, e)
	})

	_, err = store.Register("task-A", "a1", nil)
	require.NoError(t, err)
	require.NoError(t, store.MarkCompleted("task-A"))

	require.Len(t, got, 1)
	assert.Equal(t, "task-A", got[0].TaskID)

	// Idempotent: completing again keeps the set a set.
	require.NoError(t, store.MarkCompleted("task-A"))
	assert.Equal(t, []string{"task-A"}, store.CompletedTasks())
}

func TestStore_PersistsAcrossReload(t *testing.T) {
	store, path := newTestStore(t)

	_, err := store.Register("task-A", "a1", []string{"task-X"})
	require.NoError(t, err)
	require.NoError(t, store.SetPhase("task-A", "PLAN"))
	require.NoError(t, store.SetPhase("task-A", "TDD"))
	require.NoError(t, store.AddBlocker("waiting on credentials"))

	reloaded, err := NewStore(path, nil, nil)
	require.NoError(t, err)

	entry, err := reloaded.Get("task-A")
	require.NoError(t, err)
	assert.Equal(t, "TDD", entry.CurrentPhase)
	require.Len(t, entry.Transitions, 2)
	assert.Equal(t, "PLAN", entry.Transitions[1].From)

	snap, err := reloaded.Snapshot("task-A")
	require.NoError(t, err)
	assert.Equal(t, []string{"waiting on credentials"}, snap.Blockers)
}

func TestStore_SetPhaseUnknownTask(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.SetPhase("ghost", "PLAN")
	assert.Error(t, err)
}

func TestStore_ReRegisterResetsCompletion(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Register("task-A", "a1", nil)
	require.NoError(t, err)
	_, err = store.Register("task-B", "a2", []string{"task-A"})
	require.NoError(t, err)
	require.NoError(t, store.MarkCompleted("task-A"))

	// Claiming the same task id again starts it over; dependents must
	// wait for the new incarnation to complete.
	_, err = store.Register("task-A", "a3", nil)
	require.NoError(t, err)

	assert.NotContains(t, store.CompletedTasks(), "task-A")
	unblocked, err := store.IsUnblocked("task-B")
	require.NoError(t, err)
	assert.False(t, unblocked)
}
