package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(nil)

	var mu sync.Mutex
	var got []Event
	bus.Subscribe(TopicTaskClaimed, func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})

	bus.Publish(New(TopicTaskClaimed, "task-1", nil))
	bus.Publish(New(TopicToolExecuted, "task-1", nil))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, TopicTaskClaimed, got[0].Type)
}

func TestBus_WildcardSubscription(t *testing.T) {
	bus := NewBus(nil)

	count := 0
	bus.Subscribe(TopicAll, func(e Event) { count++ })

	bus.Publish(New(TopicGatePassed, "task-1", nil))
	bus.Publish(New(TopicGateBlocked, "task-1", nil))

	assert.Equal(t, 2, count)
}

func TestBus_PanickingHandlerIsIsolated(t *testing.T) {
	bus := NewBus(nil)

	bus.Subscribe(TopicTaskClaimed, func(e Event) { panic("boom") })

	ran := false
	bus.Subscribe(TopicTaskClaimed, func(e Event) { ran = true })

	assert.NotPanics(t, func() {
		bus.Publish(New(TopicTaskClaimed, "task-1", nil))
	})
	assert.True(t, ran, "second handler should run after the first panicked")
}

func TestBus_HistoryNewestFirst(t *testing.T) {
	bus := NewBus(nil)

	bus.Publish(New(TopicPhaseStarted, "task-1", PhaseData{Phase: "PLAN"}))
	bus.Publish(New(TopicPhaseCompleted, "task-1", PhaseData{Phase: "PLAN"}))
	bus.Publish(New(TopicPhaseStarted, "task-1", PhaseData{Phase: "TDD"}))

	all := bus.History("", 0)
	require.Len(t, all, 3)
	assert.Equal(t, TopicPhaseStarted, all[0].Type)
	assert.Equal(t, PhaseData{Phase: "TDD"}, all[0].Data)
	assert.Equal(t, TopicPhaseStarted, all[2].Type)
	assert.Equal(t, PhaseData{Phase: "PLAN"}, all[2].Data)

	started := bus.History(TopicPhaseStarted, 0)
	require.Len(t, started, 2)

	limited := bus.History("", 2)
	assert.Len(t, limited, 2)
}

func TestBus_HistoryIsBounded(t *testing.T) {
	bus := NewBus(nil, WithHistorySize(3))

	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: TopicToolExecuted, TaskID: "task-1", Time: time.Now()})
	}

	assert.Len(t, bus.History("", 0), 3)
}

func TestBus_SubscribeChan(t *testing.T) {
	bus := NewBus(nil)

	ch := bus.SubscribeChan()
	bus.Publish(New(TopicTaskCompleted, "task-1", nil))

	select {
	case evt := <-ch:
		assert.Equal(t, TopicTaskCompleted, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("expected event on stream channel")
	}

	bus.UnsubscribeChan(ch)
	_, open := <-ch
	assert.False(t, open, "channel should be closed after unsubscribe")
}

func TestBus_CloseClosesStreams(t *testing.T) {
	bus := NewBus(nil)
	ch := bus.SubscribeChan()

	bus.Close()
	_, open := <-ch
	assert.False(t, open)

	// Publish after close is a no-op.
	assert.NotPanics(t, func() {
		bus.Publish(New(TopicTaskClaimed, "task-1", nil))
	})
}
