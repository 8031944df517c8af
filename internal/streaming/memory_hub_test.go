package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reportflow/reportflow/internal/store"
	"github.com/reportflow/reportflow/pkg/schema"
)

func recv(t *testing.T, sub *Subscription) RunEvent {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return RunEvent{}
	}
}

func TestMemoryHubDelivers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	sub, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "run-1", EventType: "run_started"}))

	ev := recv(t, sub)
	assert.Equal(t, "run-1", ev.RunID)
	assert.Equal(t, "run_started", ev.EventType)
}

func TestMemoryHubFiltersByRun(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	sub, err := hub.Subscribe(ctx, EventFilter{RunID: "run-2"})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "run-1", EventType: "run_started"}))
	require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "run-2", EventType: "run_started"}))

	ev := recv(t, sub)
	assert.Equal(t, "run-2", ev.RunID)
	select {
	case extra := <-sub.Events():
		t.Fatalf("unexpected extra event: %+v", extra)
	default:
	}
}

func TestMemoryHubFiltersByEventType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	sub, err := hub.Subscribe(ctx, EventFilter{EventTypes: []string{"run_completed", "run_failed"}})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "run-1", EventType: "step_started"}))
	require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "run-1", EventType: "run_completed"}))

	ev := recv(t, sub)
	assert.Equal(t, "run_completed", ev.EventType)
}

func TestMemoryHubCountsDropsWhenSubscriberFull(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	sub, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer sub.Close()

	// Publish must never block, even past the channel buffer; the overflow
	// shows up on the drop counter.
	for i := 0; i < subscriptionBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "run-1", EventType: "step_started"}))
	}
	assert.Len(t, sub.Events(), subscriptionBuffer)
	assert.Equal(t, uint64(10), sub.Dropped())
}

func TestMemoryHubDropsOnlyCountMatchingEvents(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	sub, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < subscriptionBuffer+5; i++ {
		require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "run-1", EventType: "step_started"}))
		require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "run-other", EventType: "step_started"}))
	}
	assert.Equal(t, uint64(5), sub.Dropped(), "filtered-out events are not drops")
}

func TestMemoryHubCloseStopsDelivery(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	sub, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	sub.Close()
	sub.Close() // idempotent

	assert.Zero(t, hub.SubscriberCount())
	require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "run-1", EventType: "run_started"}))

	// The channel is closed, not just detached.
	_, ok := <-sub.Events()
	assert.False(t, ok)
}

type transitionStore struct {
	store.Store
	applied []store.Transition
	err     error
}

func (s *transitionStore) ApplyTransition(_ context.Context, _ string, tr store.Transition) error {
	if s.err != nil {
		return s.err
	}
	s.applied = append(s.applied, tr)
	return nil
}

func TestPublishingStoreForwardsEvents(t *testing.T) {
	hub := NewMemoryHub()
	inner := &transitionStore{}
	ps := NewPublishingStore(inner, hub)
	ctx := context.Background()

	sub, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	defer sub.Close()

	tr := store.Transition{Events: []store.Event{
		{RunID: "run-1", Type: "step_started", StepName: schema.StepFetchData},
		{RunID: "run-1", Type: "step_completed", StepName: schema.StepFetchData},
	}}
	require.NoError(t, ps.ApplyTransition(ctx, "run-1", tr))
	require.Len(t, inner.applied, 1)

	first := recv(t, sub)
	assert.Equal(t, "step_started", first.EventType)
	assert.Equal(t, schema.StepFetchData, first.StepName)
	assert.False(t, first.Timestamp.IsZero())

	second := recv(t, sub)
	assert.Equal(t, "step_completed", second.EventType)
}

func TestPublishingStoreSkipsOnFailure(t *testing.T) {
	hub := NewMemoryHub()
	inner := &transitionStore{err: schema.NewError(schema.ErrCodeConflict, "run is terminal")}
	ps := NewPublishingStore(inner, hub)
	ctx := context.Background()

	sub, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer sub.Close()

	err = ps.ApplyTransition(ctx, "run-1", store.Transition{Events: []store.Event{
		{RunID: "run-1", Type: "run_cancelled"},
	}})
	require.Error(t, err)
	assert.Empty(t, sub.Events())
}
