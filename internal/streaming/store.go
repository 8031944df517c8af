package streaming

import (
	"context"
	"time"

	"github.com/reportflow/reportflow/internal/store"
)

// PublishingStore decorates a store so every committed transition's events
// are also fanned out to live subscribers. Publication happens after the
// transaction commits; the hub never sees an event the log doesn't have.
type PublishingStore struct {
	store.Store
	hub Hub
}

// NewPublishingStore wraps the store with event publication through the hub.
func NewPublishingStore(s store.Store, hub Hub) *PublishingStore {
	return &PublishingStore{Store: s, hub: hub}
}

func (p *PublishingStore) ApplyTransition(ctx context.Context, runID string, tr store.Transition) error {
	if err := p.Store.ApplyTransition(ctx, runID, tr); err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, ev := range tr.Events {
		ts := ev.Timestamp
		if ts.IsZero() {
			ts = now
		}
		_ = p.hub.Publish(ctx, RunEvent{
			RunID:     runID,
			StepName:  ev.StepName,
			EventType: ev.Type,
			Payload:   ev.Payload,
			Timestamp: ts,
		})
	}
	return nil
}
