// Package streaming fans run transition events out to live subscribers.
// It mirrors the durable event log: every event published here is already
// committed to the store, so a client can catch up from GET /runs/:id/events
// and then follow the stream without gaps.
package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reportflow/reportflow/pkg/schema"
)

// RunEvent is a real-time copy of one event-log entry.
type RunEvent struct {
	RunID     string          `json:"run_id"`
	StepName  schema.StepName `json:"step_name,omitempty"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventFilter restricts a subscription. Zero values match everything.
type EventFilter struct {
	RunID      string
	EventTypes []string
}

func (f EventFilter) matches(e RunEvent) bool {
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if t == e.EventType {
			return true
		}
	}
	return false
}

// Subscription is one live event stream. Slow consumers never block
// publishers: events that do not fit the subscription's buffer are counted
// as dropped, and the consumer re-syncs from the durable log.
type Subscription struct {
	events  chan RunEvent
	filter  EventFilter
	dropped atomic.Uint64

	once   sync.Once
	detach func()
}

// Events is the subscription's delivery channel. It is closed by Close.
func (s *Subscription) Events() <-chan RunEvent { return s.events }

// Dropped reports how many matching events were discarded because the
// buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close detaches the subscription and closes its channel. Idempotent.
func (s *Subscription) Close() { s.once.Do(s.detach) }

// Hub delivers run events to subscribers. Publish never blocks on slow
// consumers; the caller owns the returned subscription and must Close it.
type Hub interface {
	Publish(ctx context.Context, event RunEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (*Subscription, error)
}
