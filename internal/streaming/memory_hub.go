package streaming

import (
	"context"
	"sync"
)

// subscriptionBuffer is sized for an SSE client following one run: a full
// seven-step run emits well under this many events, so drops only happen
// when the consumer stalls outright.
const subscriptionBuffer = 64

// MemoryHub is the in-process Hub. It fans events out to subscriptions
// registered in the same process; cross-process followers use the event log.
type MemoryHub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*Subscription
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]*Subscription)}
}

// Publish delivers the event to every matching subscription without
// blocking. A subscription whose buffer is full has the event counted as
// dropped instead.
func (h *MemoryHub) Publish(ctx context.Context, event RunEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.filter.matches(event) {
			continue
		}
		select {
		case sub.events <- event:
		default:
			sub.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a new subscription. The caller must Close it when the
// consumer goes away; Close also closes the event channel.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	sub := &Subscription{
		events: make(chan RunEvent, subscriptionBuffer),
		filter: filter,
	}
	// Publish holds the read lock for the whole fan-out, so closing the
	// channel under the write lock cannot race a send.
	sub.detach = func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
		close(sub.events)
	}
	h.subs[id] = sub
	return sub, nil
}

// SubscriberCount reports the number of live subscriptions.
func (h *MemoryHub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
