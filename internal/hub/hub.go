// Package hub provides in-memory fan-out of task events to subscribers.
//
// Publishers are engine worker goroutines; subscribers are SSE handlers.
// Publish never blocks: a subscriber whose channel is full loses that copy,
// other subscribers are unaffected. A subscriber that missed events
// reconciles against the store snapshot by deduplicating on event id.
// The hub carries no history; late subscribers obtain the past through the
// synthetic snapshot event emitted by the stream endpoint.
package hub

import (
	"sync"

	"github.com/codemate-dev/gateway/internal/domain"
)

// subscriberBuffer is the channel capacity per subscriber. A task emits a
// handful of events per step; a consumer that falls this far behind is
// dropped from rather than blocking the worker.
const subscriberBuffer = 64

// Subscription is a handle to one subscriber's event queue.
type Subscription struct {
	taskID string
	ch     chan domain.Event
}

// Events returns the receive side of the subscription queue.
func (s *Subscription) Events() <-chan domain.Event {
	return s.ch
}

// Hub is the per-task event fan-out registry.
type Hub struct {
	mu   sync.Mutex
	subs map[string][]*Subscription
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{subs: make(map[string][]*Subscription)}
}

// Subscribe registers a new subscriber for a task's events.
// Subscribing does not replay historical events.
func (h *Hub) Subscribe(taskID string) *Subscription {
	sub := &Subscription{taskID: taskID, ch: make(chan domain.Event, subscriberBuffer)}
	h.mu.Lock()
	h.subs[taskID] = append(h.subs[taskID], sub)
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscription. Idempotent. The queue channel is
// left open so a concurrent Publish holding a stale registry copy can never
// send on a closed channel; the channel is reclaimed once the handler drops
// its reference.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	arr := h.subs[sub.taskID]
	for i, existing := range arr {
		if existing == sub {
			arr = append(arr[:i], arr[i+1:]...)
			break
		}
	}
	if len(arr) == 0 {
		delete(h.subs, sub.taskID)
	} else {
		h.subs[sub.taskID] = arr
	}
	h.mu.Unlock()
}

// Publish delivers a best-effort copy of the event to every current
// subscriber for the task. The registry lock is released before delivery so
// a slow consumer cannot stall subscribe/unsubscribe.
func (h *Hub) Publish(event domain.Event) {
	h.mu.Lock()
	arr := make([]*Subscription, len(h.subs[event.TaskID]))
	copy(arr, h.subs[event.TaskID])
	h.mu.Unlock()

	for _, sub := range arr {
		select {
		case sub.ch <- event:
		default:
			// Subscriber is full; drop for this one only.
		}
	}
}

// SubscriberCount returns the number of active subscribers for a task.
func (h *Hub) SubscriberCount(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[taskID])
}
