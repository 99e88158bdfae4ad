package realtime

import (
	"log/slog"
	"sync"

	"pairhub/cmd/internal/pairing"
)

// Topic is the in-memory subscriber set of one pairing session.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (subscribers drop under backpressure).
type Topic struct {
	log *slog.Logger
	ID  string

	mu      sync.RWMutex
	members map[string]pairing.Subscriber
}

// NewTopic constructs a topic.
func NewTopic(log *slog.Logger, id string) *Topic {
	return &Topic{
		log:     log,
		ID:      id,
		members: make(map[string]pairing.Subscriber),
	}
}

// Join adds a subscriber. Joining twice replaces the previous entry.
func (t *Topic) Join(sub pairing.Subscriber) {
	if t == nil || sub == nil || sub.SubscriberID() == "" {
		return
	}

	t.mu.Lock()
	t.members[sub.SubscriberID()] = sub
	t.mu.Unlock()

	t.log.Debug("topic.member.join", "session_id", t.ID, "subscriber_id", sub.SubscriberID())
}

// Leave removes a subscriber and reports whether it was present.
func (t *Topic) Leave(subscriberID string) bool {
	if t == nil || subscriberID == "" {
		return false
	}

	t.mu.Lock()
	_, ok := t.members[subscriberID]
	delete(t.members, subscriberID)
	t.mu.Unlock()

	if ok {
		t.log.Debug("topic.member.leave", "session_id", t.ID, "subscriber_id", subscriberID)
	}
	return ok
}

// Broadcast delivers ev to every member and returns how many dropped it.
func (t *Topic) Broadcast(ev pairing.Event) int {
	if t == nil {
		return 0
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	dropped := 0
	for _, m := range t.members {
		if !m.Deliver(ev) {
			dropped++
		}
	}
	return dropped
}

// Len returns the number of members.
func (t *Topic) Len() int {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}

// drain removes every member and returns them.
func (t *Topic) drain() []pairing.Subscriber {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]pairing.Subscriber, 0, len(t.members))
	for id, m := range t.members {
		out = append(out, m)
		delete(t.members, id)
	}
	return out
}
