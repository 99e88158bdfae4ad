package realtime

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"pairhub/cmd/internal/pairing"
)

// Hub owns the per-session topics and implements pairing.Broadcaster.
// Publish is called under the session lock, so Hub never calls back into
// the orchestrator.
type Hub struct {
	log     *slog.Logger
	dropped prometheus.Counter

	mu     sync.RWMutex
	topics map[string]*Topic
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithDropCounter counts events dropped by slow subscribers.
func WithDropCounter(c prometheus.Counter) HubOption {
	return func(h *Hub) { h.dropped = c }
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, opts ...HubOption) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		log:    log,
		topics: make(map[string]*Topic),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewDropCounter returns the counter WithDropCounter expects, registered with reg.
func NewDropCounter(reg prometheus.Registerer) (prometheus.Counter, error) {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pairhub",
		Name:      "broadcast_dropped_total",
		Help:      "Events dropped because a subscriber queue was full.",
	})
	if reg != nil {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Subscribe adds sub to the topic, creating it on first use.
func (h *Hub) Subscribe(topic string, sub pairing.Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[topic]
	if !ok {
		t = NewTopic(h.log, topic)
		h.topics[topic] = t
	}
	t.Join(sub)
}

// Unsubscribe removes a subscriber. Empty topics are discarded.
func (h *Hub) Unsubscribe(topic, subscriberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[topic]
	if !ok {
		return
	}
	t.Leave(subscriberID)
	if t.Len() == 0 {
		delete(h.topics, topic)
	}
}

// Publish fans ev out to the topic. Unknown topics are ignored.
func (h *Hub) Publish(topic string, ev pairing.Event) {
	h.mu.RLock()
	t := h.topics[topic]
	h.mu.RUnlock()

	if t == nil {
		return
	}
	if n := t.Broadcast(ev); n > 0 {
		if h.dropped != nil {
			h.dropped.Add(float64(n))
		}
		h.log.Info("hub.publish.dropped", "session_id", topic, "type", ev.Kind, "dropped", n)
	}
}

// Drop discards the topic and tells members it is gone.
func (h *Hub) Drop(topic string) {
	h.mu.Lock()
	t, ok := h.topics[topic]
	delete(h.topics, topic)
	h.mu.Unlock()

	if !ok {
		return
	}
	for _, m := range t.drain() {
		if d, ok := m.(detacher); ok {
			d.Detach(topic)
		}
	}
}

// Count returns the number of subscribers of topic.
func (h *Hub) Count(topic string) int {
	h.mu.RLock()
	t := h.topics[topic]
	h.mu.RUnlock()
	return t.Len()
}

// detacher is implemented by subscribers that track their own topics.
type detacher interface {
	Detach(topic string)
}
