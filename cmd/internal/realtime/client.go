package realtime

import (
	"sync"

	"pairhub/cmd/internal/pairing"
	v1 "pairhub/shared/contracts/pairing/v1"
)

// Client represents one connected websocket viewer. It implements
// pairing.Subscriber for every session it joined.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent publishers.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
type Client struct {
	ID   string
	Send chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	topics map[string]struct{}
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(id string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ID:     id,
		Send:   make(chan v1.Envelope, sendQueueSize),
		done:   make(chan struct{}),
		topics: make(map[string]struct{}),
	}
}

// SubscriberID implements pairing.Subscriber.
func (c *Client) SubscriberID() string { return c.ID }

// Deliver implements pairing.Subscriber. It never blocks.
func (c *Client) Deliver(ev pairing.Event) bool {
	env, err := eventEnvelope(ev)
	if err != nil {
		return false
	}
	return c.enqueue(env)
}

// Detach forgets a topic the hub dropped.
func (c *Client) Detach(topic string) {
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()
}

func (c *Client) enqueue(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}

func (c *Client) track(topic string) (added bool, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.topics[topic]; ok {
		return false, len(c.topics)
	}
	c.topics[topic] = struct{}{}
	return true, len(c.topics)
}

func (c *Client) joined(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

func (c *Client) topicCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.topics)
}

func (c *Client) untrack(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.topics[topic]
	delete(c.topics, topic)
	return ok
}

func (c *Client) joinedTopics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep publishing safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
