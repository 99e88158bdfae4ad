package pairing

import "time"

// EventKind names a fan-out event. Values are the realtime wire types.
type EventKind string

const (
	EventSnapshot        EventKind = "snapshot"
	EventCredentialReady EventKind = "credential_ready"
	EventConnected       EventKind = "connected"
	EventSessionExpired  EventKind = "session_expired"
	EventError           EventKind = "error"
)

// Error codes carried by EventError besides the failure kinds.
const (
	CodeDeleted = "deleted"
)

// Event is a session state change delivered to subscribers.
type Event struct {
	Kind       EventKind
	SessionID  string
	Status     Status
	Mode       Mode
	Credential string
	Peer       PeerInfo
	Code       string
	Message    string
	At         time.Time
}

// Subscriber receives events for the topics it joined.
// Deliver must not block; it reports false when the event was dropped.
type Subscriber interface {
	SubscriberID() string
	Deliver(Event) bool
}

// Broadcaster fans events out to the subscribers of a topic. Topics are
// session ids.
type Broadcaster interface {
	Subscribe(topic string, sub Subscriber)
	Unsubscribe(topic, subscriberID string)
	Publish(topic string, ev Event)
	Drop(topic string)
	Count(topic string) int
}

type nopBroadcaster struct{}

func (nopBroadcaster) Subscribe(string, Subscriber) {}
func (nopBroadcaster) Unsubscribe(string, string)   {}
func (nopBroadcaster) Publish(string, Event)        {}
func (nopBroadcaster) Drop(string)                  {}
func (nopBroadcaster) Count(string) int             { return 0 }

func snapshotEvent(s Session, at time.Time) Event {
	ev := Event{
		Kind:      EventSnapshot,
		SessionID: s.ID,
		Status:    s.Status,
		Mode:      s.Mode,
		At:        at,
	}
	if s.Status == StatusCredentialReady {
		ev.Credential = s.Credential
	}
	if s.Status == StatusConnected {
		ev.Peer = s.Peer
	}
	if s.Status == StatusFailed || s.Status == StatusExpired {
		ev.Message = s.FailureReason
	}
	return ev
}
