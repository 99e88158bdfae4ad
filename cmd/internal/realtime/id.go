package realtime

import "github.com/google/uuid"

// NewSubscriberID returns a random id for one websocket connection.
func NewSubscriberID() string {
	return uuid.NewString()
}

// NewEnvelopeID returns a random id for a server envelope.
func NewEnvelopeID() string {
	return uuid.NewString()
}
