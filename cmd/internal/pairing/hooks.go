package pairing

import (
	"context"
	"time"
)

// ConnectedNotice is handed to the Notifier when a session pairs.
type ConnectedNotice struct {
	SessionID string
	Subject   string
	Peer      PeerInfo
	At        time.Time
}

// Notifier delivers out-of-band notices. Failures are logged and never
// affect the session.
type Notifier interface {
	NotifyConnected(ctx context.Context, n ConnectedNotice) error
}

// Transition is the audit record of one status change. It carries a subject
// fingerprint, never the subject itself.
type Transition struct {
	SessionID string
	SubjectFP string
	Mode      Mode
	From      Status
	To        Status
	Reason    string
	At        time.Time
}

// Recorder persists transitions. Record must not block.
type Recorder interface {
	Record(t Transition)
}

type nopNotifier struct{}

func (nopNotifier) NotifyConnected(context.Context, ConnectedNotice) error { return nil }

type nopRecorder struct{}

func (nopRecorder) Record(Transition) {}
