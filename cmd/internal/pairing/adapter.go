package pairing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"pairhub/cmd/identity/ids"
)

// AdapterEventKind classifies events emitted by an external handshake.
type AdapterEventKind string

const (
	// AdapterCredential carries the pairing code or QR payload.
	AdapterCredential AdapterEventKind = "credential"
	// AdapterConnected reports that the peer completed pairing.
	AdapterConnected AdapterEventKind = "connected"
	// AdapterClosed reports that the handshake ended without pairing.
	AdapterClosed AdapterEventKind = "closed"
)

// AdapterEvent is one callback from the external auth system.
type AdapterEvent struct {
	Kind       AdapterEventKind
	Credential string
	Peer       PeerInfo
	Reason     string
}

// BeginRequest describes the handshake to start.
type BeginRequest struct {
	SessionID     string
	Subject       string
	Mode          Mode
	CredentialDir string
}

// AuthAdapter starts external auth handshakes.
type AuthAdapter interface {
	Begin(ctx context.Context, req BeginRequest) (Handle, error)
}

// Handle is a running handshake.
//
// Events yields at most one AdapterCredential followed by exactly one of
// AdapterConnected or AdapterClosed, then is closed. Terminate must be safe to
// call more than once and after the stream has ended.
type Handle interface {
	Events() <-chan AdapterEvent
	Terminate(ctx context.Context) error
}

// CredentialStore owns per-session credential material on disk.
type CredentialStore interface {
	Prepare(sessionID string) (string, error)
	Remove(sessionID string) error
}

// DirStore keeps credential material under Root/<sessionID>.
// A zero Root disables the store.
type DirStore struct {
	Root string
}

var errBadSessionID = errors.New("pairing: session id is not a ULID")

// Prepare creates the session directory with owner-only permissions.
func (d DirStore) Prepare(sessionID string) (string, error) {
	if strings.TrimSpace(d.Root) == "" {
		return "", nil
	}
	if !ids.IsULID(sessionID) {
		return "", errBadSessionID
	}
	dir := filepath.Join(d.Root, sessionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// Remove deletes the session directory. Missing directories are not an error.
func (d DirStore) Remove(sessionID string) error {
	if strings.TrimSpace(d.Root) == "" {
		return nil
	}
	if !ids.IsULID(sessionID) {
		return errBadSessionID
	}
	return os.RemoveAll(filepath.Join(d.Root, sessionID))
}
