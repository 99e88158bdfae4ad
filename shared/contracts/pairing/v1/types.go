// Package v1 defines the pairhub realtime protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
//
// Names on the wire are snake_case. Clients that know the events by their
// camelCase names map them as follows:
//
//	credentialReady  -> credential_ready
//	sessionExpired   -> session_expired
//	sessionId        -> session_id
//	failureReason    -> reason
//
// The HTTP API keeps camelCase JSON fields (sessionId, subjectIdentifier).
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol clients must offer.
const Subprotocol = "pairhub.v1"

// Type constants (wire-stable).
const (
	// TypeJoin subscribes to a session's events (client -> server).
	TypeJoin = "join"
	// TypeJoined acknowledges a join (server -> client). It follows the snapshot.
	TypeJoined = "joined"
	// TypeLeave unsubscribes from a session (client -> server).
	TypeLeave = "leave"
	// TypeLeft acknowledges a leave (server -> client).
	TypeLeft = "left"

	// TypeSnapshot carries the session state at join time.
	TypeSnapshot = "snapshot"
	// TypeCredentialReady carries the pairing code or QR payload.
	TypeCredentialReady = "credential_ready"
	// TypeConnected reports a completed pairing.
	TypeConnected = "connected"
	// TypeSessionExpired reports eviction by the expiry sweeper.
	TypeSessionExpired = "session_expired"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Error codes carried by ErrorPayload.
const (
	CodeBadRequest    = "bad_request"
	CodeNotFound      = "not_found"
	CodeRateLimited   = "rate_limited"
	CodeTooManyTopics = "too_many_sessions"
	CodeTimeout       = "timeout"
	CodeExternalAuth  = "external_auth"
	CodeDeleted       = "deleted"
	CodeInternal      = "internal"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeJoin,
		TypeJoined,
		TypeLeave,
		TypeLeft,
		TypeSnapshot,
		TypeCredentialReady,
		TypeConnected,
		TypeSessionExpired,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// JoinPayload names the session to subscribe to.
type JoinPayload struct {
	SessionID string `json:"session_id"`
}

// LeavePayload names the session to unsubscribe from.
type LeavePayload struct {
	SessionID string `json:"session_id"`
}

// AckPayload acknowledges join and leave.
type AckPayload struct {
	SessionID string `json:"session_id"`
}

// Peer identifies the paired account.
type Peer struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// SnapshotPayload is the session state at join time.
type SnapshotPayload struct {
	SessionID  string `json:"session_id"`
	Status     string `json:"status"`
	Mode       string `json:"mode"`
	Credential string `json:"credential,omitempty"`
	Peer       *Peer  `json:"peer,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// CredentialReadyPayload carries the credential to display.
type CredentialReadyPayload struct {
	SessionID  string `json:"session_id"`
	Mode       string `json:"mode"`
	Credential string `json:"credential"`
}

// ConnectedPayload reports the paired peer.
type ConnectedPayload struct {
	SessionID string `json:"session_id"`
	Peer      Peer   `json:"peer"`
}

// SessionExpiredPayload reports eviction.
type SessionExpiredPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	SessionID string `json:"session_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}
