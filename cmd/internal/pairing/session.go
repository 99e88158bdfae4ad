package pairing

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a pairing session.
type Status string

// Wire-stable status values.
const (
	StatusCreated            Status = "Created"
	StatusAwaitingCredential Status = "AwaitingCredential"
	StatusCredentialReady    Status = "CredentialReady"
	StatusConnected          Status = "Connected"
	StatusFailed             Status = "Failed"
	StatusExpired            Status = "Expired"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusConnected, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether s -> next is an edge of the state machine.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusCreated:
		return next == StatusAwaitingCredential || next == StatusExpired
	case StatusAwaitingCredential:
		return next == StatusCredentialReady || next == StatusFailed || next == StatusExpired
	case StatusCredentialReady:
		return next == StatusConnected || next == StatusFailed || next == StatusExpired
	default:
		return false
	}
}

// Mode selects the credential kind the adapter should produce.
type Mode string

const (
	// ModeCode asks for a short pairing code typed on the device.
	ModeCode Mode = "code"
	// ModeQR asks for a QR payload scanned by the device.
	ModeQR Mode = "qr"
)

// ParseMode normalizes a client-supplied mode. Empty means ModeCode.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(ModeCode):
		return ModeCode, nil
	case string(ModeQR):
		return ModeQR, nil
	default:
		return "", opErr("pairing.ParseMode", ErrValidation, "mode must be code or qr")
	}
}

// PeerInfo identifies the account that completed pairing.
type PeerInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Session is the registry record for one pairing attempt.
// It is a value type: the registry hands out copies.
type Session struct {
	ID            string
	Subject       string
	Mode          Mode
	Status        Status
	Credential    string
	Peer          PeerInfo
	FailureReason string
	CreatedAt     time.Time
	LastUpdate    time.Time
}

// Summary is the listing projection of a session. It never carries the
// credential or the external handle.
type Summary struct {
	ID         string
	Subject    string
	Mode       Mode
	Status     Status
	CreatedAt  time.Time
	LastUpdate time.Time
}

func (s Session) summary() Summary {
	return Summary{
		ID:         s.ID,
		Subject:    s.Subject,
		Mode:       s.Mode,
		Status:     s.Status,
		CreatedAt:  s.CreatedAt,
		LastUpdate: s.LastUpdate,
	}
}

// SubjectRules bounds the accepted subject identifier.
type SubjectRules struct {
	MinDigits int
	MaxDigits int
}

// DefaultSubjectRules accepts international phone numbers without the leading '+'.
func DefaultSubjectRules() SubjectRules {
	return SubjectRules{MinDigits: 9, MaxDigits: 15}
}

// NormalizeSubject canonicalizes a phone-like identifier: separators and a
// leading '+' are removed, and the result must be digits only within bounds.
func NormalizeSubject(raw string, rules SubjectRules) (string, error) {
	const op = "pairing.NormalizeSubject"

	if rules.MinDigits <= 0 || rules.MaxDigits < rules.MinDigits {
		rules = DefaultSubjectRules()
	}

	s := strings.TrimSpace(raw)
	if s == "" {
		return "", opErr(op, ErrValidation, "subject identifier is required")
	}

	var b strings.Builder
	b.Grow(len(s))
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.' || r == '\t':
		case r == '+' && i == 0:
		default:
			return "", opErr(op, ErrValidation, "subject identifier must contain digits only")
		}
	}

	out := b.String()
	if len(out) < rules.MinDigits || len(out) > rules.MaxDigits {
		return "", opErr(op, ErrValidation, "subject identifier has invalid length")
	}
	return out, nil
}
