package pairing

import (
	"errors"
	"fmt"
)

// Error kinds. Callers match them with errors.Is.
var (
	// ErrValidation reports malformed input (bad subject identifier, unknown mode).
	ErrValidation = errors.New("validation error")

	// ErrNotFound reports an unknown, expired or deleted session id.
	ErrNotFound = errors.New("session not found")

	// ErrExternalAuth reports a handshake failure raised by the auth adapter.
	ErrExternalAuth = errors.New("external auth error")

	// ErrTimeout reports that the credential did not arrive within the wait budget.
	ErrTimeout = errors.New("credential wait timeout")

	// ErrInternal reports a bookkeeping failure inside the coordinator.
	ErrInternal = errors.New("internal error")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// OpError is a typed operation error with a stable Op + Kind contract.
// Kind is one of the sentinel kinds above; Msg is human-readable context and
// must not contain the subject identifier.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

func opErr(op string, kind error, msg string) error {
	return OpError{Op: op, Kind: kind, Msg: msg}
}

// IsValidation reports whether err represents ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsExternalAuth reports whether err represents ErrExternalAuth.
func IsExternalAuth(err error) bool { return errors.Is(err, ErrExternalAuth) }

// IsTimeout reports whether err represents ErrTimeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// errorCode maps a failure kind to the stable code carried by error events.
func errorCode(kind error) string {
	switch {
	case IsTimeout(kind):
		return "timeout"
	case IsExternalAuth(kind):
		return "external_auth"
	case IsValidation(kind):
		return "validation_error"
	case IsNotFound(kind):
		return "not_found"
	default:
		return "internal"
	}
}
