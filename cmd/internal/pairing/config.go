package pairing

import (
	"fmt"
	"time"
)

// Config holds the lifecycle budgets of the orchestrator and sweeper.
type Config struct {
	// ExpiryBudget bounds the lifetime of every session that did not connect.
	ExpiryBudget time.Duration
	// SweepInterval is the sweeper tick.
	SweepInterval time.Duration
	// CredentialWait bounds the time from Begin to the first credential.
	CredentialWait time.Duration
	// ConnectedGrace is how long a connected session stays visible before removal.
	ConnectedGrace time.Duration

	TerminateTimeout time.Duration
	NotifyTimeout    time.Duration

	Subject SubjectRules
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ExpiryBudget:     5 * time.Minute,
		SweepInterval:    60 * time.Second,
		CredentialWait:   120 * time.Second,
		ConnectedGrace:   5 * time.Second,
		TerminateTimeout: 10 * time.Second,
		NotifyTimeout:    10 * time.Second,
		Subject:          DefaultSubjectRules(),
	}
}

// Validate checks that every budget is positive and consistent.
func (c Config) Validate() error {
	const op = "pairing.Config.Validate"

	checks := []struct {
		name string
		d    time.Duration
	}{
		{"expiry budget", c.ExpiryBudget},
		{"sweep interval", c.SweepInterval},
		{"credential wait", c.CredentialWait},
		{"connected grace", c.ConnectedGrace},
		{"terminate timeout", c.TerminateTimeout},
		{"notify timeout", c.NotifyTimeout},
	}
	for _, ch := range checks {
		if ch.d <= 0 {
			return opErr(op, ErrConfig, ch.name+" must be > 0")
		}
	}
	if c.CredentialWait > c.ExpiryBudget {
		return opErr(op, ErrConfig, "credential wait must not exceed expiry budget")
	}
	if c.Subject.MinDigits <= 0 || c.Subject.MaxDigits < c.Subject.MinDigits {
		return opErr(op, ErrConfig, fmt.Sprintf("invalid subject digit bounds %d..%d", c.Subject.MinDigits, c.Subject.MaxDigits))
	}
	return nil
}
