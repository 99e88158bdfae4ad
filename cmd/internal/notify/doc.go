// Package notify delivers out-of-band notices when a pairing session
// connects. Every notifier implements pairing.Notifier.
package notify
