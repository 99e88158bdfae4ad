// Package token provides keyed fingerprints for sensitive identifiers.
//
// Subject identifiers (phone numbers) must never appear in logs or the audit
// trail in clear. Callers record Fingerprint(subject) instead: a keyed
// BLAKE2b-256 digest, truncated to 16 hex chars, stable for a given key.
//
// Environment:
//   - PAIRHUB_FINGERPRINT_KEY: 32..64 byte key. When unset, a random key is
//     generated per process (fingerprints are then not comparable across restarts).
package token
