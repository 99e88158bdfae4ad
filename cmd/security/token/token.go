package token

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	// MinKeyBytes is the smallest accepted fingerprint key.
	MinKeyBytes = 32
	// MaxKeyBytes is the BLAKE2b key size limit.
	MaxKeyBytes = blake2b.Size

	fingerprintHexLen = 16
)

// Fingerprinter produces keyed digests of identifiers.
type Fingerprinter struct {
	key []byte
}

// NewFingerprinter builds a Fingerprinter from raw key material.
// An empty key yields a random per-process key.
func NewFingerprinter(raw string) (*Fingerprinter, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		key := make([]byte, MinKeyBytes)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		return &Fingerprinter{key: key}, nil
	}

	key := []byte(raw)
	if len(key) < MinKeyBytes {
		return nil, ErrKeyTooShort
	}
	if len(key) > MaxKeyBytes {
		return nil, ErrKeyTooLong
	}
	return &Fingerprinter{key: key}, nil
}

// Fingerprint returns a short keyed digest of s.
func (f *Fingerprinter) Fingerprint(s string) string {
	if f == nil {
		return ""
	}
	h, err := blake2b.New256(f.key)
	if err != nil {
		// Only reachable with an oversized key, which NewFingerprinter rejects.
		return ""
	}
	_, _ = h.Write([]byte(s))
	return hex.EncodeToString(h.Sum(nil))[:fingerprintHexLen]
}
