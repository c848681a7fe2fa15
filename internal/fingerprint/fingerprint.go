// Package fingerprint computes content digests of canonical page fragments.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
)

// Size is the length of a fingerprint in hex characters.
const Size = sha256.Size * 2

// Engine implements monitor.Fingerprinter using SHA-256.
type Engine struct{}

// New returns a SHA-256 fingerprint engine.
func New() *Engine {
	return &Engine{}
}

// Fingerprint returns the lowercase hex SHA-256 digest of the fragment's UTF-8 bytes.
func (Engine) Fingerprint(fragment string) string {
	sum := sha256.Sum256([]byte(fragment))
	return hex.EncodeToString(sum[:])
}

// Valid reports whether s looks like a fingerprint produced by Engine.
func Valid(s string) bool {
	if len(s) != Size {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
