// Package license holds the key canonicalization and digest rules shared by
// the registry, the activation ledger, and the transport layer.
package license

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// NormalizeKey canonicalizes a raw license key: trims whitespace, upper-cases,
// and strips every character outside A-Z, 0-9 and hyphen. Returns the empty
// string for input that normalizes to nothing.
func NormalizeKey(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// HashKey returns the hex-encoded SHA-256 digest of a normalized key. The raw
// key is never persisted or logged; every table and event references this
// digest instead.
func HashKey(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
