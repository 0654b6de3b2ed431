// Package idgen provides cryptographically random identifiers and bearer tokens.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// TokenPrefix marks verification tokens so they are recognisable in support
// tooling without revealing anything about their value.
const TokenPrefix = "vt_"

// tokenBytes is the entropy of a verification token (256 bits).
const tokenBytes = 32

// Token generates an unguessable verification token.
func Token() string {
	return TokenPrefix + Hex(tokenBytes)
}

// IsToken reports whether s has the shape of a token produced by Token.
func IsToken(s string) bool {
	if len(s) != len(TokenPrefix)+2*tokenBytes || s[:len(TokenPrefix)] != TokenPrefix {
		return false
	}
	_, err := hex.DecodeString(s[len(TokenPrefix):])
	return err == nil
}

// WithPrefix generates a random ID with a prefix (e.g. "req_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
