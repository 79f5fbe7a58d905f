// Package id provides random identifiers for handtoken resources.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// TokenBytes is the amount of randomness in a rendezvous token.
const TokenBytes = 16

// Token returns an opaque random token of 2*TokenBytes lowercase hex characters.
// Tokens name rendezvous artifacts, so they must never contain path separators
// or start with a dot.
func Token() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// IsToken reports whether s has the shape of a value returned by Token.
func IsToken(s string) bool {
	if len(s) != 2*TokenBytes {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
