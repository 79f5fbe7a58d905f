// Package credential implements rotating client secrets and the constant-time
// authenticator that checks them.
//
// A client holds two secret slots. Secrets are only ever stored as SHA-256
// digests; the plaintext is returned once to whoever issued it.
package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// SecretPrefix marks handtoken secrets so secret scanners such as gitleaks
// can recognise them when they leak into repositories.
const SecretPrefix = "htkey,"

// secretBytes is the entropy of a generated secret.
const secretBytes = 20

// NewSecret returns a fresh high-entropy bearer secret.
func NewSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return SecretPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// Digest returns the stored form of a secret: hex encoded SHA-256.
func Digest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
