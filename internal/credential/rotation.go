package credential

import (
	"fmt"
	"time"
)

// Credential is a client's two-slot secret with its rotation schedule.
// Slots hold digests (see Digest) or are empty. Values only ever move from
// Current to Previous to empty.
type Credential struct {
	Current     string
	Previous    string
	RotateEvery time.Duration
	LastRotated time.Time
}

// Rotate applies the scheduled rotation for now and reports whether the
// credential changed, so callers know whether to persist it.
//
// Past twice the interval both slots are revoked. Past one interval the
// current secret moves to the previous slot. Otherwise nothing happens, which
// makes repeated calls at the same instant idempotent.
func (c *Credential) Rotate(now time.Time) bool {
	switch {
	case now.After(c.LastRotated.Add(2 * c.RotateEvery)):
		c.Current = ""
		c.Previous = ""
		c.LastRotated = now
		return true
	case now.After(c.LastRotated.Add(c.RotateEvery)):
		c.Previous = c.Current
		c.Current = ""
		c.LastRotated = now
		return true
	default:
		return false
	}
}

// IssueNew places the digest of a freshly generated secret in the current
// slot and returns the plaintext. The plaintext is not retained anywhere.
func (c *Credential) IssueNew(now time.Time) (string, error) {
	secret, err := NewSecret()
	if err != nil {
		return "", err
	}
	c.Current = Digest(secret)
	c.LastRotated = now
	return secret, nil
}

// Shift moves the current secret into the previous slot, discarding the old
// previous secret.
func (c *Credential) Shift() {
	c.Previous = c.Current
	c.Current = ""
}

// Clear revokes both slots.
func (c *Credential) Clear() {
	c.Current = ""
	c.Previous = ""
}

// HasSecrets reports whether any slot can still authenticate.
func (c *Credential) HasSecrets() bool {
	return c.Current != "" || c.Previous != ""
}

// Action is an operator-initiated change to a credential.
type Action string

const (
	// ActionSet issues a new secret and drops any previous one.
	ActionSet Action = "set"
	// ActionRotate issues a new secret and keeps the old one as previous.
	ActionRotate Action = "rotate"
	// ActionRevoke clears both slots.
	ActionRevoke Action = "revoke"
)

// Apply runs the scheduled rotation for now and then action. For actions that
// issue a secret the plaintext is returned; otherwise it is empty.
func (c *Credential) Apply(action Action, now time.Time) (string, error) {
	c.Rotate(now)

	switch action {
	case ActionSet:
		secret, err := c.IssueNew(now)
		if err != nil {
			return "", err
		}
		c.Previous = ""
		return secret, nil
	case ActionRotate:
		c.Shift()
		return c.IssueNew(now)
	case ActionRevoke:
		c.Clear()
		return "", nil
	default:
		return "", fmt.Errorf("unknown credential action %q", action)
	}
}
