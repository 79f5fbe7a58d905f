package credential

import (
	"strings"
	"testing"
	"time"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newCred(t *testing.T) (Credential, string) {
	t.Helper()
	c := Credential{RotateEvery: 48 * time.Hour, LastRotated: t0}
	secret, err := c.IssueNew(t0)
	if err != nil {
		t.Fatalf("IssueNew: %v", err)
	}
	return c, secret
}

func TestRotate(t *testing.T) {
	const eps = time.Nanosecond
	interval := 48 * time.Hour

	tests := []struct {
		name         string
		at           time.Time
		wantChanged  bool
		wantCurrent  bool
		wantPrevious bool
	}{
		{"before interval", t0.Add(interval - eps), false, true, false},
		{"exactly interval", t0.Add(interval), false, true, false},
		{"past interval", t0.Add(interval + eps), true, false, true},
		{"exactly double", t0.Add(2 * interval), true, false, true},
		{"past double", t0.Add(2*interval + eps), true, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newCred(t)
			current := c.Current

			changed := c.Rotate(tt.at)
			if changed != tt.wantChanged {
				t.Errorf("Rotate changed = %v, want %v", changed, tt.wantChanged)
			}
			if (c.Current != "") != tt.wantCurrent {
				t.Errorf("Current = %q, want populated=%v", c.Current, tt.wantCurrent)
			}
			if (c.Previous != "") != tt.wantPrevious {
				t.Errorf("Previous = %q, want populated=%v", c.Previous, tt.wantPrevious)
			}
			if tt.wantPrevious && c.Previous != current {
				t.Error("previous slot should hold the old current digest")
			}
			if changed && !c.LastRotated.Equal(tt.at) {
				t.Errorf("LastRotated = %v, want %v", c.LastRotated, tt.at)
			}
		})
	}
}

func TestRotateIdempotentAtSameInstant(t *testing.T) {
	c, _ := newCred(t)
	at := t0.Add(49 * time.Hour)

	if !c.Rotate(at) {
		t.Fatal("first Rotate should change the credential")
	}
	snapshot := c
	for i := 0; i < 3; i++ {
		if c.Rotate(at) {
			t.Fatal("repeated Rotate at the same instant should be a no-op")
		}
	}
	if c != snapshot {
		t.Errorf("credential changed: %+v -> %+v", snapshot, c)
	}
}

func TestRotateSlotsNeverMoveBackward(t *testing.T) {
	c, _ := newCred(t)
	first := c.Current

	c.Rotate(t0.Add(49 * time.Hour))
	if c.Previous != first || c.Current != "" {
		t.Fatalf("after one rotation: %+v", c)
	}
	c.Rotate(t0.Add(98 * time.Hour))
	if c.Previous != "" || c.Current != "" {
		t.Fatalf("after second rotation slots should be empty: %+v", c)
	}
}

func TestIssueNew(t *testing.T) {
	c := Credential{RotateEvery: time.Hour}
	secret, err := c.IssueNew(t0)
	if err != nil {
		t.Fatalf("IssueNew: %v", err)
	}
	if !strings.HasPrefix(secret, SecretPrefix) {
		t.Errorf("secret %q missing prefix", secret)
	}
	if c.Current != Digest(secret) {
		t.Error("current slot should hold the digest of the issued secret")
	}
	if strings.Contains(c.Current, secret) {
		t.Error("plaintext must not be stored")
	}
	if !c.LastRotated.Equal(t0) {
		t.Errorf("LastRotated = %v, want %v", c.LastRotated, t0)
	}
}

func TestApply(t *testing.T) {
	t.Run("set drops previous", func(t *testing.T) {
		c, _ := newCred(t)
		c.Previous = Digest("old")
		secret, err := c.Apply(ActionSet, t0.Add(time.Hour))
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if c.Current != Digest(secret) || c.Previous != "" {
			t.Errorf("unexpected slots %+v", c)
		}
	})

	t.Run("rotate keeps previous", func(t *testing.T) {
		c, _ := newCred(t)
		old := c.Current
		secret, err := c.Apply(ActionRotate, t0.Add(time.Hour))
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if c.Current != Digest(secret) || c.Previous != old {
			t.Errorf("unexpected slots %+v", c)
		}
	})

	t.Run("revoke", func(t *testing.T) {
		c, _ := newCred(t)
		secret, err := c.Apply(ActionRevoke, t0.Add(time.Hour))
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if secret != "" || c.HasSecrets() {
			t.Errorf("revoke left secrets: %+v", c)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		c, _ := newCred(t)
		if _, err := c.Apply(Action("bogus"), t0); err == nil {
			t.Error("expected error")
		}
	})
}
