package credential

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/majorcontext/handtoken/internal/log"
)

// ErrUnauthorized is returned for every failed authentication. It does not
// distinguish an unknown client from a wrong secret.
var ErrUnauthorized = errors.New("client not found or bad password")

// ErrUnknownClient is returned by a ClientStore when no active client has the
// requested name.
var ErrUnknownClient = errors.New("unknown client")

// Client is an API client and its credential.
type Client struct {
	ID         int64
	Name       string
	Credential Credential
}

// ClientStore loads and persists client credentials.
type ClientStore interface {
	// ActiveClient returns the active client called name, or ErrUnknownClient.
	ActiveClient(ctx context.Context, name string) (*Client, error)
	// SaveCredential persists a client's credential after rotation.
	SaveCredential(ctx context.Context, clientID int64, cred Credential) error
}

// placeholder stands in for empty slots and unknown clients. It is the digest
// of a secret nobody ever sees, so it cannot match.
var placeholder = sync.OnceValue(func() string {
	secret, err := NewSecret()
	if err != nil {
		panic(err)
	}
	return Digest(secret)
})

// Authenticator checks presented secrets against stored credentials.
type Authenticator struct {
	store ClientStore

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
	// Compare compares two digests in constant time. Defaults to
	// crypto/subtle; tests replace it to count comparisons.
	Compare func(a, b string) bool
}

// NewAuthenticator returns an Authenticator backed by store.
func NewAuthenticator(store ClientStore) *Authenticator {
	return &Authenticator{store: store}
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Authenticate returns the client called name if secret matches either of its
// slots. Rotation is applied lazily here: a client that has not been seen for
// a rotation interval rotates (or is revoked) on this call, and the change is
// persisted before comparing.
//
// The same two comparisons run whether or not the client exists and whether
// or not its slots are populated, so response timing does not reveal which
// client names are valid.
func (a *Authenticator) Authenticate(ctx context.Context, name, secret string) (*Client, error) {
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	compare := constantTimeEqual
	if a.Compare != nil {
		compare = a.Compare
	}

	client, err := a.store.ActiveClient(ctx, name)
	if err != nil && !errors.Is(err, ErrUnknownClient) {
		return nil, fmt.Errorf("looking up client: %w", err)
	}

	presented := Digest(secret)
	slot1, slot2 := placeholder(), placeholder()

	if client != nil {
		if client.Credential.Rotate(now()) {
			if err := a.store.SaveCredential(ctx, client.ID, client.Credential); err != nil {
				return nil, fmt.Errorf("saving rotated credential: %w", err)
			}
			log.Info("client credential rotated", "client", client.Name,
				"has_secrets", client.Credential.HasSecrets())
		}
		if client.Credential.Current != "" {
			slot1 = client.Credential.Current
		}
		if client.Credential.Previous != "" {
			slot2 = client.Credential.Previous
		}
	}

	match1 := compare(presented, slot1)
	match2 := compare(presented, slot2)

	if client == nil || !(match1 || match2) {
		return nil, ErrUnauthorized
	}
	return client, nil
}
