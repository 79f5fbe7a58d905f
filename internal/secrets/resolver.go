// Package secrets resolves client secret references such as
// op://CI/handtoken/secret against external secret stores, so CI jobs can
// call the signing server without keeping the secret in their environment.
package secrets

import (
	"context"
	"strings"
	"sync"
)

// Resolver fetches the plaintext behind a reference with one scheme.
type Resolver interface {
	Scheme() string
	Resolve(ctx context.Context, reference string) (string, error)
}

var (
	mu        sync.RWMutex
	resolvers = map[string]Resolver{}
)

// Register makes r available to Resolve. A later registration for the same
// scheme replaces the earlier one.
func Register(r Resolver) {
	mu.Lock()
	defer mu.Unlock()
	resolvers[r.Scheme()] = r
}

func lookup(scheme string) (Resolver, bool) {
	mu.RLock()
	defer mu.RUnlock()
	r, ok := resolvers[scheme]
	return r, ok
}

// IsReference reports whether s names a registered scheme. Plain secrets
// never contain "://", so callers can accept either form in one setting.
func IsReference(s string) bool {
	_, ok := lookup(scheme(s))
	return ok
}

// Resolve dispatches reference to the resolver registered for its scheme.
// Surrounding whitespace in the stored value is trimmed.
func Resolve(ctx context.Context, reference string) (string, error) {
	s := scheme(reference)
	if s == "" {
		return "", &InvalidReferenceError{Reference: reference, Reason: "missing scheme"}
	}
	r, ok := lookup(s)
	if !ok {
		return "", &UnsupportedSchemeError{Scheme: s}
	}
	v, err := r.Resolve(ctx, reference)
	if err != nil {
		return "", err
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", &NotFoundError{Reference: reference, Backend: s}
	}
	return v, nil
}

// scheme returns "op" for "op://vault/item".
func scheme(ref string) string {
	i := strings.Index(ref, "://")
	if i < 1 {
		return ""
	}
	return ref[:i]
}

// clearRegistry is for tests.
func clearRegistry() {
	mu.Lock()
	defer mu.Unlock()
	resolvers = map[string]Resolver{}
}
