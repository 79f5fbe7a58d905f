package secrets

import (
	"context"
	"errors"
	"testing"
)

type mapResolver struct {
	scheme string
	values map[string]string
}

func (m *mapResolver) Scheme() string { return m.scheme }

func (m *mapResolver) Resolve(_ context.Context, ref string) (string, error) {
	if v, ok := m.values[ref]; ok {
		return v, nil
	}
	return "", &NotFoundError{Reference: ref}
}

// withTestRegistry swaps in an empty registry for fn and restores the
// built-in resolvers afterwards.
func withTestRegistry(t *testing.T, fn func()) {
	t.Helper()
	mu.Lock()
	saved := resolvers
	mu.Unlock()
	clearRegistry()
	defer func() {
		mu.Lock()
		resolvers = saved
		mu.Unlock()
	}()
	fn()
}

func TestResolveDispatchesByScheme(t *testing.T) {
	withTestRegistry(t, func() {
		Register(&mapResolver{scheme: "mock", values: map[string]string{
			"mock://ci/handtoken": "  htkey,secret\n",
		}})

		got, err := Resolve(context.Background(), "mock://ci/handtoken")
		if err != nil {
			t.Fatal(err)
		}
		if got != "htkey,secret" {
			t.Errorf("Resolve = %q, want trimmed secret", got)
		}
	})
}

func TestResolveEmptyValue(t *testing.T) {
	withTestRegistry(t, func() {
		Register(&mapResolver{scheme: "mock", values: map[string]string{"mock://blank": " "}})

		_, err := Resolve(context.Background(), "mock://blank")
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			t.Errorf("err = %v, want NotFoundError", err)
		}
	})
}

func TestResolveErrors(t *testing.T) {
	withTestRegistry(t, func() {
		_, err := Resolve(context.Background(), "vault://ci/handtoken")
		var unsupported *UnsupportedSchemeError
		if !errors.As(err, &unsupported) || unsupported.Scheme != "vault" {
			t.Errorf("err = %v, want UnsupportedSchemeError for vault", err)
		}

		_, err = Resolve(context.Background(), "htkey,plain")
		var invalid *InvalidReferenceError
		if !errors.As(err, &invalid) {
			t.Errorf("err = %v, want InvalidReferenceError", err)
		}
	})
}

func TestIsReference(t *testing.T) {
	tests := map[string]bool{
		"op://CI/handtoken/secret": true,
		"ssm:///handtoken/ci":      true,
		"awssm://eu-west-1/ci":     true,
		"htkey,abcdef":             false,
		"https://sign.example.com": false,
		"":                         false,
	}
	for in, want := range tests {
		if got := IsReference(in); got != want {
			t.Errorf("IsReference(%q) = %v, want %v", in, got, want)
		}
	}
}
