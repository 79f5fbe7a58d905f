package secrets

import "fmt"

// UnsupportedSchemeError is returned for a scheme with no resolver.
type UnsupportedSchemeError struct {
	Scheme string
}

func (e *UnsupportedSchemeError) Error() string {
	return fmt.Sprintf("unsupported secret scheme %q (supported: op, ssm, awssm)", e.Scheme)
}

// InvalidReferenceError is returned for a malformed reference.
type InvalidReferenceError struct {
	Reference string
	Reason    string
}

func (e *InvalidReferenceError) Error() string {
	return fmt.Sprintf("invalid secret reference %q: %s", e.Reference, e.Reason)
}

// NotFoundError is returned when the backend has no value for a reference.
type NotFoundError struct {
	Reference string
	Backend   string
}

func (e *NotFoundError) Error() string {
	if e.Backend != "" {
		return fmt.Sprintf("secret not found in %s: %s", e.Backend, e.Reference)
	}
	return fmt.Sprintf("secret not found: %s", e.Reference)
}

// BackendError is any other backend failure. Fix, when set, tells the
// user what to do about it.
type BackendError struct {
	Backend   string
	Reference string
	Reason    string
	Fix       string
}

func (e *BackendError) Error() string {
	msg := e.Backend + ": " + e.Reason
	if e.Fix != "" {
		msg += "\n\n  " + e.Fix
	}
	return msg
}
