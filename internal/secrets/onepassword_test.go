package secrets

import (
	"errors"
	"strings"
	"testing"
)

func TestOnePasswordErrors(t *testing.T) {
	r := &OnePasswordResolver{}
	ref := "op://CI/handtoken/secret"

	err := r.parseOpError("[ERROR] 2026/01/15 10:00:00 You are not currently signed in", ref)
	var be *BackendError
	if !errors.As(err, &be) || !strings.Contains(be.Fix, "OP_SERVICE_ACCOUNT_TOKEN") {
		t.Errorf("not signed in: err = %#v", err)
	}

	err = r.parseOpError(`[ERROR] "handtoken" isn't an item`, ref)
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("missing item: err = %T, want NotFoundError", err)
	}

	err = r.parseOpError(`[ERROR] "CI" isn't a vault`, ref)
	if !errors.As(err, &be) || !strings.Contains(be.Fix, `"CI"`) {
		t.Errorf("missing vault: err = %#v", err)
	}

	err = r.parseOpError("something else broke\n", ref)
	if !errors.As(err, &be) || be.Reason != "something else broke" {
		t.Errorf("generic: err = %#v", err)
	}
}
