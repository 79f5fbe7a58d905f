package secrets

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
)

// OnePasswordResolver reads op://vault/item/field references with the op
// CLI. CI jobs authenticate it with OP_SERVICE_ACCOUNT_TOKEN.
type OnePasswordResolver struct{}

func (r *OnePasswordResolver) Scheme() string { return "op" }

func (r *OnePasswordResolver) Resolve(ctx context.Context, reference string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := exec.LookPath("op"); err != nil {
		return "", &BackendError{
			Backend: "1Password",
			Reason:  "op CLI not found in PATH",
			Fix:     "Install it from https://1password.com/downloads/command-line/ and run: op signin",
		}
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "op", "read", "--no-newline", reference)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", r.parseOpError(stderr.String(), reference)
	}
	return stdout.String(), nil
}

func (r *OnePasswordResolver) parseOpError(msg, reference string) error {
	switch {
	case strings.Contains(msg, "not signed in") || strings.Contains(msg, "not currently signed in"):
		return &BackendError{
			Backend:   "1Password",
			Reference: reference,
			Reason:    "not signed in",
			Fix:       "Run: eval $(op signin)\n  In CI, set OP_SERVICE_ACCOUNT_TOKEN.",
		}
	case strings.Contains(msg, "isn't an item") || strings.Contains(msg, "could not be found"):
		return &NotFoundError{Reference: reference, Backend: "1Password"}
	case strings.Contains(msg, "isn't a vault"):
		vault, _, _ := strings.Cut(strings.TrimPrefix(reference, "op://"), "/")
		return &BackendError{
			Backend:   "1Password",
			Reference: reference,
			Reason:    "vault not found or not accessible",
			Fix:       "Vault \"" + vault + "\" is not visible to this account. List vaults with: op vault list",
		}
	}
	return &BackendError{Backend: "1Password", Reference: reference, Reason: strings.TrimSpace(msg)}
}

func init() {
	Register(&OnePasswordResolver{})
}
