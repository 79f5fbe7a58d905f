package secrets

import (
	"bytes"
	"context"
	"net/url"
	"os/exec"
	"strings"
)

// SSMResolver reads SecureString parameters from AWS Systems Manager
// Parameter Store with the aws CLI. References look like
// ssm:///handtoken/ci-secret or ssm://eu-west-1/handtoken/ci-secret.
type SSMResolver struct{}

func (r *SSMResolver) Scheme() string { return "ssm" }

func (r *SSMResolver) Resolve(ctx context.Context, reference string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := exec.LookPath("aws"); err != nil {
		return "", &BackendError{
			Backend: "AWS SSM",
			Reason:  "aws CLI not found in PATH",
			Fix:     "Install it from https://aws.amazon.com/cli/ or use an awssm:// reference instead.",
		}
	}
	region, name, err := parseSSMReference(reference)
	if err != nil {
		return "", err
	}

	args := []string{"ssm", "get-parameter", "--name", name, "--with-decryption",
		"--query", "Parameter.Value", "--output", "text"}
	if region != "" {
		args = append(args, "--region", region)
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "aws", args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", r.parseAWSError(stderr.String(), reference, name)
	}
	return stdout.String(), nil
}

// parseSSMReference splits ssm://[region]/path. The region is empty when
// the reference has no host.
func parseSSMReference(ref string) (region, name string, err error) {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme != "ssm" {
		return "", "", &InvalidReferenceError{Reference: ref, Reason: "expected ssm://[region]/parameter"}
	}
	if !strings.HasPrefix(u.Path, "/") || len(u.Path) < 2 {
		return "", "", &InvalidReferenceError{Reference: ref, Reason: "parameter path must start with /"}
	}
	return u.Host, u.Path, nil
}

func (r *SSMResolver) parseAWSError(msg, reference, name string) error {
	backend := func(reason, fix string) error {
		return &BackendError{Backend: "AWS SSM", Reference: reference, Reason: reason, Fix: fix}
	}
	switch {
	case strings.Contains(msg, "ParameterNotFound"):
		return &NotFoundError{Reference: reference, Backend: "AWS SSM"}
	case strings.Contains(msg, "AccessDeniedException"):
		return backend("access denied", "Check IAM permissions for ssm:GetParameter on "+name)
	case strings.Contains(msg, "ExpiredToken"):
		return backend("AWS credentials expired", "Run: aws sso login")
	case strings.Contains(msg, "Unable to locate credentials"):
		return backend("no AWS credentials found", "Run: aws configure, or set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY")
	case strings.Contains(msg, "Could not connect to the endpoint URL"):
		return backend("could not connect to AWS endpoint", "Check the region and network connectivity.")
	}
	return backend(strings.TrimSpace(msg), "")
}

func init() {
	Register(&SSMResolver{})
}
