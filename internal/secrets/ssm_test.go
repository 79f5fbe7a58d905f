package secrets

import (
	"errors"
	"strings"
	"testing"
)

func TestParseSSMReference(t *testing.T) {
	tests := []struct {
		ref        string
		wantRegion string
		wantName   string
		wantErr    bool
	}{
		{ref: "ssm:///handtoken/ci-secret", wantName: "/handtoken/ci-secret"},
		{ref: "ssm://eu-west-1/handtoken/ci-secret", wantRegion: "eu-west-1", wantName: "/handtoken/ci-secret"},
		{ref: "ssm://eu-west-1", wantErr: true},
		{ref: "ssm://", wantErr: true},
		{ref: "op://ci/secret", wantErr: true},
	}
	for _, tt := range tests {
		region, name, err := parseSSMReference(tt.ref)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseSSMReference(%q): expected error", tt.ref)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseSSMReference(%q): %v", tt.ref, err)
			continue
		}
		if region != tt.wantRegion || name != tt.wantName {
			t.Errorf("parseSSMReference(%q) = %q, %q", tt.ref, region, name)
		}
	}
}

func TestSSMErrors(t *testing.T) {
	r := &SSMResolver{}
	ref := "ssm:///handtoken/ci"

	err := r.parseAWSError("An error occurred (ParameterNotFound) when calling the GetParameter operation", ref, "/handtoken/ci")
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.Backend != "AWS SSM" {
		t.Errorf("not found: err = %#v", err)
	}

	tests := []struct {
		stderr, reason, fix string
	}{
		{"An error occurred (AccessDeniedException)", "access denied", "ssm:GetParameter on /handtoken/ci"},
		{"An error occurred (ExpiredTokenException)", "credentials expired", "aws sso login"},
		{"Unable to locate credentials.", "no AWS credentials", "aws configure"},
		{"Could not connect to the endpoint URL", "could not connect", "region"},
	}
	for _, tt := range tests {
		var be *BackendError
		if err := r.parseAWSError(tt.stderr, ref, "/handtoken/ci"); !errors.As(err, &be) {
			t.Errorf("%s: err = %T, want BackendError", tt.stderr, err)
			continue
		}
		if !strings.Contains(be.Reason, tt.reason) || !strings.Contains(be.Fix, tt.fix) {
			t.Errorf("%s: got reason %q fix %q", tt.stderr, be.Reason, be.Fix)
		}
	}
}
