package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// secretValueGetter is the subset of the Secrets Manager client we use.
type secretValueGetter interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerResolver reads AWS Secrets Manager secrets with the SDK's
// default credential chain. References look like
// awssm://[region]/secret-id, optionally followed by #key to pick one field
// of a JSON secret.
type SecretsManagerResolver struct {
	// newClient defaults to a client built from the default AWS config.
	newClient func(ctx context.Context, region string) (secretValueGetter, error)
}

func (r *SecretsManagerResolver) Scheme() string { return "awssm" }

func defaultSecretsManagerClient(ctx context.Context, region string) (secretValueGetter, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &BackendError{
			Backend: "AWS Secrets Manager",
			Reason:  fmt.Sprintf("loading AWS config: %v", err),
			Fix:     "Configure credentials with aws configure, or set AWS_PROFILE.",
		}
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

func (r *SecretsManagerResolver) Resolve(ctx context.Context, reference string) (string, error) {
	region, id, key, err := parseSecretsManagerReference(reference)
	if err != nil {
		return "", err
	}
	newClient := r.newClient
	if newClient == nil {
		newClient = defaultSecretsManagerClient
	}
	client, err := newClient(ctx, region)
	if err != nil {
		return "", err
	}

	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return "", &NotFoundError{Reference: reference, Backend: "AWS Secrets Manager"}
		}
		return "", &BackendError{Backend: "AWS Secrets Manager", Reference: reference, Reason: err.Error()}
	}
	if out.SecretString == nil {
		return "", &BackendError{
			Backend:   "AWS Secrets Manager",
			Reference: reference,
			Reason:    "secret has no string value",
		}
	}
	if key == "" {
		return *out.SecretString, nil
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(*out.SecretString), &fields); err != nil {
		return "", &InvalidReferenceError{Reference: reference, Reason: "secret is not a JSON object, drop the #key suffix"}
	}
	v, ok := fields[key].(string)
	if !ok {
		return "", &NotFoundError{Reference: reference, Backend: "AWS Secrets Manager"}
	}
	return v, nil
}

// parseSecretsManagerReference splits awssm://[region]/secret-id[#key].
func parseSecretsManagerReference(ref string) (region, id, key string, err error) {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme != "awssm" {
		return "", "", "", &InvalidReferenceError{Reference: ref, Reason: "expected awssm://[region]/secret-id"}
	}
	id = strings.TrimPrefix(u.Path, "/")
	if id == "" {
		return "", "", "", &InvalidReferenceError{Reference: ref, Reason: "missing secret id"}
	}
	return u.Host, id, u.Fragment, nil
}

func init() {
	Register(&SecretsManagerResolver{})
}
