package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

type fakeSecretsManager struct {
	region  string
	secrets map[string]string
}

func (f *fakeSecretsManager) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	v, ok := f.secrets[aws.ToString(in.SecretId)]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("not found")}
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

func newFakeResolver(fake *fakeSecretsManager) *SecretsManagerResolver {
	return &SecretsManagerResolver{
		newClient: func(_ context.Context, region string) (secretValueGetter, error) {
			fake.region = region
			return fake, nil
		},
	}
}

func TestSecretsManagerResolve(t *testing.T) {
	fake := &fakeSecretsManager{secrets: map[string]string{
		"ci/handtoken": "htkey,plain",
		"ci/all":       `{"handtoken":"htkey,json","other":1}`,
	}}
	r := newFakeResolver(fake)
	ctx := context.Background()

	got, err := r.Resolve(ctx, "awssm://eu-west-1/ci/handtoken")
	if err != nil {
		t.Fatal(err)
	}
	if got != "htkey,plain" || fake.region != "eu-west-1" {
		t.Errorf("got %q from region %q", got, fake.region)
	}

	got, err = r.Resolve(ctx, "awssm:///ci/all#handtoken")
	if err != nil {
		t.Fatal(err)
	}
	if got != "htkey,json" || fake.region != "" {
		t.Errorf("got %q from region %q", got, fake.region)
	}

	var nf *NotFoundError
	if _, err := r.Resolve(ctx, "awssm:///ci/all#other"); !errors.As(err, &nf) {
		t.Errorf("non-string key: err = %v, want NotFoundError", err)
	}
	if _, err := r.Resolve(ctx, "awssm:///ci/missing"); !errors.As(err, &nf) {
		t.Errorf("missing secret: err = %v, want NotFoundError", err)
	}
	var invalid *InvalidReferenceError
	if _, err := r.Resolve(ctx, "awssm:///ci/handtoken#key"); !errors.As(err, &invalid) {
		t.Errorf("key on plain secret: err = %v, want InvalidReferenceError", err)
	}
	if _, err := r.Resolve(ctx, "awssm://eu-west-1"); !errors.As(err, &invalid) {
		t.Errorf("no id: err = %v, want InvalidReferenceError", err)
	}
}
