package catalog

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/majorcontext/handtoken/internal/store"
)

const (
	// TestProfile and TestClient are created by SetupTest.
	TestProfile = "test-signing"
	TestClient  = "test"

	testRotateEvery = 48 * time.Hour
	testValidity    = 3653*24*time.Hour - time.Second
)

// testKeyBits is lowered by tests.
var testKeyBits = 4096

// TestStore is the subset of the store SetupTest needs.
type TestStore interface {
	Client(ctx context.Context, name string) (*store.Client, error)
	CreateClient(ctx context.Context, name string, rotateEvery time.Duration) (*store.Client, string, error)
	Certificate(ctx context.Context, name string) (*store.Certificate, error)
	UpsertCertificate(ctx context.Context, cert *store.Certificate) error
	AddToProfile(ctx context.Context, p store.ProfileSpec) error
}

// TestSetup reports what SetupTest created.
type TestSetup struct {
	// ClientSecret is set only when the test client was created.
	ClientSecret string
	Certificate  *store.Certificate
	// NewCertificate is true when a certificate was generated.
	NewCertificate bool
}

// SetupTest creates the test signing profile, a test client with access to
// it and a self-signed code-signing certificate under dir. Existing entries
// are left alone, so running it again is harmless. A new certificate is
// generated for each half decade.
func SetupTest(ctx context.Context, st TestStore, dir string, now time.Time) (*TestSetup, error) {
	if err := st.AddToProfile(ctx, store.ProfileSpec{Name: TestProfile}); err != nil {
		return nil, err
	}

	var out TestSetup
	_, err := st.Client(ctx, TestClient)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if _, out.ClientSecret, err = st.CreateClient(ctx, TestClient, testRotateEvery); err != nil {
			return nil, err
		}
		if err := st.AddToProfile(ctx, store.ProfileSpec{Name: TestProfile, Clients: []string{TestClient}}); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	notBefore := now.UTC().Truncate(time.Second).Add(-time.Hour)
	label := TestLabel(notBefore)
	name := "Test Certificate " + label

	cert, err := st.Certificate(ctx, name)
	if err == nil {
		out.Certificate = cert
		return &out, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	cert = &store.Certificate{
		Name:     name,
		CertPath: filepath.Join(dir, "test_cert_"+label+".pem"),
		KeyPath:  filepath.Join(dir, "test_key_"+label+".key"),
		Expires:  notBefore.Add(testValidity),
		Enabled:  true,
	}
	if err := GenerateCertificate(cert.CertPath, cert.KeyPath, "Handtoken Test Sign "+label, notBefore, cert.Expires); err != nil {
		return nil, err
	}
	if err := st.UpsertCertificate(ctx, cert); err != nil {
		return nil, err
	}
	if err := st.AddToProfile(ctx, store.ProfileSpec{Name: TestProfile, Certificates: []string{name}}); err != nil {
		return nil, err
	}
	out.Certificate = cert
	out.NewCertificate = true
	return &out, nil
}

// TestLabel names the half decade t falls in, e.g. "2020HD2".
func TestLabel(t time.Time) string {
	half := "HD1"
	if t.Month() > time.June {
		half = "HD2"
	}
	return fmt.Sprintf("%04d%s", t.Year()/10*10, half)
}

// GenerateCertificate writes a self-signed RSA code-signing certificate and
// its PKCS#8 private key as PEM files.
func GenerateCertificate(certPath, keyPath, commonName string, notBefore, notAfter time.Time) error {
	key, err := rsa.GenerateKey(rand.Reader, testKeyBits)
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return fmt.Errorf("generating serial: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("creating certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("encoding key: %w", err)
	}

	for _, p := range []string{certPath, keyPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return err
		}
	}
	if err := writePEM(keyPath, "PRIVATE KEY", keyDER, 0o600); err != nil {
		return err
	}
	return writePEM(certPath, "CERTIFICATE", der, 0o644)
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}
