// Package catalog loads the signing catalog (certificates, timestamp servers
// and signing profiles) from YAML and applies it to the store.
//
// A catalog file looks like:
//
//	certificates:
//	  - name: ev-2026
//	    cert_path: "pkcs11:token=EV;object=cert"
//	    key_path: "pkcs11:token=EV;object=key"
//	    pkcs11: true
//	    expires: 2027-01-31T00:00:00Z
//	timestamp_servers:
//	  - name: digicert
//	    url: http://timestamp.digicert.com
//	profiles:
//	  - name: release
//	    certificates: [ev-2026]
//	    timestamp_servers: [digicert]
//	    clients: [ci]
//
// Entries are enabled unless they say otherwise. A file-based certificate
// without an expires field takes its expiry from the certificate file.
package catalog

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/majorcontext/handtoken/internal/store"
)

// File is a parsed catalog document.
type File struct {
	Certificates     []Certificate     `yaml:"certificates"`
	TimestampServers []TimestampServer `yaml:"timestamp_servers"`
	Profiles         []Profile         `yaml:"profiles"`
}

// Certificate is a catalog certificate entry.
type Certificate struct {
	Name         string     `yaml:"name"`
	CertPath     string     `yaml:"cert_path"`
	KeyPath      string     `yaml:"key_path"`
	PKCS11       bool       `yaml:"pkcs11"`
	PKCS11Module string     `yaml:"pkcs11_module,omitempty"`
	OSSLProvider string     `yaml:"ossl_provider,omitempty"`
	Expires      *time.Time `yaml:"expires,omitempty"`
	Enabled      *bool      `yaml:"enabled,omitempty"`
}

// TimestampServer is a catalog timestamp server entry.
type TimestampServer struct {
	Name    string `yaml:"name"`
	URL     string `yaml:"url"`
	Enabled *bool  `yaml:"enabled,omitempty"`
}

// Profile lists a signing profile's members by name.
type Profile struct {
	Name             string   `yaml:"name"`
	Certificates     []string `yaml:"certificates"`
	TimestampServers []string `yaml:"timestamp_servers"`
	Clients          []string `yaml:"clients"`
}

// Load reads and validates the catalog at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes and validates a catalog document. Unknown fields are
// rejected so typos do not silently drop settings.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks the document for missing fields and duplicate names.
// References between entries are checked when the catalog is applied,
// since they may name entries that already exist in the store.
func (f *File) Validate() error {
	seen := map[string]bool{}
	for i, c := range f.Certificates {
		if c.Name == "" {
			return fmt.Errorf("certificates[%d]: name is required", i)
		}
		if seen[c.Name] {
			return fmt.Errorf("certificate %q listed twice", c.Name)
		}
		seen[c.Name] = true
		if c.CertPath == "" || c.KeyPath == "" {
			return fmt.Errorf("certificate %q: cert_path and key_path are required", c.Name)
		}
		if c.PKCS11 && c.Expires == nil {
			return fmt.Errorf("certificate %q: expires is required for PKCS#11 certificates", c.Name)
		}
	}

	clear(seen)
	for i, ts := range f.TimestampServers {
		if ts.Name == "" {
			return fmt.Errorf("timestamp_servers[%d]: name is required", i)
		}
		if seen[ts.Name] {
			return fmt.Errorf("timestamp server %q listed twice", ts.Name)
		}
		seen[ts.Name] = true
		u, err := url.Parse(ts.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("timestamp server %q: invalid url %q", ts.Name, ts.URL)
		}
	}

	clear(seen)
	for i, p := range f.Profiles {
		if p.Name == "" {
			return fmt.Errorf("profiles[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("profile %q listed twice", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// Catalog converts f to the store's representation, reading certificate
// files for any missing expiry.
func (f *File) Catalog() (store.Catalog, error) {
	var cat store.Catalog
	for _, c := range f.Certificates {
		expires := time.Time{}
		if c.Expires != nil {
			expires = c.Expires.UTC()
		} else {
			var err error
			if expires, err = CertificateExpiry(c.CertPath); err != nil {
				return store.Catalog{}, fmt.Errorf("certificate %q: expires not set: %w", c.Name, err)
			}
		}
		cat.Certificates = append(cat.Certificates, store.Certificate{
			Name:         c.Name,
			CertPath:     c.CertPath,
			KeyPath:      c.KeyPath,
			IsPKCS11:     c.PKCS11,
			PKCS11Module: c.PKCS11Module,
			OSSLProvider: c.OSSLProvider,
			Expires:      expires,
			Enabled:      enabled(c.Enabled),
		})
	}
	for _, ts := range f.TimestampServers {
		cat.TimestampServers = append(cat.TimestampServers, store.TimestampServer{
			Name:    ts.Name,
			URL:     ts.URL,
			Enabled: enabled(ts.Enabled),
		})
	}
	for _, p := range f.Profiles {
		cat.Profiles = append(cat.Profiles, store.ProfileSpec{
			Name:             p.Name,
			Certificates:     p.Certificates,
			TimestampServers: p.TimestampServers,
			Clients:          p.Clients,
		})
	}
	return cat, nil
}

func enabled(v *bool) bool { return v == nil || *v }

// Applier stores a catalog atomically.
type Applier interface {
	ApplyCatalog(ctx context.Context, cat store.Catalog) error
}

// Apply converts f and applies it in one transaction.
func Apply(ctx context.Context, st Applier, f *File) error {
	cat, err := f.Catalog()
	if err != nil {
		return err
	}
	return st.ApplyCatalog(ctx, cat)
}

// CertificateExpiry returns the NotAfter of the first certificate in the PEM
// or DER file at path.
func CertificateExpiry(path string) (time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, err
	}
	der := data
	for rest := data; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			der = block.Bytes
			break
		}
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cert.NotAfter.UTC(), nil
}
