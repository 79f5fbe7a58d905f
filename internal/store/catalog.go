package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Certificate is a code-signing certificate and how to reach its key.
type Certificate struct {
	ID       int64
	Name     string
	CertPath string
	KeyPath  string
	IsPKCS11 bool
	// PKCS11Module and OSSLProvider override the configured defaults when set.
	PKCS11Module string
	OSSLProvider string
	Expires      time.Time
	Enabled      bool
	Created      time.Time
	Updated      time.Time
}

// Usable reports whether the certificate may sign at now.
func (c *Certificate) Usable(now time.Time) bool {
	return c.Enabled && c.Expires.After(now)
}

// TimestampServer is an RFC 3161 timestamping endpoint.
type TimestampServer struct {
	ID      int64
	Name    string
	URL     string
	Enabled bool
}

// Profile is a signing profile with its certificates and timestamp servers.
type Profile struct {
	ID               int64
	Name             string
	Certificates     []*Certificate
	TimestampServers []*TimestampServer
}

// ProfileSpec names the members of a profile to apply.
type ProfileSpec struct {
	Name             string
	Certificates     []string
	TimestampServers []string
	Clients          []string
}

// Catalog is a set of catalog entries applied together.
type Catalog struct {
	Certificates     []Certificate
	TimestampServers []TimestampServer
	Profiles         []ProfileSpec
}

// ApplyCatalog upserts every entry of cat in one transaction. Profile
// memberships are replaced by the ones listed.
func (s *Store) ApplyCatalog(ctx context.Context, cat Catalog) error {
	now := s.now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for i := range cat.Certificates {
			if err := upsertCertificate(ctx, tx, &cat.Certificates[i], now); err != nil {
				return err
			}
		}
		for _, ts := range cat.TimestampServers {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO timestamp_servers (name, url, is_enabled) VALUES (?, ?, ?)
				ON CONFLICT(name) DO UPDATE SET url = excluded.url, is_enabled = excluded.is_enabled
			`, ts.Name, ts.URL, boolInt(ts.Enabled)); err != nil {
				return fmt.Errorf("upserting timestamp server %q: %w", ts.Name, err)
			}
		}
		for _, p := range cat.Profiles {
			if err := applyProfile(ctx, tx, p, true); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertCertificate inserts or updates a single certificate.
func (s *Store) UpsertCertificate(ctx context.Context, cert *Certificate) error {
	now := s.now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return upsertCertificate(ctx, tx, cert, now)
	})
}

func upsertCertificate(ctx context.Context, tx *sql.Tx, cert *Certificate, now time.Time) error {
	row := tx.QueryRowContext(ctx, `SELECT `+certificateColumns+` FROM certificates WHERE name = ?`, cert.Name)
	existing, err := scanCertificate(row)
	if errors.Is(err, ErrNotFound) {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO certificates (name, cert_path, key_path, is_pkcs11, pkcs11_module, ossl_provider, expires, is_enabled, created, updated)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, cert.Name, cert.CertPath, cert.KeyPath, boolInt(cert.IsPKCS11),
			nullString(cert.PKCS11Module), nullString(cert.OSSLProvider),
			formatTime(cert.Expires), boolInt(cert.Enabled), formatTime(now), formatTime(now))
		if err != nil {
			return fmt.Errorf("inserting certificate %q: %w", cert.Name, err)
		}
		cert.ID, _ = res.LastInsertId()
		cert.Created, cert.Updated = now, now
		return nil
	}
	if err != nil {
		return err
	}

	if !sameSigningMaterial(existing, cert) {
		var used int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM signing_logs WHERE certificate_id = ? AND finished IS NOT NULL
		`, existing.ID).Scan(&used); err != nil {
			return fmt.Errorf("checking certificate usage: %w", err)
		}
		if used > 0 {
			return fmt.Errorf("certificate %q: %w", cert.Name, ErrCertificateInUse)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE certificates SET cert_path = ?, key_path = ?, is_pkcs11 = ?, pkcs11_module = ?,
			ossl_provider = ?, expires = ?, is_enabled = ?, updated = ?
		WHERE id = ?
	`, cert.CertPath, cert.KeyPath, boolInt(cert.IsPKCS11), nullString(cert.PKCS11Module),
		nullString(cert.OSSLProvider), formatTime(cert.Expires), boolInt(cert.Enabled),
		formatTime(now), existing.ID); err != nil {
		return fmt.Errorf("updating certificate %q: %w", cert.Name, err)
	}
	cert.ID = existing.ID
	cert.Created = existing.Created
	cert.Updated = now
	return nil
}

// Certificate returns the certificate called name.
func (s *Store) Certificate(ctx context.Context, name string) (*Certificate, error) {
	return scanCertificate(s.db.QueryRowContext(ctx, `SELECT `+certificateColumns+` FROM certificates WHERE name = ?`, name))
}

// sameSigningMaterial compares everything except the enabled flag.
func sameSigningMaterial(a, b *Certificate) bool {
	return a.CertPath == b.CertPath &&
		a.KeyPath == b.KeyPath &&
		a.IsPKCS11 == b.IsPKCS11 &&
		a.PKCS11Module == b.PKCS11Module &&
		a.OSSLProvider == b.OSSLProvider &&
		a.Expires.Equal(b.Expires)
}

// AddToProfile creates the profile if needed and links the named members
// without removing existing ones.
func (s *Store) AddToProfile(ctx context.Context, p ProfileSpec) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return applyProfile(ctx, tx, p, false)
	})
}

func applyProfile(ctx context.Context, tx *sql.Tx, p ProfileSpec, replace bool) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO signing_profiles (name) VALUES (?) ON CONFLICT(name) DO NOTHING
	`, p.Name); err != nil {
		return fmt.Errorf("upserting profile %q: %w", p.Name, err)
	}
	var profileID int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM signing_profiles WHERE name = ?`, p.Name).Scan(&profileID); err != nil {
		return fmt.Errorf("reading profile %q: %w", p.Name, err)
	}

	links := []struct {
		table, column, source string
		names                 []string
	}{
		{"signing_profile_certificates", "certificate_id", "certificates", p.Certificates},
		{"signing_profile_timestamp_servers", "server_id", "timestamp_servers", p.TimestampServers},
		{"signing_profile_clients", "client_id", "clients", p.Clients},
	}
	for _, l := range links {
		if replace {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+l.table+` WHERE profile_id = ?`, profileID); err != nil {
				return fmt.Errorf("clearing %s for profile %q: %w", l.source, p.Name, err)
			}
		}
		for _, name := range l.names {
			var id int64
			err := tx.QueryRowContext(ctx, `SELECT id FROM `+l.source+` WHERE name = ?`, name).Scan(&id)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("profile %q refers to unknown %s entry %q: %w", p.Name, l.source, name, ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("looking up %q: %w", name, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO `+l.table+` (profile_id, `+l.column+`) VALUES (?, ?)
			`, profileID, id); err != nil {
				return fmt.Errorf("linking %q to profile %q: %w", name, p.Name, err)
			}
		}
	}
	return nil
}

// ProfileForClient returns the profile called name if clientID is authorized
// to use it. An unknown profile and an unauthorized client both yield
// ErrNotFound.
func (s *Store) ProfileForClient(ctx context.Context, name string, clientID int64) (*Profile, error) {
	var p Profile
	err := s.db.QueryRowContext(ctx, `
		SELECT p.id, p.name FROM signing_profiles p
		JOIN signing_profile_clients pc ON pc.profile_id = p.id
		WHERE p.name = ? AND pc.client_id = ?
	`, name, clientID).Scan(&p.ID, &p.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying profile: %w", err)
	}

	if p.Certificates, err = s.profileCertificates(ctx, p.ID); err != nil {
		return nil, err
	}
	if p.TimestampServers, err = s.profileTimestampServers(ctx, p.ID); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProfiles returns profile names ordered by name.
func (s *Store) ListProfiles(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM signing_profiles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying profiles: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scanning profile: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// ListCertificates returns every certificate ordered by name.
func (s *Store) ListCertificates(ctx context.Context) ([]*Certificate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+certificateColumns+` FROM certificates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying certificates: %w", err)
	}
	defer rows.Close()
	var certs []*Certificate
	for rows.Next() {
		c, err := scanCertificate(rows)
		if err != nil {
			return nil, err
		}
		certs = append(certs, c)
	}
	return certs, rows.Err()
}

func (s *Store) profileCertificates(ctx context.Context, profileID int64) ([]*Certificate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixed("c.", certificateColumnList)+` FROM certificates c
		JOIN signing_profile_certificates pc ON pc.certificate_id = c.id
		WHERE pc.profile_id = ? ORDER BY c.id
	`, profileID)
	if err != nil {
		return nil, fmt.Errorf("querying certificates: %w", err)
	}
	defer rows.Close()
	var certs []*Certificate
	for rows.Next() {
		c, err := scanCertificate(rows)
		if err != nil {
			return nil, err
		}
		certs = append(certs, c)
	}
	return certs, rows.Err()
}

func (s *Store) profileTimestampServers(ctx context.Context, profileID int64) ([]*TimestampServer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.url, t.is_enabled FROM timestamp_servers t
		JOIN signing_profile_timestamp_servers pt ON pt.server_id = t.id
		WHERE pt.profile_id = ? ORDER BY t.id
	`, profileID)
	if err != nil {
		return nil, fmt.Errorf("querying timestamp servers: %w", err)
	}
	defer rows.Close()
	var servers []*TimestampServer
	for rows.Next() {
		var (
			t       TimestampServer
			enabled int
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.URL, &enabled); err != nil {
			return nil, fmt.Errorf("scanning timestamp server: %w", err)
		}
		t.Enabled = enabled != 0
		servers = append(servers, &t)
	}
	return servers, rows.Err()
}

var certificateColumnList = []string{
	"id", "name", "cert_path", "key_path", "is_pkcs11", "pkcs11_module",
	"ossl_provider", "expires", "is_enabled", "created", "updated",
}

var certificateColumns = prefixed("", certificateColumnList)

func prefixed(prefix string, cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = prefix + c
	}
	return strings.Join(out, ", ")
}

func scanCertificate(row scanner) (*Certificate, error) {
	var (
		c                         Certificate
		pkcs11, enabled           int
		module, provider          sql.NullString
		expires, created, updated string
	)
	err := row.Scan(&c.ID, &c.Name, &c.CertPath, &c.KeyPath, &pkcs11, &module,
		&provider, &expires, &enabled, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning certificate: %w", err)
	}
	c.IsPKCS11 = pkcs11 != 0
	c.Enabled = enabled != 0
	c.PKCS11Module = module.String
	c.OSSLProvider = provider.String
	c.Expires = parseTime(expires)
	c.Created = parseTime(created)
	c.Updated = parseTime(updated)
	return &c, nil
}
