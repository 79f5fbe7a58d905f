// Package store persists clients, the signing catalog and the signing log in
// SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration
)

var (
	// ErrNotFound is returned when a row doesn't exist.
	ErrNotFound = errors.New("not found")
	// ErrCertificateInUse is returned when changing anything but the enabled
	// flag of a certificate that a finished signing log refers to.
	ErrCertificateInUse = errors.New("certificate is referenced by a finished signing log")
	// ErrDuplicate is returned when a unique name is already taken.
	ErrDuplicate = errors.New("name already exists")
)

// timeLayout is fixed width so that text comparison orders timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store is the SQLite-backed persistence layer.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite allows a single writer; one connection keeps writes serialized
	// without busy errors.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock replaces the store's time source.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS clients (
			id                   INTEGER PRIMARY KEY AUTOINCREMENT,
			name                 TEXT NOT NULL UNIQUE,
			secret1              TEXT NOT NULL DEFAULT '',
			secret2              TEXT NOT NULL DEFAULT '',
			last_secret_rotated  TEXT NOT NULL,
			rotate_every_seconds INTEGER NOT NULL,
			active               INTEGER NOT NULL DEFAULT 1,
			created              TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS certificates (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			name          TEXT NOT NULL UNIQUE,
			cert_path     TEXT NOT NULL,
			key_path      TEXT NOT NULL,
			is_pkcs11     INTEGER NOT NULL DEFAULT 0,
			pkcs11_module TEXT,
			ossl_provider TEXT,
			expires       TEXT NOT NULL,
			is_enabled    INTEGER NOT NULL DEFAULT 1,
			created       TEXT NOT NULL,
			updated       TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS timestamp_servers (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			name       TEXT NOT NULL UNIQUE,
			url        TEXT NOT NULL,
			is_enabled INTEGER NOT NULL DEFAULT 1
		);

		CREATE TABLE IF NOT EXISTS signing_profiles (
			id   INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE
		);

		CREATE TABLE IF NOT EXISTS signing_profile_certificates (
			profile_id     INTEGER NOT NULL REFERENCES signing_profiles(id) ON DELETE CASCADE,
			certificate_id INTEGER NOT NULL REFERENCES certificates(id),
			PRIMARY KEY (profile_id, certificate_id)
		);

		CREATE TABLE IF NOT EXISTS signing_profile_timestamp_servers (
			profile_id INTEGER NOT NULL REFERENCES signing_profiles(id) ON DELETE CASCADE,
			server_id  INTEGER NOT NULL REFERENCES timestamp_servers(id),
			PRIMARY KEY (profile_id, server_id)
		);

		CREATE TABLE IF NOT EXISTS signing_profile_clients (
			profile_id INTEGER NOT NULL REFERENCES signing_profiles(id) ON DELETE CASCADE,
			client_id  INTEGER NOT NULL REFERENCES clients(id),
			PRIMARY KEY (profile_id, client_id)
		);

		CREATE TABLE IF NOT EXISTS signing_logs (
			id                      INTEGER PRIMARY KEY AUTOINCREMENT,
			created                 TEXT NOT NULL,
			updated                 TEXT NOT NULL,
			finished                TEXT,
			ip                      TEXT,
			user_agent              TEXT,
			client_id               INTEGER REFERENCES clients(id),
			client_name             TEXT,
			signing_profile_id      INTEGER REFERENCES signing_profiles(id),
			signing_profile_name    TEXT,
			certificate_id          INTEGER REFERENCES certificates(id),
			certificate_name        TEXT,
			description             TEXT,
			url                     TEXT,
			submitted_file_name     TEXT,
			in_path                 TEXT,
			in_file_size            INTEGER,
			in_file_sha256          TEXT,
			out_path                TEXT,
			out_file_size           INTEGER,
			out_file_sha256         TEXT,
			osslsigncode_command    TEXT,
			osslsigncode_returncode INTEGER,
			osslsigncode_stdout     TEXT,
			osslsigncode_stderr     TEXT,
			result                  TEXT NOT NULL,
			exception               TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_signing_logs_created ON signing_logs(created);
		CREATE INDEX IF NOT EXISTS idx_signing_logs_client ON signing_logs(client_name);
		CREATE INDEX IF NOT EXISTS idx_signing_logs_profile ON signing_logs(signing_profile_name);
		CREATE INDEX IF NOT EXISTS idx_signing_logs_certificate ON signing_logs(certificate_id, finished);

		CREATE TABLE IF NOT EXISTS audit_entries (
			seq       INTEGER PRIMARY KEY,
			ts        TEXT NOT NULL,
			type      TEXT NOT NULL,
			prev_hash TEXT NOT NULL,
			data      TEXT NOT NULL,
			hash      TEXT NOT NULL UNIQUE
		);
	`)
	return err
}

// withTx runs fn in a transaction, committing if it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func timePtr(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func intPtr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
