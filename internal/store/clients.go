package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/majorcontext/handtoken/internal/audit"
	"github.com/majorcontext/handtoken/internal/credential"
)

// Client is an API client row.
type Client struct {
	ID         int64
	Name       string
	Active     bool
	Credential credential.Credential
	Created    time.Time
}

const clientColumns = `id, name, secret1, secret2, last_secret_rotated, rotate_every_seconds, active, created`

// CreateClient inserts a new active client and returns the plaintext of its
// first secret.
func (s *Store) CreateClient(ctx context.Context, name string, rotateEvery time.Duration) (*Client, string, error) {
	if name == "" {
		return nil, "", errors.New("client name is required")
	}
	if rotateEvery <= 0 {
		return nil, "", errors.New("rotation interval must be positive")
	}
	now := s.now()
	c := &Client{
		Name:       name,
		Active:     true,
		Created:    now,
		Credential: credential.Credential{RotateEvery: rotateEvery},
	}
	secret, err := c.Credential.IssueNew(now)
	if err != nil {
		return nil, "", err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO clients (name, secret1, secret2, last_secret_rotated, rotate_every_seconds, active, created)
			VALUES (?, ?, ?, ?, ?, 1, ?)
		`, c.Name, c.Credential.Current, c.Credential.Previous, formatTime(c.Credential.LastRotated),
			int64(rotateEvery/time.Second), formatTime(now))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("client %q: %w", name, ErrDuplicate)
			}
			return fmt.Errorf("inserting client: %w", err)
		}
		c.ID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading client id: %w", err)
		}
		return appendAudit(ctx, tx, now, audit.EntryCredential, audit.CredentialData{Client: name, Action: "created"})
	})
	if err != nil {
		return nil, "", err
	}
	return c, secret, nil
}

// Client returns the client called name, active or not.
func (s *Store) Client(ctx context.Context, name string) (*Client, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE name = ?`, name)
	return scanClient(row)
}

// ListClients returns all clients ordered by name.
func (s *Store) ListClients(ctx context.Context) ([]*Client, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying clients: %w", err)
	}
	defer rows.Close()

	var clients []*Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// ActiveClient implements credential.ClientStore.
func (s *Store) ActiveClient(ctx context.Context, name string) (*credential.Client, error) {
	c, err := s.Client(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return nil, credential.ErrUnknownClient
	}
	if err != nil {
		return nil, err
	}
	if !c.Active {
		return nil, credential.ErrUnknownClient
	}
	return &credential.Client{ID: c.ID, Name: c.Name, Credential: c.Credential}, nil
}

// SaveCredential implements credential.ClientStore. It records a scheduled
// rotation.
func (s *Store) SaveCredential(ctx context.Context, clientID int64, cred credential.Credential) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		name, err := writeCredential(ctx, tx, clientID, cred)
		if err != nil {
			return err
		}
		return appendAudit(ctx, tx, s.now(), audit.EntryCredential, audit.CredentialData{Client: name, Action: "rotated"})
	})
}

// UpdateClientCredential applies an operator action to the named client's
// credential and returns the new plaintext secret, if the action issued one.
// The read and write happen in one transaction.
func (s *Store) UpdateClientCredential(ctx context.Context, name string, action credential.Action) (string, error) {
	var secret string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE name = ?`, name)
		c, err := scanClient(row)
		if err != nil {
			return err
		}
		now := s.now()
		secret, err = c.Credential.Apply(action, now)
		if err != nil {
			return err
		}
		if _, err := writeCredential(ctx, tx, c.ID, c.Credential); err != nil {
			return err
		}
		return appendAudit(ctx, tx, now, audit.EntryCredential, audit.CredentialData{Client: name, Action: string(action)})
	})
	if err != nil {
		return "", err
	}
	return secret, nil
}

// SetClientActive enables or disables a client.
func (s *Store) SetClientActive(ctx context.Context, name string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE clients SET active = ? WHERE name = ?`, boolInt(active), name)
	if err != nil {
		return fmt.Errorf("updating client: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func writeCredential(ctx context.Context, tx *sql.Tx, clientID int64, cred credential.Credential) (string, error) {
	if _, err := tx.ExecContext(ctx, `
		UPDATE clients SET secret1 = ?, secret2 = ?, last_secret_rotated = ?, rotate_every_seconds = ?
		WHERE id = ?
	`, cred.Current, cred.Previous, formatTime(cred.LastRotated),
		int64(cred.RotateEvery/time.Second), clientID); err != nil {
		return "", fmt.Errorf("updating credential: %w", err)
	}
	var name string
	if err := tx.QueryRowContext(ctx, `SELECT name FROM clients WHERE id = ?`, clientID).Scan(&name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("reading client: %w", err)
	}
	return name, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanClient(row scanner) (*Client, error) {
	var (
		c                Client
		rotated, created string
		everySeconds     int64
		active           int
	)
	err := row.Scan(&c.ID, &c.Name, &c.Credential.Current, &c.Credential.Previous,
		&rotated, &everySeconds, &active, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning client: %w", err)
	}
	c.Credential.LastRotated = parseTime(rotated)
	c.Credential.RotateEvery = time.Duration(everySeconds) * time.Second
	c.Active = active != 0
	c.Created = parseTime(created)
	return &c, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
