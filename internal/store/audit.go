package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/majorcontext/handtoken/internal/audit"
)

// appendAudit chains a new entry after the last one inside tx.
func appendAudit(ctx context.Context, tx *sql.Tx, now time.Time, typ audit.EntryType, data any) error {
	var (
		lastSeq  uint64
		lastHash string
	)
	err := tx.QueryRowContext(ctx, `SELECT seq, hash FROM audit_entries ORDER BY seq DESC LIMIT 1`).Scan(&lastSeq, &lastHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("loading last audit entry: %w", err)
	}

	e, err := audit.NewEntry(lastSeq+1, lastHash, typ, data, now)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_entries (seq, ts, type, prev_hash, data, hash)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Sequence, e.Timestamp.Format(time.RFC3339Nano), string(e.Type), e.PrevHash, string(e.Data), e.Hash); err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// AuditEntries returns the audit chain in sequence order.
func (s *Store) AuditEntries(ctx context.Context) ([]*audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, ts, type, prev_hash, data, hash FROM audit_entries ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*audit.Entry
	for rows.Next() {
		var (
			e         audit.Entry
			ts, data  string
			entryType string
		)
		if err := rows.Scan(&e.Sequence, &ts, &entryType, &e.PrevHash, &data, &e.Hash); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		e.Type = audit.EntryType(entryType)
		e.Data = []byte(data)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// VerifyAudit checks the stored audit chain.
func (s *Store) VerifyAudit(ctx context.Context) (audit.ChainResult, error) {
	entries, err := s.AuditEntries(ctx)
	if err != nil {
		return audit.ChainResult{}, err
	}
	return audit.VerifyChain(entries), nil
}
