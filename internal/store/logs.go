package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/majorcontext/handtoken/internal/audit"
)

// SigningLog is the durable record of one signing request. Optional numbers
// and times are pointers; empty strings are stored as NULL.
type SigningLog struct {
	ID       int64
	Created  time.Time
	Updated  time.Time
	Finished *time.Time

	IP        string
	UserAgent string

	ClientID           *int64
	ClientName         string
	SigningProfileID   *int64
	SigningProfileName string
	CertificateID      *int64
	CertificateName    string

	Description       string
	URL               string
	SubmittedFileName string

	InPath       string
	InFileSize   *int64
	InFileSHA256 string

	OutPath       string
	OutFileSize   *int64
	OutFileSHA256 string

	OsslsigncodeCommand    string
	OsslsigncodeReturncode *int64
	OsslsigncodeStdout     string
	OsslsigncodeStderr     string

	Result    string
	Exception string
}

var logColumnList = []string{
	"id", "created", "updated", "finished", "ip", "user_agent",
	"client_id", "client_name", "signing_profile_id", "signing_profile_name",
	"certificate_id", "certificate_name", "description", "url", "submitted_file_name",
	"in_path", "in_file_size", "in_file_sha256", "out_path", "out_file_size", "out_file_sha256",
	"osslsigncode_command", "osslsigncode_returncode", "osslsigncode_stdout", "osslsigncode_stderr",
	"result", "exception",
}

var logColumns = prefixed("", logColumnList)

// CreateLog inserts l and assigns its ID and timestamps.
func (s *Store) CreateLog(ctx context.Context, l *SigningLog) error {
	now := s.now()
	l.Created, l.Updated = now, now
	args := logArgs(l)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO signing_logs (`+prefixed("", logColumnList[1:])+`) VALUES (`+placeholders+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("inserting signing log: %w", err)
	}
	l.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading signing log id: %w", err)
	}
	return nil
}

// SaveLog writes every column of l. The first save that marks l finished also
// appends it to the audit chain.
func (s *Store) SaveLog(ctx context.Context, l *SigningLog) error {
	now := s.now()
	l.Updated = now
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var prevFinished sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT finished FROM signing_logs WHERE id = ?`, l.ID).Scan(&prevFinished)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reading signing log: %w", err)
		}

		sets := make([]string, 0, len(logColumnList)-1)
		for _, c := range logColumnList[1:] {
			sets = append(sets, c+" = ?")
		}
		args := append(logArgs(l), l.ID)
		if _, err := tx.ExecContext(ctx, `
			UPDATE signing_logs SET `+strings.Join(sets, ", ")+` WHERE id = ?
		`, args...); err != nil {
			return fmt.Errorf("updating signing log: %w", err)
		}

		if l.Finished == nil || prevFinished.Valid {
			return nil
		}
		return appendAudit(ctx, tx, now, audit.EntrySigning, audit.SigningData{
			LogID:       l.ID,
			Result:      l.Result,
			Client:      l.ClientName,
			Profile:     l.SigningProfileName,
			Certificate: l.CertificateName,
			InSHA256:    l.InFileSHA256,
			OutSHA256:   l.OutFileSHA256,
		})
	})
}

// GetLog returns the signing log with the given id.
func (s *Store) GetLog(ctx context.Context, id int64) (*SigningLog, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+logColumns+` FROM signing_logs WHERE id = ?`, id)
	return scanLog(row)
}

// LogFilter narrows ListLogs.
type LogFilter struct {
	Client  string
	Profile string
	Result  string
	Limit   int
}

// ListLogs returns signing logs newest first.
func (s *Store) ListLogs(ctx context.Context, f LogFilter) ([]*SigningLog, error) {
	var (
		where []string
		args  []any
	)
	if f.Client != "" {
		where = append(where, "client_name = ?")
		args = append(args, f.Client)
	}
	if f.Profile != "" {
		where = append(where, "signing_profile_name = ?")
		args = append(args, f.Profile)
	}
	if f.Result != "" {
		where = append(where, "result = ?")
		args = append(args, f.Result)
	}
	q := `SELECT ` + logColumns + ` FROM signing_logs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created DESC, id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying signing logs: %w", err)
	}
	defer rows.Close()

	var logs []*SigningLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// logArgs returns values for every column except id, in column order.
func logArgs(l *SigningLog) []any {
	return []any{
		formatTime(l.Created), formatTime(l.Updated), nullTime(l.Finished),
		nullString(l.IP), nullString(l.UserAgent),
		nullInt(l.ClientID), nullString(l.ClientName),
		nullInt(l.SigningProfileID), nullString(l.SigningProfileName),
		nullInt(l.CertificateID), nullString(l.CertificateName),
		nullString(l.Description), nullString(l.URL), nullString(l.SubmittedFileName),
		nullString(l.InPath), nullInt(l.InFileSize), nullString(l.InFileSHA256),
		nullString(l.OutPath), nullInt(l.OutFileSize), nullString(l.OutFileSHA256),
		nullString(l.OsslsigncodeCommand), nullInt(l.OsslsigncodeReturncode),
		nullString(l.OsslsigncodeStdout), nullString(l.OsslsigncodeStderr),
		l.Result, nullString(l.Exception),
	}
}

func scanLog(row scanner) (*SigningLog, error) {
	var (
		l                                         SigningLog
		created, updated                          string
		finished                                  sql.NullString
		ip, ua, clientName, profileName, certName sql.NullString
		description, url, submitted               sql.NullString
		inPath, inSHA, outPath, outSHA            sql.NullString
		command, stdout, stderr, exception        sql.NullString
		clientID, profileID, certID               sql.NullInt64
		inSize, outSize, returncode               sql.NullInt64
	)
	err := row.Scan(&l.ID, &created, &updated, &finished, &ip, &ua,
		&clientID, &clientName, &profileID, &profileName,
		&certID, &certName, &description, &url, &submitted,
		&inPath, &inSize, &inSHA, &outPath, &outSize, &outSHA,
		&command, &returncode, &stdout, &stderr,
		&l.Result, &exception)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning signing log: %w", err)
	}

	l.Created = parseTime(created)
	l.Updated = parseTime(updated)
	l.Finished = timePtr(finished)
	l.IP, l.UserAgent = ip.String, ua.String
	l.ClientID, l.ClientName = intPtr(clientID), clientName.String
	l.SigningProfileID, l.SigningProfileName = intPtr(profileID), profileName.String
	l.CertificateID, l.CertificateName = intPtr(certID), certName.String
	l.Description, l.URL, l.SubmittedFileName = description.String, url.String, submitted.String
	l.InPath, l.InFileSize, l.InFileSHA256 = inPath.String, intPtr(inSize), inSHA.String
	l.OutPath, l.OutFileSize, l.OutFileSHA256 = outPath.String, intPtr(outSize), outSHA.String
	l.OsslsigncodeCommand = command.String
	l.OsslsigncodeReturncode = intPtr(returncode)
	l.OsslsigncodeStdout, l.OsslsigncodeStderr = stdout.String, stderr.String
	l.Exception = exception.String
	return &l, nil
}
