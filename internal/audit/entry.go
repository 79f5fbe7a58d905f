// Package audit provides a hash chain over finished signing requests so that
// edits to the signing log can be detected after the fact.
package audit

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// EntryType identifies the kind of chain entry.
type EntryType string

const (
	EntrySigning    EntryType = "signing"
	EntryCredential EntryType = "credential"
)

// FirstSequence is the sequence number of the first entry in a chain.
// Sequences are 1-indexed to distinguish "no previous entry" (seq=0) from the first entry.
const FirstSequence uint64 = 1

// SigningData is the digest of a finished signing request.
type SigningData struct {
	LogID       int64  `json:"log_id"`
	Result      string `json:"result"`
	Client      string `json:"client,omitempty"`
	Profile     string `json:"profile,omitempty"`
	Certificate string `json:"certificate,omitempty"`
	InSHA256    string `json:"in_sha256,omitempty"`
	OutSHA256   string `json:"out_sha256,omitempty"`
}

// CredentialData records a change to a client's secrets. Secret values are
// never included.
type CredentialData struct {
	Client string `json:"client"`
	Action string `json:"action"` // "set", "rotate", "revoke", "rotated"
}

// Entry is a single hash-chained record.
type Entry struct {
	Sequence  uint64          `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Type      EntryType       `json:"type"`
	PrevHash  string          `json:"prev"`
	Data      json.RawMessage `json:"data"`
	Hash      string          `json:"hash"`
}

// NewEntry creates an entry chained to prevHash with its hash computed.
func NewEntry(seq uint64, prevHash string, entryType EntryType, data any, ts time.Time) (*Entry, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshaling entry data: %w", err)
	}
	e := &Entry{
		Sequence:  seq,
		Timestamp: ts.UTC(),
		Type:      entryType,
		PrevHash:  prevHash,
		Data:      raw,
	}
	e.Hash = e.computeHash()
	return e, nil
}

// computeHash calculates SHA-256(seq || ts || type || prev || data).
func (e *Entry) computeHash() string {
	h := sha256.New()

	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, e.Sequence)
	h.Write(seqBytes)

	h.Write([]byte(e.Timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(e.Type))
	h.Write([]byte(e.PrevHash))
	h.Write(e.Data)

	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks if the entry's hash is valid.
func (e *Entry) Verify() bool {
	return e.Hash == e.computeHash()
}

// ChainResult reports the outcome of VerifyChain.
type ChainResult struct {
	Valid      bool   `json:"valid"`
	EntryCount uint64 `json:"entry_count"`
	Error      string `json:"error,omitempty"`
}

// VerifyChain checks that entries form an unbroken chain starting at
// FirstSequence. Entries must be ordered by sequence.
func VerifyChain(entries []*Entry) ChainResult {
	res := ChainResult{Valid: true, EntryCount: uint64(len(entries))}
	prev := ""
	for i, e := range entries {
		want := FirstSequence + uint64(i)
		switch {
		case e.Sequence != want:
			res.Valid = false
			res.Error = fmt.Sprintf("sequence gap: expected %d, got %d", want, e.Sequence)
		case e.PrevHash != prev:
			res.Valid = false
			res.Error = fmt.Sprintf("broken link at seq %d", e.Sequence)
		case !e.Verify():
			res.Valid = false
			res.Error = fmt.Sprintf("hash mismatch at seq %d", e.Sequence)
		}
		if !res.Valid {
			return res
		}
		prev = e.Hash
	}
	return res
}
