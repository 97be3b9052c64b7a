// Package audit keeps the append-only history of operator mutations to
// themes. Each record stores before/after snapshots and is chained to its
// predecessor by hash so gaps and edits are detectable.
package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Action is the kind of mutation recorded.
type Action string

// Recorded actions.
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

var (
	// ErrInvalidThemeID is returned when an entry has no theme id.
	ErrInvalidThemeID = errors.New("theme id cannot be empty")
	// ErrInvalidAction is returned for unknown actions.
	ErrInvalidAction = errors.New("invalid audit action")
	// ErrChainBroken is returned by VerifyChain when a record does not link to its predecessor.
	ErrChainBroken = errors.New("audit hash chain broken")
	// ErrSeqConflict is returned when a concurrent append claimed the same position.
	ErrSeqConflict = errors.New("audit sequence conflict")
)

// Record is one immutable audit entry.
type Record struct {
	ID           string          `json:"id"`
	ThemeID      string          `json:"themeId"`
	Seq          int64           `json:"seq"`
	Action       Action          `json:"action"`
	Actor        string          `json:"actor"`
	Before       json.RawMessage `json:"before,omitempty"`
	After        json.RawMessage `json:"after,omitempty"`
	RequestID    string          `json:"requestId,omitempty"`
	CreatedAt    time.Time       `json:"ts"`
	PreviousHash string          `json:"previousHash,omitempty"`
}

// Entry is the input for appending a record.
type Entry struct {
	ThemeID   string
	Action    Action
	Actor     string
	Before    json.RawMessage
	After     json.RawMessage
	RequestID string
	CreatedAt time.Time
}

// Validate checks the required fields of an entry.
func (e Entry) Validate() error {
	if e.ThemeID == "" {
		return ErrInvalidThemeID
	}
	if !e.Action.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidAction, e.Action)
	}
	return nil
}

// Hash returns the hex SHA-256 digest of the record's content, including its
// PreviousHash. Snapshots are hashed in canonical form (sorted keys, compact)
// so the digest survives storage backends that re-encode JSON.
func (r *Record) Hash() string {
	h := sha256.New()
	for _, part := range []string{
		r.PreviousHash,
		r.ID,
		r.ThemeID,
		strconv.FormatInt(r.Seq, 10),
		string(r.Action),
		r.Actor,
		canonical(r.Before),
		canonical(r.After),
		r.RequestID,
		strconv.FormatInt(r.CreatedAt.UnixMilli(), 10),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func canonical(raw json.RawMessage) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return ""
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	if string(out) == "null" {
		return ""
	}
	return string(out)
}

// chainHead is the position and digest of the newest record of a theme.
type chainHead struct {
	Seq  int64  `json:"seq"`
	Hash string `json:"hash"`
}

// newRecord builds the record that follows head (zero head for the first record).
func newRecord(id string, e Entry, head chainHead) *Record {
	return &Record{
		ID:           id,
		ThemeID:      e.ThemeID,
		Seq:          head.Seq + 1,
		Action:       e.Action,
		Actor:        e.Actor,
		Before:       e.Before,
		After:        e.After,
		RequestID:    e.RequestID,
		CreatedAt:    e.CreatedAt.UTC().Truncate(time.Millisecond),
		PreviousHash: head.Hash,
	}
}

// VerifyChain checks that records (oldest first) form an unbroken chain.
func VerifyChain(records []*Record) error {
	for i, rec := range records {
		if i == 0 {
			if rec.Seq == 1 && rec.PreviousHash != "" {
				return fmt.Errorf("%w: first record %s has a previous hash", ErrChainBroken, rec.ID)
			}
			continue
		}
		prev := records[i-1]
		if rec.Seq != prev.Seq+1 {
			return fmt.Errorf("%w: gap between seq %d and %d", ErrChainBroken, prev.Seq, rec.Seq)
		}
		if rec.PreviousHash != prev.Hash() {
			return fmt.Errorf("%w: record %s does not match its predecessor", ErrChainBroken, rec.ID)
		}
	}
	return nil
}
