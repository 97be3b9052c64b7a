// Package vote implements the vote ledger, which keeps at most one counted
// vote per identity, theme and UTC day, and the reconciler that moves
// anonymous votes onto an account after sign-in.
package vote

import (
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/fanthemes/internal/clock"
	"github.com/onnwee/fanthemes/internal/docstore"
	"github.com/onnwee/fanthemes/internal/identity"
	"github.com/onnwee/fanthemes/internal/theme"
	"github.com/onnwee/fanthemes/internal/validate"
)

// Group is the collection-group name of every theme's vote collection.
const Group = "votes"

// Vote field names used in queries.
const (
	FieldUID      = "uid"
	FieldClientID = "clientId"

	fieldSuperseded = "superseded"
)

// ErrAlreadyVoted is returned when the identity already has a vote for the
// theme on that day. It is an expected outcome, not a failure.
var ErrAlreadyVoted = errors.New("already voted")

// ErrInvalidDay is returned for a day that is not a YYYYMMDD date.
var ErrInvalidDay = errors.New("day must be YYYYMMDD")

// Vote is one vote document. Documents written by Cast are counted.
// Reconciliation adds two uncounted kinds so that a uid keeps a single counted
// vote per theme and day: a claim on the uid's own key that points at the
// migrated anonymous vote (ClaimFor), and anonymous votes superseded by a
// vote the uid already had that day (Superseded).
type Vote struct {
	ID         string        `json:"id"`
	UID        string        `json:"uid"`
	ClientID   string        `json:"clientId,omitempty"`
	ThemeID    string        `json:"themeId"`
	Day        string        `json:"day"`
	CreatedAt  clock.Instant `json:"createdAt"`
	ClaimFor   string        `json:"claimFor,omitempty"`
	Superseded bool          `json:"superseded,omitempty"`
}

// Counted reports whether v contributes to the theme's voteCount.
func (v *Vote) Counted() bool {
	return v.ClaimFor == "" && !v.Superseded
}

// Key returns the deterministic document id of a vote: the identity token
// and the day. The theme is part of the collection path.
func Key(token, day string) string {
	return token + "_" + day
}

// Collection returns the vote collection of themeID.
func Collection(themeID string) string {
	return docstore.Join(theme.Path(themeID), Group)
}

// Path returns the vote document path for the identity on day.
func Path(themeID string, id identity.Identity, day string) string {
	return docstore.Join(Collection(themeID), Key(id.Token(), day))
}

// uidPath is the path a signed-in cast by uid on day would write.
func uidPath(themeID, uid, day string) string {
	return docstore.Join(Collection(themeID), Key(uid, day))
}

func validateDay(day string) error {
	if _, err := time.Parse(clock.DayLayout, day); err != nil || len(day) != len(clock.DayLayout) {
		return fmt.Errorf("%w: %q", ErrInvalidDay, day)
	}
	return nil
}

func validateTarget(id identity.Identity, themeID, day string) error {
	if id.Token() == "" {
		return identity.ErrNotSignedIn
	}
	if _, err := validate.DocID(id.Token()); err != nil {
		return fmt.Errorf("%w: identity: %w", theme.ErrMalformedInput, err)
	}
	if _, err := validate.DocID(themeID); err != nil {
		return fmt.Errorf("%w: theme id: %w", theme.ErrMalformedInput, err)
	}
	return validateDay(day)
}
