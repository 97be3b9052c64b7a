// Package theme holds the theme entity, its derived lifecycle status and the
// operator-facing service that mutates themes under the audit trail.
package theme

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/onnwee/fanthemes/internal/clock"
	"github.com/onnwee/fanthemes/internal/rollout"
	"github.com/onnwee/fanthemes/internal/validate"
)

// Visibility controls whether a theme can ever be shown to fans.
type Visibility string

// Visibility values.
const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Tier restricts a theme to an audience.
type Tier string

// Tier values.
const (
	TierAll Tier = "all"
	TierVIP Tier = "vip"
)

// VoteCountField is the counter on the theme document incremented per vote.
const VoteCountField = "voteCount"

var (
	// ErrMalformedInput is returned for theme documents or requests that
	// cannot be parsed or fail validation.
	ErrMalformedInput = errors.New("malformed input")
	// ErrNotFound is returned when a theme does not exist.
	ErrNotFound = errors.New("theme not found")
	// ErrForbidden is returned when a non-operator attempts a mutation.
	ErrForbidden = errors.New("operator role required")
)

// Theme is a visual asset bundle with a publication window.
type Theme struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	BgURL           string         `json:"bgUrl,omitempty"`
	IconURL         string         `json:"iconUrl,omitempty"`
	Effect          string         `json:"effect,omitempty"`
	Visibility      Visibility     `json:"visibility"`
	ReleaseAt       *clock.Instant `json:"releaseAt,omitempty"`
	ExpiresAt       *clock.Instant `json:"expiresAt,omitempty"`
	DeleteAt        *clock.Instant `json:"deleteAt,omitempty"`
	RolloutPercent  int            `json:"rolloutPercent"`
	Tier            Tier           `json:"tier"`
	FeaturedOnLogin bool           `json:"featuredOnLogin"`
	VoteCount       int64          `json:"voteCount"`
}

// document is the stored form. The id lives in the path and voteCount is a
// store counter, so neither is part of the body.
type document struct {
	Name            string         `json:"name"`
	BgURL           string         `json:"bgUrl,omitempty"`
	IconURL         string         `json:"iconUrl,omitempty"`
	Effect          string         `json:"effect,omitempty"`
	Visibility      Visibility     `json:"visibility"`
	ReleaseAt       *clock.Instant `json:"releaseAt,omitempty"`
	ExpiresAt       *clock.Instant `json:"expiresAt,omitempty"`
	DeleteAt        *clock.Instant `json:"deleteAt,omitempty"`
	RolloutPercent  int            `json:"rolloutPercent"`
	Tier            Tier           `json:"tier"`
	FeaturedOnLogin bool           `json:"featuredOnLogin"`
}

func (t *Theme) toDocument() document {
	return document{
		Name:            t.Name,
		BgURL:           t.BgURL,
		IconURL:         t.IconURL,
		Effect:          t.Effect,
		Visibility:      t.Visibility,
		ReleaseAt:       t.ReleaseAt,
		ExpiresAt:       t.ExpiresAt,
		DeleteAt:        t.DeleteAt,
		RolloutPercent:  t.RolloutPercent,
		Tier:            t.Tier,
		FeaturedOnLogin: t.FeaturedOnLogin,
	}
}

// wireTheme accepts the loose shapes found in stored documents and request
// bodies: instants as numbers, strings or timestamp objects, and the rollout
// percent as a number or numeric string.
type wireTheme struct {
	Name            string          `json:"name"`
	BgURL           string          `json:"bgUrl"`
	IconURL         string          `json:"iconUrl"`
	Effect          string          `json:"effect"`
	Visibility      Visibility      `json:"visibility"`
	ReleaseAt       json.RawMessage `json:"releaseAt"`
	ExpiresAt       json.RawMessage `json:"expiresAt"`
	DeleteAt        json.RawMessage `json:"deleteAt"`
	RolloutPercent  any             `json:"rolloutPercent"`
	Tier            Tier            `json:"tier"`
	FeaturedOnLogin bool            `json:"featuredOnLogin"`
}

// Decode parses a stored theme document. Instants are normalized to epoch
// milliseconds; an unparseable instant fails with ErrMalformedInput. The
// rollout percent never fails: non-numeric values become 0.
func Decode(id string, data []byte) (*Theme, error) {
	w, err := decodeWire(data)
	if err != nil {
		return nil, err
	}
	t, err := w.theme(id)
	if err != nil {
		return nil, err
	}
	t.RolloutPercent = rollout.NormalizePercent(w.RolloutPercent)
	return t, nil
}

// ParseInput parses an operator request body for theme id. Unlike Decode it
// rejects a rollout percent that is not a number in [0, 100].
func ParseInput(id string, data []byte) (*Theme, error) {
	w, err := decodeWire(data)
	if err != nil {
		return nil, err
	}
	t, err := w.theme(id)
	if err != nil {
		return nil, err
	}
	if w.RolloutPercent != nil {
		p, ok := strictPercent(w.RolloutPercent)
		if !ok {
			return nil, fmt.Errorf("%w: rolloutPercent must be an integer between 0 and 100", ErrMalformedInput)
		}
		t.RolloutPercent = p
	}
	return t, nil
}

func decodeWire(data []byte) (*wireTheme, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var w wireTheme
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	return &w, nil
}

func (w *wireTheme) theme(id string) (*Theme, error) {
	t := &Theme{
		ID:              id,
		Name:            w.Name,
		BgURL:           w.BgURL,
		IconURL:         w.IconURL,
		Effect:          w.Effect,
		Visibility:      w.Visibility,
		Tier:            w.Tier,
		FeaturedOnLogin: w.FeaturedOnLogin,
	}
	if t.Visibility == "" {
		t.Visibility = VisibilityPublic
	}
	if t.Tier == "" {
		t.Tier = TierAll
	}

	for _, f := range []struct {
		name string
		raw  json.RawMessage
		dst  **clock.Instant
	}{
		{"releaseAt", w.ReleaseAt, &t.ReleaseAt},
		{"expiresAt", w.ExpiresAt, &t.ExpiresAt},
		{"deleteAt", w.DeleteAt, &t.DeleteAt},
	} {
		if isNull(f.raw) {
			continue
		}
		in, err := clock.ParseInstant(f.raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMalformedInput, f.name, err)
		}
		*f.dst = &in
	}
	return t, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func strictPercent(v any) (int, bool) {
	n, ok := v.(json.Number)
	if !ok {
		if s, isString := v.(string); isString {
			n = json.Number(s)
		} else {
			return 0, false
		}
	}
	i, err := n.Int64()
	if err != nil || i < 0 || i > 100 {
		return 0, false
	}
	return int(i), true
}

// Validate checks and normalizes an operator-supplied theme.
func (t *Theme) Validate() error {
	var err error
	if t.ID, err = validate.DocID(t.ID); err != nil {
		return fmt.Errorf("%w: id: %w", ErrMalformedInput, err)
	}
	if t.Name, err = validate.ThemeName(t.Name); err != nil {
		return fmt.Errorf("%w: name: %w", ErrMalformedInput, err)
	}
	if t.BgURL, err = validate.AssetRef(t.BgURL); err != nil {
		return fmt.Errorf("%w: bgUrl: %w", ErrMalformedInput, err)
	}
	if t.IconURL, err = validate.AssetRef(t.IconURL); err != nil {
		return fmt.Errorf("%w: iconUrl: %w", ErrMalformedInput, err)
	}
	if t.Effect, err = validate.EffectTag(t.Effect); err != nil {
		return fmt.Errorf("%w: effect: %w", ErrMalformedInput, err)
	}
	switch t.Visibility {
	case VisibilityPublic, VisibilityPrivate:
	default:
		return fmt.Errorf("%w: visibility must be public or private", ErrMalformedInput)
	}
	switch t.Tier {
	case TierAll, TierVIP:
	default:
		return fmt.Errorf("%w: tier must be all or vip", ErrMalformedInput)
	}
	if t.RolloutPercent < 0 || t.RolloutPercent > 100 {
		return fmt.Errorf("%w: rolloutPercent must be between 0 and 100", ErrMalformedInput)
	}
	if t.ReleaseAt != nil && t.ExpiresAt != nil && *t.ExpiresAt <= *t.ReleaseAt {
		return fmt.Errorf("%w: expiresAt must be after releaseAt", ErrMalformedInput)
	}
	return nil
}
