// Package settings stores each fan's per-account preferences, currently the
// selected theme.
package settings

import (
	"context"
	"fmt"

	"github.com/onnwee/fanthemes/internal/clock"
	"github.com/onnwee/fanthemes/internal/docstore"
	"github.com/onnwee/fanthemes/internal/theme"
	"github.com/onnwee/fanthemes/internal/validate"
)

// Collection holds one settings document per uid.
const Collection = "fanSettings"

// FanSetting is a fan's stored preferences. ThemeID is nil when no theme is
// selected.
type FanSetting struct {
	ThemeID   *string       `json:"themeId"`
	UpdatedAt clock.Instant `json:"updatedAt"`
}

// Selected returns the selected theme id, or "" for none.
func (s *FanSetting) Selected() string {
	if s == nil || s.ThemeID == nil {
		return ""
	}
	return *s.ThemeID
}

// Path returns the settings document path of uid.
func Path(uid string) string {
	return docstore.Join(Collection, uid)
}

// FromSnapshot decodes a settings snapshot. A missing document is an empty
// setting, not an error.
func FromSnapshot(snap docstore.Snapshot) (*FanSetting, error) {
	if !snap.Exists {
		return &FanSetting{}, nil
	}
	var s FanSetting
	if err := snap.DataTo(&s); err != nil {
		return nil, fmt.Errorf("%w: %w", theme.ErrMalformedInput, err)
	}
	return &s, nil
}

// Repository reads and writes fan settings.
type Repository struct {
	store docstore.Store
	clock clock.Clock
}

// NewRepository creates a settings repository.
func NewRepository(store docstore.Store, c clock.Clock) *Repository {
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Repository{store: store, clock: c}
}

// Get returns uid's settings; an absent document yields an empty setting.
func (r *Repository) Get(ctx context.Context, uid string) (*FanSetting, error) {
	if _, err := validate.DocID(uid); err != nil {
		return nil, fmt.Errorf("%w: uid: %w", theme.ErrMalformedInput, err)
	}
	snap, err := r.store.Get(ctx, Path(uid))
	if err != nil {
		return nil, err
	}
	return FromSnapshot(snap)
}

// Select stores themeID (nil clears the selection) and stamps updatedAt.
func (r *Repository) Select(ctx context.Context, uid string, themeID *string) (*FanSetting, error) {
	if _, err := validate.DocID(uid); err != nil {
		return nil, fmt.Errorf("%w: uid: %w", theme.ErrMalformedInput, err)
	}
	if themeID != nil {
		if _, err := validate.DocID(*themeID); err != nil {
			return nil, fmt.Errorf("%w: themeId: %w", theme.ErrMalformedInput, err)
		}
	}
	s := &FanSetting{ThemeID: themeID, UpdatedAt: clock.FromTime(r.clock.Now())}
	if err := r.store.Set(ctx, Path(uid), s); err != nil {
		return nil, fmt.Errorf("save settings: %w", err)
	}
	return s, nil
}
