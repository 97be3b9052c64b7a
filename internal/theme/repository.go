package theme

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/onnwee/fanthemes/internal/docstore"
)

// Collection is the document-store collection holding themes.
const Collection = "themes"

// Path returns the document path of theme id.
func Path(id string) string {
	return docstore.Join(Collection, id)
}

// FromSnapshot decodes a theme document snapshot. It returns ErrNotFound
// for a missing document.
func FromSnapshot(snap docstore.Snapshot) (*Theme, error) {
	if !snap.Exists {
		return nil, ErrNotFound
	}
	t, err := Decode(snap.ID, snap.Data)
	if err != nil {
		return nil, fmt.Errorf("decode theme %s: %w", snap.ID, err)
	}
	t.VoteCount = snap.Counter(VoteCountField)
	return t, nil
}

// Repository reads and writes themes in the document store.
type Repository struct {
	store  docstore.Store
	logger *slog.Logger
}

// NewRepository creates a theme repository.
func NewRepository(store docstore.Store, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{store: store, logger: logger}
}

// Get returns the theme with id or ErrNotFound.
func (r *Repository) Get(ctx context.Context, id string) (*Theme, error) {
	snap, err := r.store.Get(ctx, Path(id))
	if err != nil {
		return nil, err
	}
	return FromSnapshot(snap)
}

// List returns every readable theme ordered by id. Documents that fail to
// decode are logged and skipped.
func (r *Repository) List(ctx context.Context) ([]*Theme, error) {
	snaps, err := r.store.Query(ctx, Collection)
	if err != nil {
		return nil, err
	}
	themes := make([]*Theme, 0, len(snaps))
	for _, snap := range snaps {
		t, err := FromSnapshot(snap)
		if err != nil {
			r.logger.WarnContext(ctx, "skipping unreadable theme document",
				slog.String("path", snap.Path),
				slog.String("error", err.Error()),
			)
			continue
		}
		themes = append(themes, t)
	}
	return themes, nil
}

// Save writes t's body. The vote counter is left untouched.
func (r *Repository) Save(ctx context.Context, t *Theme) error {
	return r.store.Set(ctx, Path(t.ID), t.toDocument())
}

// Delete removes the theme document. Its votes and audit records remain.
func (r *Repository) Delete(ctx context.Context, id string) error {
	return r.store.Delete(ctx, Path(id))
}

// IncrementVotes bumps the theme's visible vote counter.
func (r *Repository) IncrementVotes(ctx context.Context, id string, delta int64) error {
	return r.store.Increment(ctx, Path(id), VoteCountField, delta)
}
