package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/onnwee/fanthemes/internal/docstore"
)

// maxAppendAttempts bounds retries when concurrent appends race for the chain head.
const maxAppendAttempts = 5

// Repository defines the interface for audit record storage.
type Repository interface {
	// Append stores a new record at the end of the theme's chain.
	Append(ctx context.Context, e Entry) (*Record, error)

	// ListByTheme returns the theme's records ordered by Seq (oldest first).
	// Limit keeps only the newest entries (0 = no limit).
	ListByTheme(ctx context.Context, themeID string, limit int) ([]*Record, error)
}

// RecordsCollection returns the collection holding a theme's audit records.
func RecordsCollection(themeID string) string {
	return docstore.Join("themes", themeID, "audit")
}

func headPath(themeID string) string {
	return docstore.Join("auditHeads", themeID)
}

// DocRepository stores records in the document store at
// themes/{id}/audit/{uuid}. A per-theme head document at auditHeads/{id}
// serializes appends through a version precondition.
type DocRepository struct {
	store docstore.Store
	newID func() string
}

// NewDocRepository creates a document-store backed repository.
func NewDocRepository(store docstore.Store) *DocRepository {
	return &DocRepository{store: store, newID: uuid.NewString}
}

// Append stores e as the next record of its theme's chain.
func (r *DocRepository) Append(ctx context.Context, e Entry) (*Record, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	head := headPath(e.ThemeID)
	if err := r.store.Create(ctx, head, chainHead{}); err != nil && !errors.Is(err, docstore.ErrExists) {
		return nil, fmt.Errorf("init audit head: %w", err)
	}

	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		snap, err := r.store.Get(ctx, head)
		if err != nil {
			return nil, fmt.Errorf("read audit head: %w", err)
		}
		var h chainHead
		if err := snap.DataTo(&h); err != nil {
			return nil, fmt.Errorf("decode audit head: %w", err)
		}

		rec := newRecord(r.newID(), e, h)
		batch := docstore.NewBatch().
			Update(head, chainHead{Seq: rec.Seq, Hash: rec.Hash()}, snap.Version).
			Set(docstore.Join(RecordsCollection(e.ThemeID), rec.ID), rec)

		err = r.store.Commit(ctx, batch)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, docstore.ErrConflict) {
			return nil, fmt.Errorf("append audit record: %w", err)
		}
	}
	return nil, fmt.Errorf("append audit record for %s: %w", e.ThemeID, ErrSeqConflict)
}

// ListByTheme returns the theme's records ordered by Seq.
func (r *DocRepository) ListByTheme(ctx context.Context, themeID string, limit int) ([]*Record, error) {
	snaps, err := r.store.Query(ctx, RecordsCollection(themeID))
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	records := make([]*Record, 0, len(snaps))
	for _, snap := range snaps {
		var rec Record
		if err := snap.DataTo(&rec); err != nil {
			return nil, fmt.Errorf("decode audit record %s: %w", snap.Path, err)
		}
		records = append(records, &rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}
