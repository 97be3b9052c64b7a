package vote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/fanthemes/internal/docstore"
	"github.com/onnwee/fanthemes/internal/identity"
	"github.com/onnwee/fanthemes/internal/theme"
	"github.com/onnwee/fanthemes/internal/tracing"
	"github.com/onnwee/fanthemes/internal/validate"
)

const maxReconcileAttempts = 5

// Reconciler moves anonymous votes onto a signed-in uid.
type Reconciler struct {
	store   docstore.Store
	themes  *theme.Repository
	logger  *slog.Logger
	metrics *Metrics
}

// NewReconciler creates a reconciler. metrics may be nil.
func NewReconciler(store docstore.Store, logger *slog.Logger, metrics *Metrics) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, themes: theme.NewRepository(store, logger), logger: logger, metrics: metrics}
}

// Reconcile sets uid on every vote cast anonymously by clientID and returns
// how many were migrated. Only the uid and bookkeeping fields change; id,
// clientId, themeId and day stay as cast. All matched votes are rewritten in
// one batch or not at all; if another writer touches one of them first the
// run starts over. A second run finds nothing and returns 0.
//
// The uid keeps one counted vote per theme and day. A migrated vote claims
// the uid's own key for its day so a later signed-in cast is rejected as a
// duplicate. When the uid already holds that key, the anonymous vote is
// migrated as superseded and the theme's voteCount drops by one.
func (r *Reconciler) Reconcile(ctx context.Context, uid, clientID string) (migrated int, err error) {
	if uid == "" {
		return 0, identity.ErrNotSignedIn
	}
	if clientID == "" {
		return 0, nil
	}
	if _, err := validate.DocID(uid); err != nil {
		return 0, fmt.Errorf("%w: uid: %w", theme.ErrMalformedInput, err)
	}

	ctx, endSpan := tracing.StartSpan(ctx, "vote.reconcile")
	defer func() { endSpan(err) }()
	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.ObserveReconcileDuration(time.Since(start).Seconds())
		}
	}()

	for attempt := 0; attempt < maxReconcileAttempts; attempt++ {
		var superseded map[string]int64
		migrated, superseded, err = r.attempt(ctx, uid, clientID)
		if err == nil {
			tracing.SetAttributes(ctx, attribute.Int("vote.migrated", migrated))
			if migrated > 0 {
				if r.metrics != nil {
					r.metrics.AddReconciled(migrated)
				}
				r.logger.InfoContext(ctx, "reconciled anonymous votes",
					slog.String("uid", uid),
					slog.Int("count", migrated),
				)
			}
			r.uncount(ctx, superseded)
			return migrated, nil
		}
		if !errors.Is(err, docstore.ErrConflict) {
			return 0, err
		}
		if r.metrics != nil {
			r.metrics.IncReconcileConflicts()
		}
		r.logger.DebugContext(ctx, "reconcile batch conflicted, retrying",
			slog.String("uid", uid),
			slog.Int("attempt", attempt+1),
		)
	}
	return 0, fmt.Errorf("reconcile votes for %s: %w", uid, err)
}

// attempt commits one migration batch. superseded counts, per theme, the
// migrated votes that no longer count.
func (r *Reconciler) attempt(ctx context.Context, uid, clientID string) (int, map[string]int64, error) {
	snaps, err := r.store.QueryGroup(ctx, Group,
		docstore.Where(FieldUID, ""),
		docstore.Where(FieldClientID, clientID),
	)
	if err != nil {
		return 0, nil, fmt.Errorf("find anonymous votes: %w", err)
	}
	if len(snaps) == 0 {
		return 0, nil, nil
	}

	batch := docstore.NewBatch()
	superseded := map[string]int64{}
	for _, snap := range snaps {
		var v Vote
		if err := snap.DataTo(&v); err != nil {
			return 0, nil, fmt.Errorf("reconcile %s: %w", snap.Path, err)
		}
		body, err := withFields(snap, map[string]any{FieldUID: uid})
		if err != nil {
			return 0, nil, err
		}
		claim := uidPath(v.ThemeID, uid, v.Day)
		if claim == snap.Path {
			// The client token equals the uid, so the vote already sits on its key.
			batch.Update(snap.Path, body, snap.Version)
			continue
		}
		held, err := r.store.Get(ctx, claim)
		if err != nil {
			return 0, nil, fmt.Errorf("reconcile %s: %w", snap.Path, err)
		}
		if held.Exists {
			if v.Counted() {
				superseded[v.ThemeID]++
			}
			body[fieldSuperseded] = json.RawMessage("true")
			batch.Update(snap.Path, body, snap.Version)
			continue
		}
		batch.Update(snap.Path, body, snap.Version)
		batch.Create(claim, &Vote{
			ID:        Key(uid, v.Day),
			UID:       uid,
			ThemeID:   v.ThemeID,
			Day:       v.Day,
			CreatedAt: v.CreatedAt,
			ClaimFor:  v.ID,
		})
	}
	if err := r.store.Commit(ctx, batch); err != nil {
		return 0, nil, fmt.Errorf("migrate anonymous votes: %w", err)
	}
	return len(snaps), superseded, nil
}

// uncount lowers voteCount for superseded votes. Like the increment on cast
// it is best effort.
func (r *Reconciler) uncount(ctx context.Context, superseded map[string]int64) {
	for themeID, n := range superseded {
		if err := r.themes.IncrementVotes(ctx, themeID, -n); err != nil {
			if r.metrics != nil {
				r.metrics.IncCounterFailures()
			}
			r.logger.WarnContext(ctx, "superseded votes not subtracted from voteCount",
				slog.String("theme_id", themeID),
				slog.Int64("count", n),
				slog.String("error", err.Error()),
			)
		}
	}
}

// withFields returns the stored body of snap with fields overwritten. Fields
// the Vote type does not know survive.
func withFields(snap docstore.Snapshot, fields map[string]any) (map[string]json.RawMessage, error) {
	var body map[string]json.RawMessage
	if err := snap.DataTo(&body); err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", snap.Path, err)
	}
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		body[k] = raw
	}
	return body, nil
}
