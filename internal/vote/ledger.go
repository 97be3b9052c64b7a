package vote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/fanthemes/internal/clock"
	"github.com/onnwee/fanthemes/internal/docstore"
	"github.com/onnwee/fanthemes/internal/identity"
	"github.com/onnwee/fanthemes/internal/theme"
	"github.com/onnwee/fanthemes/internal/tracing"
)

// Ledger records votes. At most one vote exists per identity token, theme
// and day because every cast is a single create-if-absent write on a key
// derived from all three.
type Ledger struct {
	store   docstore.Store
	themes  *theme.Repository
	clock   clock.Clock
	logger  *slog.Logger
	metrics *Metrics
}

// NewLedger creates a ledger. metrics may be nil.
func NewLedger(store docstore.Store, c clock.Clock, logger *slog.Logger, metrics *Metrics) *Ledger {
	if c == nil {
		c = clock.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, themes: theme.NewRepository(store, logger), clock: c, logger: logger, metrics: metrics}
}

// Cast records a vote by id for themeID on day. A second cast for the same
// key fails with ErrAlreadyVoted and leaves the first vote untouched; that
// includes a uid whose key was claimed when its anonymous vote was
// reconciled. On
// success the theme's voteCount is incremented; a failed increment is logged
// and does not fail the cast.
func (l *Ledger) Cast(ctx context.Context, id identity.Identity, themeID, day string) (v *Vote, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "vote.cast")
	defer func() {
		if errors.Is(err, ErrAlreadyVoted) {
			endSpan(nil)
			return
		}
		endSpan(err)
	}()
	tracing.SetAttributes(ctx,
		attribute.String("theme.id", themeID),
		attribute.String("vote.day", day),
		attribute.Bool("identity.anonymous", id.Anonymous()),
	)

	if err := validateTarget(id, themeID, day); err != nil {
		return nil, err
	}

	v = &Vote{
		ID:        Key(id.Token(), day),
		UID:       id.UID,
		ClientID:  id.ClientID,
		ThemeID:   themeID,
		Day:       day,
		CreatedAt: clock.FromTime(l.clock.Now()),
	}

	if err := l.store.Create(ctx, Path(themeID, id, day), v); err != nil {
		if errors.Is(err, docstore.ErrExists) {
			l.count(ResultDuplicate)
			return nil, ErrAlreadyVoted
		}
		l.count(ResultFailed)
		return nil, fmt.Errorf("cast vote on %s: %w", themeID, err)
	}
	l.count(ResultCounted)

	if err := l.themes.IncrementVotes(ctx, themeID, 1); err != nil {
		if l.metrics != nil {
			l.metrics.IncCounterFailures()
		}
		l.logger.WarnContext(ctx, "vote counted but voteCount increment failed",
			slog.String("theme_id", themeID),
			slog.String("vote_id", v.ID),
			slog.String("error", err.Error()),
		)
	}
	return v, nil
}

// CastNow casts a vote for the current UTC day.
func (l *Ledger) CastNow(ctx context.Context, id identity.Identity, themeID string) (*Vote, error) {
	return l.Cast(ctx, id, themeID, l.Today())
}

// CheckVoted reports whether id already has a vote for themeID on day. It is
// informational; Cast alone enforces uniqueness.
func (l *Ledger) CheckVoted(ctx context.Context, id identity.Identity, themeID, day string) (bool, error) {
	if err := validateTarget(id, themeID, day); err != nil {
		return false, err
	}
	snap, err := l.store.Get(ctx, Path(themeID, id, day))
	if err != nil {
		return false, fmt.Errorf("check vote on %s: %w", themeID, err)
	}
	return snap.Exists, nil
}

// Get returns the vote of id for themeID on day, or nil when there is none.
func (l *Ledger) Get(ctx context.Context, id identity.Identity, themeID, day string) (*Vote, error) {
	if err := validateTarget(id, themeID, day); err != nil {
		return nil, err
	}
	snap, err := l.store.Get(ctx, Path(themeID, id, day))
	if err != nil {
		return nil, fmt.Errorf("get vote on %s: %w", themeID, err)
	}
	if !snap.Exists {
		return nil, nil
	}
	var v Vote
	if err := snap.DataTo(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Today returns the ledger's current UTC day.
func (l *Ledger) Today() string {
	return clock.DayOf(l.clock.Now())
}

func (l *Ledger) count(result string) {
	if l.metrics != nil {
		l.metrics.IncCast(result)
	}
}
