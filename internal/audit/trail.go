package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/onnwee/fanthemes/internal/clock"
	"github.com/onnwee/fanthemes/internal/middleware"
)

// Trail records theme mutations. Record never fails the caller: a failed
// write is logged and counted so the primary mutation stands.
type Trail struct {
	repo    Repository
	clock   clock.Clock
	logger  *slog.Logger
	metrics *Metrics
}

// NewTrail creates a Trail writing to repo. metrics may be nil.
func NewTrail(repo Repository, c clock.Clock, logger *slog.Logger, metrics *Metrics) *Trail {
	if c == nil {
		c = clock.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Trail{repo: repo, clock: c, logger: logger, metrics: metrics}
}

// Record appends one entry to themeID's audit sequence. before and after are
// snapshots of the theme (nil when absent).
func (t *Trail) Record(ctx context.Context, themeID string, action Action, before, after any, actor string) {
	entry := Entry{
		ThemeID:   themeID,
		Action:    action,
		Actor:     actor,
		RequestID: middleware.GetRequestID(ctx),
		CreatedAt: t.clock.Now(),
	}

	var err error
	if entry.Before, err = snapshot(before); err == nil {
		entry.After, err = snapshot(after)
	}
	if err == nil {
		_, err = t.repo.Append(ctx, entry)
	}

	if err != nil {
		if t.metrics != nil {
			t.metrics.IncFailures(action)
		}
		t.logger.ErrorContext(ctx, "failed to write theme audit record",
			slog.String("theme_id", themeID),
			slog.String("action", string(action)),
			slog.String("actor", actor),
			slog.String("error", err.Error()),
		)
		return
	}
	if t.metrics != nil {
		t.metrics.IncWrites(action)
	}
}

// History returns the theme's records, oldest first.
func (t *Trail) History(ctx context.Context, themeID string, limit int) ([]*Record, error) {
	return t.repo.ListByTheme(ctx, themeID, limit)
}

func snapshot(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, nil
	}
	return raw, nil
}
