package theme

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/onnwee/fanthemes/internal/audit"
	"github.com/onnwee/fanthemes/internal/clock"
	"github.com/onnwee/fanthemes/internal/identity"
	"github.com/onnwee/fanthemes/internal/rollout"
)

// Auditor records theme mutations. Implementations must not fail the caller.
type Auditor interface {
	Record(ctx context.Context, themeID string, action audit.Action, before, after any, actor string)
}

// View is a theme together with its status at the time it was read.
type View struct {
	*Theme
	Status Status `json:"status"`
}

// Eligibility explains whether a session may see a theme right now.
type Eligibility struct {
	ThemeID     string `json:"themeId"`
	Status      Status `json:"status"`
	TierAllowed bool   `json:"tierAllowed"`
	InCohort    bool   `json:"inCohort"`
	Eligible    bool   `json:"eligible"`
}

// Service is the operator and fan facing theme API.
type Service struct {
	repo    *Repository
	auditor Auditor
	clock   clock.Clock
	logger  *slog.Logger
}

// NewService creates a theme service.
func NewService(repo *Repository, auditor Auditor, c clock.Clock, logger *slog.Logger) *Service {
	if c == nil {
		c = clock.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, auditor: auditor, clock: c, logger: logger}
}

// Save validates and writes t, then records a create or update audit entry
// with the previous document as the before snapshot. It reports whether the
// theme was created.
func (s *Service) Save(ctx context.Context, session identity.Session, t *Theme) (*View, bool, error) {
	if !session.IsOperator() {
		return nil, false, ErrForbidden
	}
	if err := t.Validate(); err != nil {
		return nil, false, err
	}

	before, err := s.repo.Get(ctx, t.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		// An unreadable previous document must not block the operator from fixing it.
		if !errors.Is(err, ErrMalformedInput) {
			return nil, false, err
		}
		s.logger.WarnContext(ctx, "overwriting unreadable theme document",
			slog.String("theme_id", t.ID), slog.String("error", err.Error()))
		before = nil
	}

	if err := s.repo.Save(ctx, t); err != nil {
		return nil, false, err
	}

	action := audit.ActionUpdate
	if before == nil {
		action = audit.ActionCreate
	} else {
		t.VoteCount = before.VoteCount
	}
	s.auditor.Record(ctx, t.ID, action, auditSnapshot(before), auditSnapshot(t), session.UID)

	return &View{Theme: t, Status: Classify(t, s.clock.Now())}, before == nil, nil
}

// Delete removes theme id and records a delete audit entry.
func (s *Service) Delete(ctx context.Context, session identity.Session, id string) error {
	if !session.IsOperator() {
		return ErrForbidden
	}
	before, err := s.repo.Get(ctx, id)
	if err != nil && !errors.Is(err, ErrMalformedInput) {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.auditor.Record(ctx, id, audit.ActionDelete, auditSnapshot(before), nil, session.UID)
	return nil
}

// Get returns theme id with its current status.
func (s *Service) Get(ctx context.Context, id string) (*View, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &View{Theme: t, Status: Classify(t, s.clock.Now())}, nil
}

// List returns every theme with its current status.
func (s *Service) List(ctx context.Context) ([]View, error) {
	themes, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	views := make([]View, len(themes))
	for i, t := range themes {
		views[i] = View{Theme: t, Status: Classify(t, now)}
	}
	return views, nil
}

// FeaturedOnLogin returns the live themes flagged to be shown at sign-in
// that session is eligible for.
func (s *Service) FeaturedOnLogin(ctx context.Context, session identity.Session) ([]View, error) {
	views, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	featured := make([]View, 0)
	for _, v := range views {
		if v.FeaturedOnLogin && Eligible(v.Theme, session, now) {
			featured = append(featured, v)
		}
	}
	return featured, nil
}

// Eligibility explains the exposure decision for theme id and session.
func (s *Service) Eligibility(ctx context.Context, session identity.Session, id string) (*Eligibility, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	e := Evaluate(t, session, s.clock.Now())
	return &e, nil
}

// Evaluate computes the exposure decision for t and session at now.
func Evaluate(t *Theme, session identity.Session, now time.Time) Eligibility {
	e := Eligibility{
		ThemeID:     t.ID,
		Status:      Classify(t, now),
		TierAllowed: t.Tier != TierVIP || session.VIP,
	}
	if id, err := identity.Resolve(session); err == nil {
		e.InCohort = rollout.InCohort(id.Token(), t.RolloutPercent)
	}
	e.Eligible = e.Status == StatusLive && e.TierAllowed && e.InCohort
	return e
}

// Eligible reports whether session may see t at now: the theme is live, the
// tier admits the session and the identity falls inside the rollout cohort.
func Eligible(t *Theme, session identity.Session, now time.Time) bool {
	return Evaluate(t, session, now).Eligible
}

// auditSnapshot keeps nil themes as untyped nil so the trail stores no snapshot.
func auditSnapshot(t *Theme) any {
	if t == nil {
		return nil
	}
	return t
}
