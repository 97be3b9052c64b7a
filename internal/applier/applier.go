// Package applier pushes the presentation a fan should currently see: the
// background and ambient effect of their selected theme while it is live,
// and nothing otherwise.
package applier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/fanthemes/internal/asset"
	"github.com/onnwee/fanthemes/internal/clock"
	"github.com/onnwee/fanthemes/internal/docstore"
	"github.com/onnwee/fanthemes/internal/settings"
	"github.com/onnwee/fanthemes/internal/theme"
	"github.com/onnwee/fanthemes/internal/validate"
)

// Presentation is the active theme side effect. The zero value is None.
type Presentation struct {
	ThemeID    string `json:"themeId,omitempty"`
	Active     bool   `json:"active"`
	Background string `json:"background,omitempty"`
	Icon       string `json:"icon,omitempty"`
	Effect     string `json:"effect,omitempty"`
}

// None is the presentation with no active theme.
var None = Presentation{}

// Timer arms a one-shot timer. stop releases it early.
type Timer func(d time.Duration) (fire <-chan time.Time, stop func() bool)

func realTimer(d time.Duration) (<-chan time.Time, func() bool) {
	t := time.NewTimer(d)
	return t.C, t.Stop
}

// Applier watches a fan's settings and selected theme.
type Applier struct {
	store    docstore.Store
	resolver asset.Resolver
	clock    clock.Clock
	logger   *slog.Logger
	watchCfg docstore.WatchConfig
	timer    Timer
}

// Option configures an Applier.
type Option func(*Applier)

// WithWatchConfig overrides the resubscribe policy.
func WithWatchConfig(cfg docstore.WatchConfig) Option {
	return func(a *Applier) { a.watchCfg = cfg }
}

// WithTimer overrides how lifecycle boundary timers are armed.
func WithTimer(t Timer) Option {
	return func(a *Applier) { a.timer = t }
}

// New creates an Applier.
func New(store docstore.Store, resolver asset.Resolver, c clock.Clock, logger *slog.Logger, opts ...Option) *Applier {
	if resolver == nil {
		resolver = asset.Passthrough{}
	}
	if c == nil {
		c = clock.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Applier{
		store:    store,
		resolver: resolver,
		clock:    c,
		logger:   logger,
		watchCfg: docstore.DefaultWatchConfig(),
		timer:    realTimer,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run watches uid's settings and the selected theme and calls emit whenever
// the resulting presentation changes, including when the theme crosses a
// lifecycle boundary. Consecutive identical presentations are emitted once.
// Resolution problems degrade to None. Run returns ctx.Err() once ctx is
// cancelled; every subscription it opened is closed by then.
func (a *Applier) Run(ctx context.Context, uid string, emit func(Presentation)) error {
	if _, err := validate.DocID(uid); err != nil {
		return fmt.Errorf("%w: uid: %w", theme.ErrMalformedInput, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	settingsCh := make(chan docstore.Snapshot, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = docstore.Watch(ctx, a.store, settings.Path(uid), a.watchCfg, a.logger, latest(ctx, settingsCh))
	}()

	r := &run{Applier: a, uid: uid, emit: emit}
	defer r.stopTimer()
	defer r.stopTheme()

	for {
		select {
		case <-ctx.Done():
			r.stopTheme()
			<-done
			return ctx.Err()

		case snap := <-settingsCh:
			s, err := settings.FromSnapshot(snap)
			if err != nil {
				a.logger.WarnContext(ctx, "unreadable fan settings",
					slog.String("uid", uid),
					slog.String("error", err.Error()),
				)
				s = &settings.FanSetting{}
			}
			r.selectTheme(ctx, s.Selected())

		case snap := <-r.themeCh:
			r.themeSnap = &snap
			r.apply(ctx)

		case <-r.timerCh:
			r.timerCh = nil
			r.apply(ctx)
		}
	}
}

// run is the state of one Run call. It is only touched by the Run goroutine.
type run struct {
	*Applier
	uid  string
	emit func(Presentation)

	selected    string
	themeCh     chan docstore.Snapshot
	themeCancel context.CancelFunc
	themeDone   chan struct{}
	themeSnap   *docstore.Snapshot

	timerCh   <-chan time.Time
	timerStop func() bool

	last    Presentation
	emitted bool
}

func (r *run) selectTheme(ctx context.Context, themeID string) {
	if themeID == r.selected && (themeID == "" || r.themeCh != nil) {
		if themeID == "" {
			r.publish(None)
		}
		return
	}
	r.stopTheme()
	r.stopTimer()
	r.selected = themeID
	r.themeSnap = nil

	if themeID == "" {
		r.publish(None)
		return
	}
	if _, err := validate.DocID(themeID); err != nil {
		r.logger.WarnContext(ctx, "fan selected an invalid theme id",
			slog.String("uid", r.uid),
			slog.String("theme_id", themeID),
		)
		r.publish(None)
		return
	}

	themeCtx, cancel := context.WithCancel(ctx)
	ch := make(chan docstore.Snapshot, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = docstore.Watch(themeCtx, r.store, theme.Path(themeID), r.watchCfg, r.logger, latest(themeCtx, ch))
	}()
	r.themeCh, r.themeCancel, r.themeDone = ch, cancel, done
}

func (r *run) stopTheme() {
	if r.themeCancel == nil {
		return
	}
	r.themeCancel()
	<-r.themeDone
	r.themeCh, r.themeCancel, r.themeDone = nil, nil, nil
}

func (r *run) stopTimer() {
	if r.timerStop != nil {
		r.timerStop()
	}
	r.timerCh, r.timerStop = nil, nil
}

// apply recomputes the presentation from the latest theme snapshot and arms
// a timer for the next lifecycle boundary.
func (r *run) apply(ctx context.Context) {
	r.stopTimer()
	if r.themeSnap == nil {
		return
	}
	now := r.clock.Now()

	t, err := theme.FromSnapshot(*r.themeSnap)
	if err != nil {
		r.logger.DebugContext(ctx, "selected theme unavailable",
			slog.String("uid", r.uid),
			slog.String("theme_id", r.selected),
			slog.String("error", err.Error()),
		)
		r.publish(None)
		return
	}

	if next, ok := theme.NextTransition(t, now); ok {
		r.timerCh, r.timerStop = r.timer(next.Sub(now))
	}
	r.publish(r.present(ctx, t, now))
}

func (r *run) present(ctx context.Context, t *theme.Theme, now time.Time) Presentation {
	if theme.Classify(t, now) != theme.StatusLive {
		return None
	}
	bg, err := r.resolver.Resolve(ctx, t.BgURL)
	if err != nil {
		r.logger.WarnContext(ctx, "failed to resolve theme background",
			slog.String("theme_id", t.ID),
			slog.String("error", err.Error()),
		)
		return None
	}
	icon, err := r.resolver.Resolve(ctx, t.IconURL)
	if err != nil {
		// The icon is decoration; the theme still applies without it.
		r.logger.WarnContext(ctx, "failed to resolve theme icon",
			slog.String("theme_id", t.ID),
			slog.String("error", err.Error()),
		)
		icon = ""
	}
	return Presentation{
		ThemeID:    t.ID,
		Active:     true,
		Background: bg,
		Icon:       icon,
		Effect:     t.Effect,
	}
}

func (r *run) publish(p Presentation) {
	if r.emitted && p == r.last {
		return
	}
	r.last, r.emitted = p, true
	r.emit(p)
}

// latest returns a Watch callback that keeps only the newest snapshot in ch.
func latest(ctx context.Context, ch chan docstore.Snapshot) func(docstore.Snapshot) {
	return func(snap docstore.Snapshot) {
		for {
			select {
			case ch <- snap:
				return
			case <-ctx.Done():
				return
			default:
			}
			select {
			case <-ch:
			default:
			}
		}
	}
}
