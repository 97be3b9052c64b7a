package theme

import (
	"time"

	"github.com/onnwee/fanthemes/internal/clock"
)

// Status is the lifecycle state derived from a theme and the current time.
// It is never stored; re-evaluating Classify is the only transition.
type Status string

// Lifecycle states.
const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusLive      Status = "live"
	StatusExpired   Status = "expired"
)

// Classify derives t's status at now. Private visibility wins over dates.
func Classify(t *Theme, now time.Time) Status {
	if t == nil || t.Visibility == VisibilityPrivate {
		return StatusDraft
	}
	at := clock.FromTime(now)
	switch {
	case t.DeleteAt != nil && at >= *t.DeleteAt:
		return StatusExpired
	case t.ExpiresAt != nil && at >= *t.ExpiresAt:
		return StatusExpired
	case t.ReleaseAt != nil && at < *t.ReleaseAt:
		return StatusScheduled
	case t.ReleaseAt == nil:
		return StatusDraft
	default:
		return StatusLive
	}
}

// NextTransition returns the earliest instant after now at which Classify
// may return a different status. ok is false when no date can change it.
func NextTransition(t *Theme, now time.Time) (next time.Time, ok bool) {
	if t == nil || t.Visibility == VisibilityPrivate {
		return time.Time{}, false
	}
	at := clock.FromTime(now)
	var best clock.Instant
	for _, in := range []*clock.Instant{t.ReleaseAt, t.ExpiresAt, t.DeleteAt} {
		if in == nil || *in <= at {
			continue
		}
		if !ok || *in < best {
			best, ok = *in, true
		}
	}
	if !ok {
		return time.Time{}, false
	}
	return best.Time(), true
}
