package docstore

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// WatchConfig controls how Watch re-establishes a dropped subscription.
type WatchConfig struct {
	// BaseDelay is the delay before the first resubscribe attempt.
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// JitterFactor adds up to this fraction of random delay (0 disables jitter).
	JitterFactor float64
}

// DefaultWatchConfig returns the reconnect policy used in production.
func DefaultWatchConfig() WatchConfig {
	return WatchConfig{
		BaseDelay:    250 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.2,
	}
}

// Watch keeps a subscription to path alive until ctx is cancelled, calling fn
// for every snapshot. When the subscription fails it resubscribes with
// exponential backoff and jitter; the fresh subscription starts with the full
// current snapshot, so fn never misses the latest state. Returns ctx.Err().
func Watch(ctx context.Context, store Store, path string, cfg WatchConfig, logger *slog.Logger, fn func(Snapshot)) error {
	if logger == nil {
		logger = slog.Default()
	}
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		sub, err := store.Subscribe(ctx, path)
		if err == nil {
			received := false
			for snap := range sub.Snapshots() {
				if !received {
					received = true
					attempt = 0
				}
				fn(snap)
			}
			err = sub.Err()
			_ = sub.Close()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := backoff(cfg, attempt)
		attempt++
		logger.WarnContext(ctx, "document subscription dropped, resubscribing",
			slog.String("path", path),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// backoff computes baseDelay * 2^attempt capped at MaxDelay, plus jitter.
func backoff(cfg WatchConfig, attempt int) time.Duration {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultWatchConfig().BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if attempt > 30 {
		attempt = 30
	}
	d := float64(cfg.BaseDelay) * float64(uint64(1)<<uint(attempt))
	if d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	if cfg.JitterFactor > 0 {
		d = d * (1 + rand.Float64()*cfg.JitterFactor)
	}
	return time.Duration(d)
}
