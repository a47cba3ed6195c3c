package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"portfolio-guard/internal/cache"
	"portfolio-guard/internal/interfaces"
	"portfolio-guard/internal/logger"
	"portfolio-guard/internal/types"
)

// DefaultDedupWindow is used when Config.DedupWindow is zero.
const DefaultDedupWindow = time.Hour

type Config struct {
	Thresholds  types.NotificationThresholds
	DedupWindow time.Duration
	// MarkBeforeSend records the dedup key before delivery. Only safe for
	// idempotent transports: a failed send is then never retried in-window.
	MarkBeforeSend bool
	Channels       []types.Channel
}

// Report summarizes one batch of dispatches.
type Report struct {
	Sent       int      `json:"sent"`
	Suppressed int      `json:"suppressed"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors,omitempty"`
}

// Throttle gates, de-duplicates and delivers notification events.
type Throttle struct {
	mu       sync.Mutex
	cfg      Config
	cache    *cache.Cache
	notifier interfaces.Notifier
}

func NewThrottle(cfg Config, c *cache.Cache, n interfaces.Notifier) *Throttle {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	return &Throttle{cfg: cfg, cache: c, notifier: n}
}

// Passes applies the magnitude gate for the event kind.
func (t *Throttle) Passes(ev types.NotificationEvent) bool {
	th := t.cfg.Thresholds
	switch ev.Kind {
	case types.EventPortfolioValueChange:
		return math.Abs(ev.Magnitude) > th.PortfolioValueChangePct
	case types.EventHoldingValueChange:
		return math.Abs(ev.Magnitude) > th.HoldingValueChangePct
	case types.EventSentimentChange:
		return math.Abs(ev.Magnitude) > th.SentimentChange
	case types.EventTradeExecuted:
		return true
	default:
		return false
	}
}

// ShouldNotify reports whether ev passes its gate and its dedup key is
// unseen within the window.
func (t *Throttle) ShouldNotify(ctx context.Context, ev types.NotificationEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shouldNotify(ctx, ev)
}

func (t *Throttle) shouldNotify(ctx context.Context, ev types.NotificationEvent) bool {
	if !t.Passes(ev) {
		return false
	}
	return !t.cache.SeenNotification(ctx, ev.DedupKey, t.cfg.DedupWindow)
}

// Dispatch delivers ev on every configured channel when ShouldNotify holds.
// It returns whether the event was delivered on at least one channel.
func (t *Throttle) Dispatch(ctx context.Context, ev types.NotificationEvent) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.shouldNotify(ctx, ev) {
		logger.Debug(ctx, "Notification suppressed", "dedup_key", ev.DedupKey, "kind", string(ev.Kind))
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("dispatch %s: %w: %v", ev.DedupKey, types.ErrNotifier, err)
	}

	if t.cfg.MarkBeforeSend {
		if err := t.cache.MarkNotification(ctx, ev.DedupKey); err != nil {
			return false, fmt.Errorf("mark %s: %w", ev.DedupKey, err)
		}
	}

	var (
		errs      []error
		delivered bool
	)
	for _, ch := range t.cfg.Channels {
		if err := t.send(ctx, ch, ev.Payload); err != nil {
			logger.ErrorWithErr(ctx, "Notification send failed", err,
				"channel", string(ch), "dedup_key", ev.DedupKey)
			errs = append(errs, fmt.Errorf("%s: %w", ch, err))
			continue
		}
		delivered = true
	}

	if delivered && !t.cfg.MarkBeforeSend {
		if err := t.cache.MarkNotification(ctx, ev.DedupKey); err != nil {
			errs = append(errs, fmt.Errorf("mark %s: %w", ev.DedupKey, err))
		}
	}

	if delivered {
		logger.Info(ctx, "Notification sent",
			"id", ev.ID,
			"kind", string(ev.Kind),
			"dedup_key", ev.DedupKey,
			"subject", ev.Payload.Subject,
		)
	}
	if len(errs) > 0 {
		return delivered, fmt.Errorf("dispatch %s: %w", ev.DedupKey, errors.Join(append([]error{types.ErrNotifier}, errs...)...))
	}
	return delivered, nil
}

// send abandons a transport call that outlives ctx. The call itself keeps
// running until the transport honours ctx.
func (t *Throttle) send(ctx context.Context, ch types.Channel, p types.Payload) error {
	done := make(chan error, 1)
	go func() { done <- t.notifier.Send(ctx, ch, p) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %s abandoned: %v", types.ErrNotifier, ch, ctx.Err())
	}
}

// Process dispatches events in order. Failures are recorded, never returned.
func (t *Throttle) Process(ctx context.Context, events []types.NotificationEvent) Report {
	var r Report
	for _, ev := range events {
		sent, err := t.Dispatch(ctx, ev)
		switch {
		case err != nil && !sent:
			r.Failed++
		case sent:
			r.Sent++
		default:
			r.Suppressed++
		}
		if err != nil {
			r.Errors = append(r.Errors, err.Error())
		}
	}
	return r
}
