package notify

import (
	"context"
	"fmt"

	"portfolio-guard/internal/interfaces"
	"portfolio-guard/internal/logger"
	"portfolio-guard/internal/types"
)

// Router sends each channel to its own transport.
type Router struct {
	routes map[types.Channel]interfaces.Notifier
}

var _ interfaces.Notifier = (*Router)(nil)

func NewRouter() *Router {
	return &Router{routes: make(map[types.Channel]interfaces.Notifier)}
}

// Route registers n for channel, replacing any previous transport.
func (r *Router) Route(channel types.Channel, n interfaces.Notifier) *Router {
	r.routes[channel] = n
	return r
}

func (r *Router) Send(ctx context.Context, channel types.Channel, payload types.Payload) error {
	n, ok := r.routes[channel]
	if !ok {
		return fmt.Errorf("no transport for channel %s: %w", channel, types.ErrNotifier)
	}
	return n.Send(ctx, channel, payload)
}

// LogNotifier writes notifications to the log instead of delivering them.
type LogNotifier struct{}

var _ interfaces.Notifier = LogNotifier{}

func (LogNotifier) Send(ctx context.Context, channel types.Channel, payload types.Payload) error {
	logger.Info(ctx, "Notification (dry run)",
		"channel", string(channel),
		"subject", payload.Subject,
		"body", payload.Body,
	)
	return nil
}
