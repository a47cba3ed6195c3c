package interfaces

import (
	"context"

	"portfolio-guard/internal/types"
)

// Notifier delivers a payload on one channel.
type Notifier interface {
	Send(ctx context.Context, channel types.Channel, payload types.Payload) error
}
