package chathub

import (
	"context"

	"dmchat/backend/internal/models"
)

// Broker carries published envelopes between processes. Every process
// listens and delivers to its own local subscribers.
type Broker interface {
	Name() string
	Publish(ctx context.Context, roomID string, env models.Envelope) error
	// Listen blocks, calling deliver for each received envelope, until ctx is done.
	Listen(ctx context.Context, deliver func(roomID string, env models.Envelope)) error
	Close() error
}
