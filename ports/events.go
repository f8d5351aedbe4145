package ports

import (
	"context"

	"github.com/layer-3/didconnect/core"
)

// EventPublisher publishes events to notify other instances
type EventPublisher interface {
	PublishLogout(ctx context.Context, address core.Address, tokenID string) error
	PublishSession(ctx context.Context, event core.SessionEvent) error
}
