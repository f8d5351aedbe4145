package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/layer-3/didconnect/core"
	"github.com/layer-3/didconnect/ports"
)

const (
	LogoutTopic  = "didconnect.logout"
	SessionTopic = "didconnect.session"
)

// LogoutEvent represents a logout event
type LogoutEvent struct {
	Address core.Address `json:"address"`
	TokenID string       `json:"token_id"`
}

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
}

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher) *WatermillPublisher {
	return &WatermillPublisher{publisher: publisher}
}

var _ ports.EventPublisher = (*WatermillPublisher)(nil)

// PublishLogout publishes a logout event
func (p *WatermillPublisher) PublishLogout(ctx context.Context, address core.Address, tokenID string) error {
	return p.publish(ctx, LogoutTopic, tokenID, LogoutEvent{Address: address, TokenID: tokenID})
}

// PublishSession publishes a wallet or DID session transition
func (p *WatermillPublisher) PublishSession(ctx context.Context, event core.SessionEvent) error {
	return p.publish(ctx, SessionTopic, watermill.NewUUID(), event)
}

func (p *WatermillPublisher) publish(ctx context.Context, topic, id string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(id, payload)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}
