package navigation

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/layer-3/didconnect/core"
	"github.com/layer-3/didconnect/ports"
)

// Topic carries route strings such as /profile?wallet=0x...
const Topic = "didconnect.navigation"

// WatermillNavigator publishes navigation requests for whatever renders the screens.
type WatermillNavigator struct {
	publisher message.Publisher
}

func NewWatermillNavigator(publisher message.Publisher) *WatermillNavigator {
	return &WatermillNavigator{publisher: publisher}
}

var _ ports.Navigator = (*WatermillNavigator)(nil)

func (n *WatermillNavigator) Navigate(ctx context.Context, route core.Route) error {
	msg := message.NewMessage(watermill.NewUUID(), []byte(route.String()))
	msg.SetContext(ctx)
	if err := n.publisher.Publish(Topic, msg); err != nil {
		return fmt.Errorf("failed to publish navigation to %s: %w", route.Path, err)
	}
	return nil
}
