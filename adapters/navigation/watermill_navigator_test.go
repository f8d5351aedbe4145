package navigation

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/didconnect/core"
)

func TestNavigatePublishesRoute(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bus := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 2}, watermill.NopLogger{})
	defer bus.Close()

	routes, err := bus.Subscribe(ctx, Topic)
	require.NoError(t, err)

	nav := NewWatermillNavigator(bus)
	addr := core.Address("0x00000000000000000000000000000000000000aa")
	require.NoError(t, nav.Navigate(ctx, core.ProfileRoute(addr)))
	require.NoError(t, nav.Navigate(ctx, core.DashboardRoute()))

	var got []string
	for len(got) < 2 {
		select {
		case msg := <-routes:
			got = append(got, string(msg.Payload))
			msg.Ack()
		case <-ctx.Done():
			t.Fatalf("routes not delivered, got %v", got)
		}
	}
	assert.ElementsMatch(t, []string{"/profile?wallet=" + addr.String(), "/dashboard"}, got)
}
