package ports

import (
	"context"

	"github.com/layer-3/didconnect/core"
)

// Navigator hands the client over to another screen.
type Navigator interface {
	Navigate(ctx context.Context, route core.Route) error
}
