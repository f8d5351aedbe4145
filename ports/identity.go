package ports

import (
	"context"

	"github.com/layer-3/didconnect/core"
)

// IdentityClient exchanges wallet credentials for viewer sessions on the identity network.
type IdentityClient interface {
	// Connect starts authentication. The returned session may still be connecting;
	// Done is closed once it leaves that state.
	Connect(ctx context.Context, auth AuthProvider) (ViewerSession, error)
}

// ViewerSession is an identity network session for one address.
type ViewerSession interface {
	Status() core.ViewerStatus
	Done() <-chan struct{}
	// Err is the reason a session fell back to idle, nil otherwise.
	Err() error
	// DID is the identifier issued by the network, empty until connected.
	DID() core.DID
	MergeProfile(ctx context.Context, profile core.Profile) error
	Disconnect(ctx context.Context) error
}
