package ports

import (
	"context"
	"time"

	"github.com/layer-3/didconnect/core"
)

// Store interface for token invalidation
type Store interface {
	InvalidateToken(ctx context.Context, tokenID string, expiry time.Duration) error
	IsTokenInvalidated(ctx context.Context, tokenID string) (bool, error)
}

// NoteStore keeps the advisory copy of the last derived DID.
type NoteStore interface {
	// Get returns core.ErrNoteNotFound when no note is stored.
	Get(ctx context.Context) (core.DID, error)
	Set(ctx context.Context, did core.DID) error
	Delete(ctx context.Context) error
}

// ProfileStore persists profiles on the identity node, keyed by address.
type ProfileStore interface {
	Merge(ctx context.Context, addr core.Address, profile core.Profile) (core.Profile, error)
	Get(ctx context.Context, addr core.Address) (core.Profile, error)
}
