package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/layer-3/didconnect/core"
	"github.com/layer-3/didconnect/internal/metrics"
	"github.com/layer-3/didconnect/ports"
)

const (
	// DefaultSettleTimeout bounds the wait for a viewer session that never signals completion.
	DefaultSettleTimeout = 2500 * time.Millisecond

	viewerDisconnectTimeout = 5 * time.Second
)

// WalletState is the part of the wallet controller a DID session depends on.
type WalletState interface {
	CurrentAddress() (core.Address, bool)
	AuthProvider(addr core.Address) (ports.AuthProvider, error)
}

// DIDOptions configures DID derivation and settling.
type DIDOptions struct {
	ChainNamespace string
	Strategy       core.DerivationStrategy
	SettleTimeout  time.Duration
}

// DIDController binds a DID session to the wallet's current address.
//
// Every authentication, reset and disconnect bumps a generation counter.
// An authentication only commits if its generation is still the latest and
// its address is still the wallet's current address, so a slow exchange for
// a previous account can never overwrite the session of a newer one.
type DIDController struct {
	wallet   WalletState
	identity ports.IdentityClient
	notes    ports.NoteStore
	opts     DIDOptions
	logger   *zap.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer

	mu         sync.Mutex
	session    core.DIDSession
	generation uint64
	viewer     ports.ViewerSession
}

// NewDIDController creates a DID controller. Zero options fall back to a
// local did:pkh on mainnet and DefaultSettleTimeout.
func NewDIDController(
	wallet WalletState,
	identity ports.IdentityClient,
	notes ports.NoteStore,
	opts DIDOptions,
	logger *zap.Logger,
	m *metrics.Metrics,
) *DIDController {
	if opts.ChainNamespace == "" {
		opts.ChainNamespace = core.DefaultChainNamespace
	}
	if opts.Strategy == "" {
		opts.Strategy = core.DeriveLocal
	}
	if opts.SettleTimeout <= 0 {
		opts.SettleTimeout = DefaultSettleTimeout
	}
	return &DIDController{
		wallet:   wallet,
		identity: identity,
		notes:    notes,
		opts:     opts,
		logger:   logger.Named("did"),
		metrics:  m,
		tracer:   otel.Tracer("github.com/layer-3/didconnect/service"),
	}
}

// Authenticate exchanges a wallet signature for an identity session and derives the DID for addr.
func (c *DIDController) Authenticate(ctx context.Context, addr core.Address) (core.DID, error) {
	ctx, span := c.tracer.Start(ctx, "did.authenticate",
		trace.WithAttributes(
			attribute.String("address", addr.String()),
			attribute.String("strategy", string(c.opts.Strategy)),
		))
	defer span.End()

	start := time.Now()
	did, err := c.authenticate(ctx, addr)
	c.metrics.DIDAuthDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.DIDAuthentications.WithLabelValues(resultLabel(err)).Inc()
		return "", err
	}

	span.SetAttributes(attribute.String("did", did.String()))
	c.metrics.DIDAuthentications.WithLabelValues("success").Inc()
	return did, nil
}

func (c *DIDController) authenticate(ctx context.Context, addr core.Address) (core.DID, error) {
	auth, err := c.wallet.AuthProvider(addr)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.session = core.DIDSession{Status: core.DIDAuthenticating, Address: addr}
	c.mu.Unlock()

	c.logger.Info("authenticating", zap.Stringer("address", addr), zap.Uint64("generation", gen))

	viewer, err := c.identity.Connect(ctx, auth)
	if err != nil {
		return "", c.fail(gen, addr, nil, err)
	}
	if err := c.settle(ctx, viewer); err != nil {
		return "", c.fail(gen, addr, viewer, err)
	}
	did, err := c.derive(addr, viewer)
	if err != nil {
		return "", c.fail(gen, addr, viewer, err)
	}

	c.mu.Lock()
	current, connected := c.wallet.CurrentAddress()
	if gen != c.generation || !connected || current != addr {
		if gen == c.generation {
			c.session = core.DIDSession{Status: core.DIDIdle}
		}
		c.mu.Unlock()
		c.metrics.DIDStaleCompletions.Inc()
		c.logger.Info("discarding stale authentication", zap.Stringer("address", addr), zap.Uint64("generation", gen))
		c.dropViewer(viewer)
		return "", fmt.Errorf("authenticate %s: %w", addr, core.ErrStaleSession)
	}
	previous := c.viewer
	c.viewer = viewer
	c.session = core.DIDSession{Status: core.DIDAuthenticated, Address: addr, DID: did}
	c.mu.Unlock()

	if previous != nil && previous != viewer {
		c.dropViewer(previous)
	}

	// The note is advisory; losing it only costs a re-authentication.
	if err := c.notes.Set(ctx, did); err != nil {
		c.logger.Warn("failed to persist did note", zap.Error(err))
	}

	c.mu.Lock()
	superseded := gen != c.generation
	latest := c.session
	c.mu.Unlock()
	if superseded {
		c.metrics.DIDStaleCompletions.Inc()
		c.logger.Info("session reset while persisting note", zap.Stringer("address", addr), zap.Uint64("generation", gen))
		c.repairNote(ctx, latest)
		return "", fmt.Errorf("authenticate %s: %w", addr, core.ErrStaleSession)
	}

	c.logger.Info("authenticated", zap.Stringer("address", addr), zap.Stringer("did", did))
	return did, nil
}

// repairNote rewrites the note for the latest session after a superseded
// authentication may have overwritten it.
func (c *DIDController) repairNote(ctx context.Context, latest core.DIDSession) {
	var err error
	if latest.Status == core.DIDAuthenticated {
		err = c.notes.Set(ctx, latest.DID)
	} else {
		err = c.notes.Delete(ctx)
	}
	if err != nil {
		c.logger.Warn("failed to repair did note", zap.Error(err))
	}
}

// settle waits for the viewer session to leave connecting. The timeout only
// applies to sessions that never close Done.
func (c *DIDController) settle(ctx context.Context, viewer ports.ViewerSession) error {
	if viewer.Status() != core.ViewerConnecting {
		return settled(viewer)
	}

	timer := time.NewTimer(c.opts.SettleTimeout)
	defer timer.Stop()

	select {
	case <-viewer.Done():
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return settled(viewer)
}

func settled(viewer ports.ViewerSession) error {
	switch viewer.Status() {
	case core.ViewerConnected:
		return nil
	case core.ViewerConnecting:
		return core.ErrSettleTimeout
	default:
		if err := viewer.Err(); err != nil {
			return err
		}
		return errors.New("viewer session closed")
	}
}

func (c *DIDController) derive(addr core.Address, viewer ports.ViewerSession) (core.DID, error) {
	if c.opts.Strategy == core.DeriveNetwork {
		did := viewer.DID()
		if did == "" {
			return "", errors.New("identity network issued no did")
		}
		return did, nil
	}
	return core.DerivePKH(c.opts.ChainNamespace, addr), nil
}

func (c *DIDController) fail(gen uint64, addr core.Address, viewer ports.ViewerSession, err error) error {
	if viewer != nil {
		c.dropViewer(viewer)
	}

	c.mu.Lock()
	if gen == c.generation {
		c.session = core.DIDSession{Status: core.DIDIdle}
	}
	c.mu.Unlock()

	c.logger.Warn("authentication failed", zap.Stringer("address", addr), zap.Error(err))
	return fmt.Errorf("%w: %w", core.ErrAuthExchangeFailed, err)
}

func (c *DIDController) dropViewer(viewer ports.ViewerSession) {
	ctx, cancel := context.WithTimeout(context.Background(), viewerDisconnectTimeout)
	defer cancel()
	if err := viewer.Disconnect(ctx); err != nil {
		c.logger.Debug("viewer disconnect failed", zap.Error(err))
	}
}

// Reset abandons the current session and any authentication in flight.
func (c *DIDController) Reset() {
	c.mu.Lock()
	c.generation++
	viewer := c.viewer
	c.viewer = nil
	c.session = core.DIDSession{Status: core.DIDIdle}
	c.mu.Unlock()

	if viewer != nil {
		c.dropViewer(viewer)
	}
}

// Disconnect resets the session and removes the persisted note.
func (c *DIDController) Disconnect(ctx context.Context) error {
	c.Reset()
	if err := c.notes.Delete(ctx); err != nil {
		return fmt.Errorf("remove did note: %w", err)
	}
	c.logger.Info("did session disconnected")
	return nil
}

// RestoreNote returns the persisted DID when it is a did:pkh for the wallet's
// current address. Any other note is removed.
func (c *DIDController) RestoreNote(ctx context.Context) (core.DID, bool) {
	did, err := c.notes.Get(ctx)
	if err != nil {
		if !errors.Is(err, core.ErrNoteNotFound) {
			c.logger.Warn("failed to read did note", zap.Error(err))
		}
		return "", false
	}

	current, ok := c.wallet.CurrentAddress()
	if !ok {
		return "", false
	}
	if c.opts.Strategy == core.DeriveLocal && did != core.DerivePKH(c.opts.ChainNamespace, current) {
		c.dropNote(ctx, did)
		return "", false
	}
	// Only a did:pkh names its address, so any other DID cannot be tied to the wallet.
	if noteAddr, isPKH := did.PKHAddress(); !isPKH || noteAddr != current {
		c.dropNote(ctx, did)
		return "", false
	}
	return did, true
}

func (c *DIDController) dropNote(ctx context.Context, did core.DID) {
	c.logger.Info("discarding did note that does not match the wallet", zap.Stringer("did", did))
	if err := c.notes.Delete(ctx); err != nil {
		c.logger.Warn("failed to remove did note", zap.Error(err))
	}
}

// MergeProfile stores profile on the identity network for the authenticated DID.
func (c *DIDController) MergeProfile(ctx context.Context, profile core.Profile) error {
	c.mu.Lock()
	viewer := c.viewer
	authenticated := c.session.Status == core.DIDAuthenticated
	c.mu.Unlock()

	if !authenticated || viewer == nil {
		return core.ErrNotAuthenticated
	}
	return viewer.MergeProfile(ctx, profile)
}

// Session returns a snapshot of the DID session.
func (c *DIDController) Session() core.DIDSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, core.ErrStaleSession):
		return "stale"
	case errors.Is(err, core.ErrNotConnected), errors.Is(err, core.ErrProviderUnavailable):
		return "not_connected"
	case errors.Is(err, core.ErrSettleTimeout):
		return "timeout"
	default:
		return "failure"
	}
}
