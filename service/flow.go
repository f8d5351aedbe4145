package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/layer-3/didconnect/core"
	"github.com/layer-3/didconnect/ports"
)

// Flow wires the wallet and DID controllers to navigation and session events.
type Flow struct {
	wallet *WalletController
	did    *DIDController
	nav    ports.Navigator
	events ports.EventPublisher
	logger *zap.Logger

	autoAuthenticate bool

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup
}

// NewFlow creates a flow. events may be nil. With autoAuthenticate set, every
// account change starts a fresh authentication for the new address.
func NewFlow(
	wallet *WalletController,
	did *DIDController,
	nav ports.Navigator,
	events ports.EventPublisher,
	autoAuthenticate bool,
	logger *zap.Logger,
) *Flow {
	ctx, cancel := context.WithCancel(context.Background())
	return &Flow{
		wallet:           wallet,
		did:              did,
		nav:              nav,
		events:           events,
		logger:           logger.Named("flow"),
		autoAuthenticate: autoAuthenticate,
		ctx:              ctx,
		cancel:           cancel,
	}
}

// Mount subscribes to account changes and picks up an already-authorized
// wallet without prompting. It returns core.ErrProviderUnavailable when no
// wallet is injected.
func (f *Flow) Mount(ctx context.Context) error {
	if err := f.wallet.OnAccountsChanged(f.accountsChanged); err != nil {
		return err
	}

	addr, ok := f.wallet.Detect(ctx)
	if !ok {
		return nil
	}
	f.navigate(ctx, core.ProfileRoute(addr))
	if did, ok := f.did.RestoreNote(ctx); ok {
		f.logger.Info("found did note for connected wallet", zap.Stringer("did", did))
	}
	return nil
}

// Connect prompts the wallet and opens the profile screen for the connected
// address. A DID session bound to any other address is reset, including
// when the prompt fails.
func (f *Flow) Connect(ctx context.Context) (core.Address, error) {
	addr, err := f.wallet.Connect(ctx)
	if err != nil {
		f.resetUnless(ctx, "")
		return "", err
	}
	f.resetUnless(ctx, addr)
	f.publish(ctx, core.EventWalletConnected, addr, "")
	f.navigate(ctx, core.ProfileRoute(addr))
	return addr, nil
}

// Authenticate starts a DID session for the connected address and opens the dashboard.
func (f *Flow) Authenticate(ctx context.Context) (core.DID, error) {
	addr, ok := f.wallet.CurrentAddress()
	if !ok {
		return "", core.ErrNotConnected
	}
	return f.authenticate(ctx, addr)
}

func (f *Flow) authenticate(ctx context.Context, addr core.Address) (core.DID, error) {
	did, err := f.did.Authenticate(ctx, addr)
	if err != nil {
		return "", err
	}
	if session := f.did.Session(); session.Status != core.DIDAuthenticated || session.Address != addr || session.DID != did {
		return "", fmt.Errorf("authenticate %s: %w", addr, core.ErrStaleSession)
	}
	f.publish(ctx, core.EventDIDAuthenticated, addr, did)
	f.navigate(ctx, core.DashboardRoute())
	return did, nil
}

// Disconnect ends the DID session, removes the note and forgets the wallet address.
func (f *Flow) Disconnect(ctx context.Context) error {
	err := f.did.Disconnect(ctx)
	f.wallet.Disconnect()
	f.publish(ctx, core.EventDIDDisconnected, "", "")
	return err
}

// SubmitProfile validates profile and merges it into the authenticated identity.
func (f *Flow) SubmitProfile(ctx context.Context, profile core.Profile) error {
	if err := profile.Validate(time.Now()); err != nil {
		return err
	}
	if err := f.did.MergeProfile(ctx, profile); err != nil {
		return err
	}
	session := f.did.Session()
	f.publish(ctx, core.EventProfileMerged, session.Address, session.DID)
	return nil
}

// Wait blocks until background authentications started by account changes finish.
func (f *Flow) Wait() {
	f.bg.Wait()
}

// Close cancels background work and stops the account subscription.
func (f *Flow) Close() {
	f.wallet.Close()
	f.cancel()
	f.bg.Wait()
}

func (f *Flow) accountsChanged(session core.WalletSession) {
	ctx := f.ctx

	if !session.Connected() {
		if err := f.did.Disconnect(ctx); err != nil {
			f.logger.Warn("failed to disconnect did session", zap.Error(err))
		}
		f.publish(ctx, core.EventWalletDisconnected, "", "")
		return
	}

	f.did.Reset()
	f.publish(ctx, core.EventAccountChanged, session.Address, "")
	f.publish(ctx, core.EventDIDReset, session.Address, "")
	f.navigate(ctx, core.ProfileRoute(session.Address))

	if !f.autoAuthenticate {
		return
	}
	f.bg.Add(1)
	go func(addr core.Address) {
		defer f.bg.Done()
		if _, err := f.authenticate(ctx, addr); err != nil {
			f.logger.Info("re-authentication did not complete", zap.Stringer("address", addr), zap.Error(err))
		}
	}(session.Address)
}

// resetUnless drops a DID session that is not bound to addr.
func (f *Flow) resetUnless(ctx context.Context, addr core.Address) {
	session := f.did.Session()
	if session.Status == core.DIDIdle || (addr != "" && session.Address == addr) {
		return
	}
	f.did.Reset()
	f.publish(ctx, core.EventDIDReset, addr, "")
}

func (f *Flow) navigate(ctx context.Context, route core.Route) {
	if err := f.nav.Navigate(ctx, route); err != nil {
		f.logger.Warn("navigation failed", zap.Stringer("route", route), zap.Error(err))
	}
}

func (f *Flow) publish(ctx context.Context, kind core.SessionEventKind, addr core.Address, did core.DID) {
	if f.events == nil {
		return
	}
	event := core.SessionEvent{Kind: kind, Address: addr, DID: did, At: time.Now().UTC()}
	if err := f.events.PublishSession(ctx, event); err != nil {
		f.logger.Warn("failed to publish session event", zap.String("kind", string(kind)), zap.Error(err))
	}
}
