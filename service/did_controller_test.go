package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/didconnect/core"
)

func connected(t *testing.T, opts DIDOptions, accounts ...string) *harness {
	t.Helper()
	h := newHarness(t, opts, false, accounts...)
	_, err := h.wallet.Connect(context.Background())
	require.NoError(t, err)
	return h
}

type authResult struct {
	did core.DID
	err error
}

func authenticateAsync(h *harness, addr core.Address) <-chan authResult {
	out := make(chan authResult, 1)
	go func() {
		did, err := h.did.Authenticate(context.Background(), addr)
		out <- authResult{did: did, err: err}
	}()
	return out
}

func TestAuthenticateDerivesLocalDID(t *testing.T) {
	h := connected(t, DIDOptions{}, addrA.String())

	did, err := h.did.Authenticate(context.Background(), addrA)
	require.NoError(t, err)
	assert.Equal(t, core.DID("did:pkh:eip155:1:"+addrA.String()), did)

	session := h.did.Session()
	assert.Equal(t, core.DIDAuthenticated, session.Status)
	assert.Equal(t, addrA, session.Address)
	assert.Equal(t, did, session.DID)
	assert.Equal(t, did, h.note(t))
}

func TestAuthenticateUsesChainNamespace(t *testing.T) {
	h := connected(t, DIDOptions{ChainNamespace: core.ChainNamespace(137)}, addrA.String())

	did, err := h.did.Authenticate(context.Background(), addrA)
	require.NoError(t, err)
	assert.Equal(t, core.DID("did:pkh:eip155:137:"+addrA.String()), did)
}

func TestAuthenticateNetworkStrategy(t *testing.T) {
	h := connected(t, DIDOptions{Strategy: core.DeriveNetwork}, addrA.String())

	did, err := h.did.Authenticate(context.Background(), addrA)
	require.NoError(t, err)
	assert.Equal(t, h.identity.viewer(addrA, 0).did, did)
}

func TestAuthenticateIsIdempotent(t *testing.T) {
	h := connected(t, DIDOptions{}, addrA.String())

	first, err := h.did.Authenticate(context.Background(), addrA)
	require.NoError(t, err)
	second, err := h.did.Authenticate(context.Background(), addrA)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, core.DIDAuthenticated, h.did.Session().Status)
	assert.True(t, h.identity.viewer(addrA, 0).wasDisconnected(), "replaced viewer session is closed")
	assert.False(t, h.identity.viewer(addrA, 1).wasDisconnected())
}

func TestAuthenticateRequiresCurrentAddress(t *testing.T) {
	h := newHarness(t, DIDOptions{}, false, addrA.String())

	_, err := h.did.Authenticate(context.Background(), addrA)
	assert.ErrorIs(t, err, core.ErrNotConnected)

	_, err = h.wallet.Connect(context.Background())
	require.NoError(t, err)
	_, err = h.did.Authenticate(context.Background(), addrB)
	assert.ErrorIs(t, err, core.ErrNotConnected)

	assert.Equal(t, core.DIDIdle, h.did.Session().Status)
	assert.Zero(t, h.identity.connectCount(addrA))
	assert.Zero(t, h.identity.connectCount(addrB))
}

func TestAuthenticateSignatureRejected(t *testing.T) {
	h := connected(t, DIDOptions{}, addrA.String())
	h.provider.signErr = core.ErrUserRejected

	_, err := h.did.Authenticate(context.Background(), addrA)
	require.ErrorIs(t, err, core.ErrAuthExchangeFailed)
	assert.ErrorIs(t, err, core.ErrUserRejected)

	assert.Equal(t, core.DIDIdle, h.did.Session().Status)
	assert.Empty(t, h.note(t))
}

func TestAuthenticateExchangeRejected(t *testing.T) {
	h := connected(t, DIDOptions{}, addrA.String())
	rejected := errors.New("login rejected")
	h.identity.rejectWith = rejected

	_, err := h.did.Authenticate(context.Background(), addrA)
	require.ErrorIs(t, err, core.ErrAuthExchangeFailed)
	assert.ErrorIs(t, err, rejected)

	assert.Equal(t, core.DIDIdle, h.did.Session().Status)
	assert.Empty(t, h.note(t))
	assert.True(t, h.identity.viewer(addrA, 0).wasDisconnected())

	// the controller stays retryable
	h.identity.mu.Lock()
	h.identity.rejectWith = nil
	h.identity.mu.Unlock()
	_, err = h.did.Authenticate(context.Background(), addrA)
	require.NoError(t, err)
}

func TestAuthenticateSettleTimeout(t *testing.T) {
	h := connected(t, DIDOptions{SettleTimeout: 20 * time.Millisecond}, addrA.String())
	h.identity.hold(addrA)

	_, err := h.did.Authenticate(context.Background(), addrA)
	require.ErrorIs(t, err, core.ErrAuthExchangeFailed)
	assert.ErrorIs(t, err, core.ErrSettleTimeout)

	assert.Equal(t, core.DIDIdle, h.did.Session().Status)
	assert.True(t, h.identity.viewer(addrA, 0).wasDisconnected())
}

func TestAuthenticateSettlesOnCompletionSignal(t *testing.T) {
	h := connected(t, DIDOptions{SettleTimeout: time.Hour}, addrA.String())
	h.identity.hold(addrA)

	result := authenticateAsync(h, addrA)
	require.Equal(t, addrA, <-h.identity.started)
	assert.Equal(t, core.DIDAuthenticating, h.did.Session().Status)

	h.identity.viewer(addrA, 0).finish(core.ViewerConnected, nil)

	select {
	case res := <-result:
		require.NoError(t, res.err)
		assert.Equal(t, core.DerivePKH(core.DefaultChainNamespace, addrA), res.did)
	case <-time.After(waitFor):
		t.Fatal("authenticate did not return after the session settled")
	}
}

func TestAuthenticateCanceled(t *testing.T) {
	h := connected(t, DIDOptions{SettleTimeout: time.Hour}, addrA.String())
	h.identity.hold(addrA)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-h.identity.started
		cancel()
	}()

	_, err := h.did.Authenticate(ctx, addrA)
	require.ErrorIs(t, err, core.ErrAuthExchangeFailed)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, core.DIDIdle, h.did.Session().Status)
}

func TestStaleAuthenticationIsDiscarded(t *testing.T) {
	h := connected(t, DIDOptions{SettleTimeout: time.Hour}, addrA.String())
	h.identity.hold(addrA)

	result := authenticateAsync(h, addrA)
	require.Equal(t, addrA, <-h.identity.started)

	h.did.Reset()
	h.identity.viewer(addrA, 0).finish(core.ViewerConnected, nil)

	res := <-result
	require.ErrorIs(t, res.err, core.ErrStaleSession)
	assert.Empty(t, res.did)
	assert.Equal(t, core.DIDIdle, h.did.Session().Status)
	assert.Empty(t, h.note(t))
	assert.True(t, h.identity.viewer(addrA, 0).wasDisconnected())
}

func TestAuthenticationForReplacedAddressIsDiscarded(t *testing.T) {
	h := connected(t, DIDOptions{SettleTimeout: time.Hour}, addrA.String())
	require.NoError(t, h.wallet.OnAccountsChanged(func(core.WalletSession) {}))
	h.identity.hold(addrA)

	result := authenticateAsync(h, addrA)
	require.Equal(t, addrA, <-h.identity.started)

	// the wallet moves on without anyone resetting the DID session
	h.provider.emit(addrB.String())
	h.identity.viewer(addrA, 0).finish(core.ViewerConnected, nil)

	res := <-result
	require.ErrorIs(t, res.err, core.ErrStaleSession)
	assert.Equal(t, core.DIDIdle, h.did.Session().Status)
	assert.Empty(t, h.note(t))
}

func TestResetDropsSession(t *testing.T) {
	h := connected(t, DIDOptions{}, addrA.String())
	_, err := h.did.Authenticate(context.Background(), addrA)
	require.NoError(t, err)

	h.did.Reset()
	assert.Equal(t, core.DIDIdle, h.did.Session().Status)
	assert.True(t, h.identity.viewer(addrA, 0).wasDisconnected())
	assert.NotEmpty(t, h.note(t), "reset keeps the advisory note")
}

func TestDisconnectRemovesNote(t *testing.T) {
	h := connected(t, DIDOptions{}, addrA.String())
	_, err := h.did.Authenticate(context.Background(), addrA)
	require.NoError(t, err)

	require.NoError(t, h.did.Disconnect(context.Background()))
	assert.Equal(t, core.DIDIdle, h.did.Session().Status)
	assert.Empty(t, h.note(t))
}

func TestRestoreNote(t *testing.T) {
	ctx := context.Background()

	t.Run("matching address", func(t *testing.T) {
		h := connected(t, DIDOptions{}, addrA.String())
		require.NoError(t, h.notes.Set(ctx, core.DerivePKH(core.DefaultChainNamespace, addrA)))

		did, ok := h.did.RestoreNote(ctx)
		assert.True(t, ok)
		assert.Equal(t, core.DerivePKH(core.DefaultChainNamespace, addrA), did)
		assert.Equal(t, core.DIDIdle, h.did.Session().Status, "a note never authenticates on its own")
	})

	t.Run("other address", func(t *testing.T) {
		h := connected(t, DIDOptions{}, addrB.String())
		require.NoError(t, h.notes.Set(ctx, core.DerivePKH(core.DefaultChainNamespace, addrA)))

		_, ok := h.did.RestoreNote(ctx)
		assert.False(t, ok)
		assert.Empty(t, h.note(t))
	})

	t.Run("network strategy pkh note", func(t *testing.T) {
		h := connected(t, DIDOptions{Strategy: core.DeriveNetwork}, addrA.String())
		require.NoError(t, h.notes.Set(ctx, core.DerivePKH(core.ChainNamespace(137), addrA)))

		did, ok := h.did.RestoreNote(ctx)
		assert.True(t, ok)
		assert.Equal(t, core.DerivePKH(core.ChainNamespace(137), addrA), did)
	})

	t.Run("network strategy non-pkh note", func(t *testing.T) {
		h := connected(t, DIDOptions{Strategy: core.DeriveNetwork}, addrA.String())
		require.NoError(t, h.notes.Set(ctx, core.DID("did:web:example.com")))

		_, ok := h.did.RestoreNote(ctx)
		assert.False(t, ok)
		assert.Empty(t, h.note(t), "a DID without an address is never trusted")
	})

	t.Run("no wallet", func(t *testing.T) {
		h := newHarness(t, DIDOptions{}, false, addrA.String())
		require.NoError(t, h.notes.Set(ctx, core.DerivePKH(core.DefaultChainNamespace, addrA)))

		_, ok := h.did.RestoreNote(ctx)
		assert.False(t, ok)
		assert.NotEmpty(t, h.note(t))
	})

	t.Run("no note", func(t *testing.T) {
		h := connected(t, DIDOptions{}, addrA.String())
		_, ok := h.did.RestoreNote(ctx)
		assert.False(t, ok)
	})
}

func TestMergeProfileRequiresAuthentication(t *testing.T) {
	h := connected(t, DIDOptions{}, addrA.String())
	profile := core.Profile{Name: "Ada"}

	assert.ErrorIs(t, h.did.MergeProfile(context.Background(), profile), core.ErrNotAuthenticated)

	_, err := h.did.Authenticate(context.Background(), addrA)
	require.NoError(t, err)
	require.NoError(t, h.did.MergeProfile(context.Background(), profile))

	viewer := h.identity.viewer(addrA, 0)
	viewer.mu.Lock()
	defer viewer.mu.Unlock()
	assert.Equal(t, []core.Profile{profile}, viewer.profiles)
}
