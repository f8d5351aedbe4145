package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/layer-3/didconnect/core"
	"github.com/layer-3/didconnect/internal/metrics"
	"github.com/layer-3/didconnect/ports"
)

// AccountsChangedHandler observes the wallet session after every account change.
type AccountsChangedHandler func(session core.WalletSession)

// WalletController tracks the connected wallet address.
type WalletController struct {
	provider ports.WalletProvider
	logger   *zap.Logger
	metrics  *metrics.Metrics

	connects singleflight.Group

	mu          sync.RWMutex
	session     core.WalletSession
	handler     AccountsChangedHandler
	subscribed  bool
	unsubscribe func()
}

// NewWalletController creates a controller over provider. A nil provider is
// allowed and makes every operation report core.ErrProviderUnavailable.
func NewWalletController(provider ports.WalletProvider, logger *zap.Logger, m *metrics.Metrics) *WalletController {
	return &WalletController{
		provider: provider,
		logger:   logger.Named("wallet"),
		metrics:  m,
	}
}

// Connect prompts the wallet for account access and records the first account.
// Concurrent calls share a single prompt.
func (w *WalletController) Connect(ctx context.Context) (core.Address, error) {
	if w.provider == nil {
		w.metrics.WalletConnects.WithLabelValues("unavailable").Inc()
		return "", core.ErrProviderUnavailable
	}

	// The shared prompt outlives any single caller; each caller only stops waiting.
	ch := w.connects.DoChan("connect", func() (any, error) {
		return w.connect(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(core.Address), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (w *WalletController) connect(ctx context.Context) (core.Address, error) {
	w.set(core.WalletSession{Status: core.WalletConnecting})

	addr, err := w.requestFirst(ctx)
	if err != nil {
		w.set(core.WalletSession{Status: core.WalletDisconnected})
		if errors.Is(err, core.ErrUserRejected) {
			w.metrics.WalletConnects.WithLabelValues("rejected").Inc()
			w.logger.Info("wallet connection rejected by user")
		} else {
			w.metrics.WalletConnects.WithLabelValues("error").Inc()
			w.logger.Warn("wallet connection failed", zap.Error(err))
		}
		return "", err
	}

	w.set(core.WalletSession{Status: core.WalletConnected, Address: addr})
	w.metrics.WalletConnects.WithLabelValues("success").Inc()
	w.logger.Info("wallet connected", zap.Stringer("address", addr))
	return addr, nil
}

func (w *WalletController) requestFirst(ctx context.Context) (core.Address, error) {
	accounts, err := w.provider.RequestAccounts(ctx)
	if err != nil {
		if errors.Is(err, core.ErrUserRejected) || errors.Is(err, core.ErrProviderError) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", core.ErrProviderError, err)
	}
	if len(accounts) == 0 {
		return "", fmt.Errorf("%w: no accounts returned", core.ErrProviderError)
	}
	addr, err := core.ParseAddress(accounts[0])
	if err != nil {
		return "", fmt.Errorf("%w: %w", core.ErrProviderError, err)
	}
	return addr, nil
}

// Detect looks for an already-authorized account without prompting.
func (w *WalletController) Detect(ctx context.Context) (core.Address, bool) {
	if w.provider == nil {
		return "", false
	}
	accounts, err := w.provider.Accounts(ctx)
	if err != nil {
		w.logger.Debug("silent account check failed", zap.Error(err))
		return "", false
	}
	if len(accounts) == 0 {
		return "", false
	}
	addr, err := core.ParseAddress(accounts[0])
	if err != nil {
		w.logger.Warn("wallet reported an invalid account", zap.String("account", accounts[0]))
		return "", false
	}
	w.set(core.WalletSession{Status: core.WalletConnected, Address: addr})
	return addr, true
}

// CurrentAddress returns the connected address, if any.
func (w *WalletController) CurrentAddress() (core.Address, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.session.Address, w.session.Connected()
}

// Session returns a snapshot of the wallet session.
func (w *WalletController) Session() core.WalletSession {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.session
}

// OnAccountsChanged registers handler for account changes. The provider is
// subscribed at most once; registering again replaces the handler.
func (w *WalletController) OnAccountsChanged(handler AccountsChangedHandler) error {
	if w.provider == nil {
		return core.ErrProviderUnavailable
	}

	w.mu.Lock()
	w.handler = handler
	if w.subscribed {
		w.mu.Unlock()
		return nil
	}
	w.subscribed = true
	w.mu.Unlock()

	unsubscribe, err := w.provider.SubscribeAccounts(w.accountsChanged)
	if err != nil {
		w.mu.Lock()
		w.subscribed = false
		w.mu.Unlock()
		return fmt.Errorf("%w: subscribe accounts: %w", core.ErrProviderError, err)
	}

	w.mu.Lock()
	w.unsubscribe = unsubscribe
	w.mu.Unlock()
	return nil
}

func (w *WalletController) accountsChanged(accounts []string) {
	next := core.WalletSession{Status: core.WalletDisconnected}
	kind := "empty"
	if len(accounts) > 0 {
		addr, err := core.ParseAddress(accounts[0])
		if err != nil {
			w.logger.Warn("ignoring invalid account from wallet", zap.String("account", accounts[0]))
			return
		}
		next = core.WalletSession{Status: core.WalletConnected, Address: addr}
		kind = "changed"
	}

	w.mu.Lock()
	w.session = next
	handler := w.handler
	w.mu.Unlock()

	w.updateGauge(next)
	w.metrics.AccountChanges.WithLabelValues(kind).Inc()
	w.logger.Info("accounts changed", zap.String("kind", kind), zap.Stringer("address", next.Address))

	if handler != nil {
		handler(next)
	}
}

// AuthProvider binds the wallet to addr for signing. addr must be the current address.
func (w *WalletController) AuthProvider(addr core.Address) (ports.AuthProvider, error) {
	if w.provider == nil {
		return nil, core.ErrProviderUnavailable
	}
	if current, ok := w.CurrentAddress(); !ok || current != addr {
		return nil, core.ErrNotConnected
	}
	return walletAuth{provider: w.provider, address: addr}, nil
}

// ChainID reports the chain the wallet is on.
func (w *WalletController) ChainID(ctx context.Context) (int64, error) {
	if w.provider == nil {
		return 0, core.ErrProviderUnavailable
	}
	id, err := w.provider.ChainID(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: chain id: %w", core.ErrProviderError, err)
	}
	return id.Int64(), nil
}

// Balance returns the current account balance in ether.
func (w *WalletController) Balance(ctx context.Context) (decimal.Decimal, error) {
	addr, ok := w.CurrentAddress()
	if !ok {
		return decimal.Zero, core.ErrNotConnected
	}
	wei, err := w.provider.Balance(ctx, addr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: balance: %w", core.ErrProviderError, err)
	}
	return decimal.NewFromBigInt(wei, -18), nil
}

// Disconnect forgets the connected address. The wallet's own authorization is untouched.
func (w *WalletController) Disconnect() {
	w.set(core.WalletSession{Status: core.WalletDisconnected})
}

// Close stops the account subscription.
func (w *WalletController) Close() {
	w.mu.Lock()
	unsubscribe := w.unsubscribe
	w.unsubscribe = nil
	w.subscribed = false
	w.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (w *WalletController) set(session core.WalletSession) {
	w.mu.Lock()
	w.session = session
	w.mu.Unlock()
	w.updateGauge(session)
}

func (w *WalletController) updateGauge(session core.WalletSession) {
	if session.Connected() {
		w.metrics.WalletConnected.Set(1)
	} else {
		w.metrics.WalletConnected.Set(0)
	}
}

type walletAuth struct {
	provider ports.WalletProvider
	address  core.Address
}

func (a walletAuth) Address() core.Address { return a.address }

func (a walletAuth) Sign(ctx context.Context, message []byte) ([]byte, error) {
	return a.provider.PersonalSign(ctx, message, a.address)
}
