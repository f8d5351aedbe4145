package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/layer-3/didconnect/core"
	"github.com/layer-3/didconnect/ports"
)

// userRejectedCode is the EIP-1193 code for a declined request.
const userRejectedCode = 4001

// RPCProvider talks to a wallet exposing the EIP-1193 methods over JSON-RPC.
// accountsChanged is emulated by polling eth_accounts.
type RPCProvider struct {
	client       *rpc.Client
	pollInterval time.Duration
	logger       *zap.Logger
}

// Dial connects to a wallet endpoint (http, ws or ipc).
func Dial(ctx context.Context, url string, pollInterval time.Duration, logger *zap.Logger) (*RPCProvider, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial wallet %s: %w", url, err)
	}
	return NewRPCProvider(client, pollInterval, logger), nil
}

func NewRPCProvider(client *rpc.Client, pollInterval time.Duration, logger *zap.Logger) *RPCProvider {
	return &RPCProvider{
		client:       client,
		pollInterval: pollInterval,
		logger:       logger.Named("provider"),
	}
}

var _ ports.WalletProvider = (*RPCProvider)(nil)

func (p *RPCProvider) RequestAccounts(ctx context.Context) ([]string, error) {
	var accounts []string
	if err := p.client.CallContext(ctx, &accounts, "eth_requestAccounts"); err != nil {
		return nil, classify("eth_requestAccounts", err)
	}
	return accounts, nil
}

func (p *RPCProvider) Accounts(ctx context.Context) ([]string, error) {
	var accounts []string
	if err := p.client.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return nil, classify("eth_accounts", err)
	}
	return accounts, nil
}

func (p *RPCProvider) PersonalSign(ctx context.Context, message []byte, account core.Address) ([]byte, error) {
	var sig hexutil.Bytes
	if err := p.client.CallContext(ctx, &sig, "personal_sign", hexutil.Bytes(message), account.Common()); err != nil {
		return nil, classify("personal_sign", err)
	}
	return sig, nil
}

func (p *RPCProvider) ChainID(ctx context.Context) (*big.Int, error) {
	var id hexutil.Big
	if err := p.client.CallContext(ctx, &id, "eth_chainId"); err != nil {
		return nil, classify("eth_chainId", err)
	}
	return id.ToInt(), nil
}

func (p *RPCProvider) Balance(ctx context.Context, account core.Address) (*big.Int, error) {
	var balance hexutil.Big
	if err := p.client.CallContext(ctx, &balance, "eth_getBalance", account.Common(), "latest"); err != nil {
		return nil, classify("eth_getBalance", err)
	}
	return balance.ToInt(), nil
}

// SubscribeAccounts starts a watcher that reports every change of eth_accounts.
// The first successful poll is the baseline and is not reported.
func (p *RPCProvider) SubscribeAccounts(handler ports.AccountsHandler) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		p.watch(ctx, handler)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func (p *RPCProvider) watch(ctx context.Context, handler ports.AccountsHandler) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	var (
		last        []string
		hasBaseline bool
	)
	poll := func() {
		callCtx, cancel := context.WithTimeout(ctx, p.pollInterval*4)
		accounts, err := p.Accounts(callCtx)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Debug("eth_accounts poll failed", zap.Error(err))
			}
			return
		}
		if !hasBaseline {
			last, hasBaseline = accounts, true
			return
		}
		if slices.Equal(accounts, last) {
			return
		}
		last = accounts
		handler(slices.Clone(accounts))
	}

	poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll()
		}
	}
}

// Close releases the RPC connection.
func (p *RPCProvider) Close() {
	p.client.Close()
}

func classify(method string, err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == userRejectedCode {
		return fmt.Errorf("%s: %w: %s", method, core.ErrUserRejected, err.Error())
	}
	return fmt.Errorf("%s: %w: %w", method, core.ErrProviderError, err)
}
