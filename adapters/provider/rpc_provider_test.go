package provider

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/layer-3/didconnect/core"
)

type rejectedError struct{}

func (rejectedError) Error() string  { return "User rejected the request." }
func (rejectedError) ErrorCode() int { return 4001 }

// walletAPI serves the eth_ namespace of a fake injected wallet.
type walletAPI struct {
	mu       sync.Mutex
	accounts []string
	reject   bool
}

func (w *walletAPI) RequestAccounts() ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reject {
		return nil, rejectedError{}
	}
	return w.accounts, nil
}

func (w *walletAPI) Accounts() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.accounts
}

func (w *walletAPI) ChainId() *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(11155111))
}

func (w *walletAPI) GetBalance(addr common.Address, block string) *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(1_500_000_000_000_000_000))
}

func (w *walletAPI) set(accounts ...string) {
	w.mu.Lock()
	w.accounts = accounts
	w.mu.Unlock()
}

// personalAPI serves personal_sign.
type personalAPI struct {
	key *ecdsa.PrivateKey
}

func (p *personalAPI) Sign(data hexutil.Bytes, addr common.Address) (hexutil.Bytes, error) {
	sig, err := crypto.Sign(accounts.TextHash(data), p.key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

func newTestProvider(t *testing.T, wallet *walletAPI, key *ecdsa.PrivateKey) *RPCProvider {
	t.Helper()
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", wallet))
	require.NoError(t, server.RegisterName("personal", &personalAPI{key: key}))

	client := rpc.DialInProc(server)
	t.Cleanup(func() {
		client.Close()
		server.Stop()
	})
	return NewRPCProvider(client, 10*time.Millisecond, zaptest.NewLogger(t))
}

func TestRequestAccounts(t *testing.T) {
	wallet := &walletAPI{accounts: []string{"0xAbCdEf0000000000000000000000000000001234"}}
	p := newTestProvider(t, wallet, nil)

	got, err := p.RequestAccounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, wallet.accounts, got)
}

func TestRequestAccountsRejected(t *testing.T) {
	p := newTestProvider(t, &walletAPI{reject: true}, nil)

	_, err := p.RequestAccounts(context.Background())
	assert.ErrorIs(t, err, core.ErrUserRejected)
	assert.NotErrorIs(t, err, core.ErrProviderError)
}

func TestUnknownMethodIsProviderError(t *testing.T) {
	server := rpc.NewServer()
	client := rpc.DialInProc(server)
	defer client.Close()
	defer server.Stop()
	p := NewRPCProvider(client, time.Second, zaptest.NewLogger(t))

	_, err := p.Accounts(context.Background())
	assert.ErrorIs(t, err, core.ErrProviderError)
}

func TestChainIDAndBalance(t *testing.T) {
	p := newTestProvider(t, &walletAPI{}, nil)
	ctx := context.Background()

	id, err := p.ChainID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(11155111), id.Int64())

	bal, err := p.Balance(ctx, "0x00000000000000000000000000000000000000aa")
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000", bal.String())
}

func TestPersonalSignRecoversSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr, err := core.ParseAddress(crypto.PubkeyToAddress(key.PublicKey).Hex())
	require.NoError(t, err)

	p := newTestProvider(t, &walletAPI{}, key)
	msg := []byte(core.ChallengeMessage(addr, "n1"))

	sig, err := p.PersonalSign(context.Background(), msg, addr)
	require.NoError(t, err)
	require.Len(t, sig, crypto.SignatureLength)

	sig[crypto.RecoveryIDOffset] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash(msg), sig)
	require.NoError(t, err)
	assert.Equal(t, addr.Common(), crypto.PubkeyToAddress(*pub))
}

func TestSubscribeAccountsReportsChanges(t *testing.T) {
	wallet := &walletAPI{accounts: []string{"0x00000000000000000000000000000000000000aa"}}
	p := newTestProvider(t, wallet, nil)

	var (
		mu   sync.Mutex
		seen [][]string
	)
	unsubscribe, err := p.SubscribeAccounts(func(accounts []string) {
		mu.Lock()
		seen = append(seen, accounts)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsubscribe()

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(seen)
	}

	// let the baseline poll land before changing anything
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, count())

	wallet.set("0x00000000000000000000000000000000000000bb")
	require.Eventually(t, func() bool { return count() == 1 }, time.Second, 5*time.Millisecond)

	wallet.set()
	require.Eventually(t, func() bool { return count() == 2 }, time.Second, 5*time.Millisecond)

	unsubscribe()
	wallet.set("0x00000000000000000000000000000000000000cc")
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, []string{"0x00000000000000000000000000000000000000bb"}, seen[0])
	assert.Empty(t, seen[1])
}
