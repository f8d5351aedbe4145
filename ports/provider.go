package ports

import (
	"context"
	"math/big"

	"github.com/layer-3/didconnect/core"
)

// AccountsHandler receives every account list the wallet reports, in delivery order.
type AccountsHandler func(accounts []string)

// WalletProvider is an injected EIP-1193 style wallet.
type WalletProvider interface {
	// RequestAccounts asks the user to authorize account access (eth_requestAccounts).
	RequestAccounts(ctx context.Context) ([]string, error)

	// Accounts returns already-authorized accounts without prompting (eth_accounts).
	Accounts(ctx context.Context) ([]string, error)

	// SubscribeAccounts delivers accountsChanged notifications until unsubscribe is called.
	SubscribeAccounts(handler AccountsHandler) (unsubscribe func(), err error)

	// PersonalSign signs message with the account's key (personal_sign).
	PersonalSign(ctx context.Context, message []byte, account core.Address) ([]byte, error)

	ChainID(ctx context.Context) (*big.Int, error)

	// Balance returns the account balance in wei.
	Balance(ctx context.Context, account core.Address) (*big.Int, error)
}

// AuthProvider binds a wallet provider to a single account for identity authentication.
type AuthProvider interface {
	Address() core.Address
	Sign(ctx context.Context, message []byte) ([]byte, error)
}
