package core

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Address is a 20-byte account identifier rendered as lowercase 0x-prefixed hex.
type Address string

// ParseAddress validates s and returns its normalized form.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("%q: %w", s, ErrInvalidAddress)
	}
	return Address(strings.ToLower(common.HexToAddress(s).Hex())), nil
}

// Common converts the address to its go-ethereum representation.
func (a Address) Common() common.Address {
	return common.HexToAddress(string(a))
}

func (a Address) String() string {
	return string(a)
}

// Short renders the address the way wallet buttons do: 0xabcd...1234.
func (a Address) Short() string {
	if len(a) < 10 {
		return string(a)
	}
	return string(a[:6]) + "..." + string(a[len(a)-4:])
}

// WalletStatus is the connection state of the injected wallet.
type WalletStatus int

const (
	WalletDisconnected WalletStatus = iota
	WalletConnecting
	WalletConnected
)

func (s WalletStatus) String() string {
	switch s {
	case WalletDisconnected:
		return "disconnected"
	case WalletConnecting:
		return "connecting"
	case WalletConnected:
		return "connected"
	default:
		return fmt.Sprintf("WalletStatus(%d)", int(s))
	}
}

// WalletSession is the wallet connection state of one client.
// Address is empty unless Status is WalletConnected.
type WalletSession struct {
	Status  WalletStatus
	Address Address
}

// Connected reports whether the session holds a usable address.
func (s WalletSession) Connected() bool {
	return s.Status == WalletConnected && s.Address != ""
}
