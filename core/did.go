package core

import (
	"fmt"
	"strings"
)

const (
	// PKHMethod is the did:pkh method used for wallet-derived identifiers.
	PKHMethod = "pkh"

	// DefaultChainNamespace is the CAIP-2 chain id of Ethereum mainnet.
	DefaultChainNamespace = "eip155:1"
)

// DID is a decentralized identifier.
type DID string

func (d DID) String() string {
	return string(d)
}

// DerivePKH builds did:pkh:<namespace>:<address>.
func DerivePKH(namespace string, addr Address) DID {
	return DID(fmt.Sprintf("did:%s:%s:%s", PKHMethod, namespace, strings.ToLower(string(addr))))
}

// ChainNamespace returns the eip155 namespace for a numeric chain id.
func ChainNamespace(chainID int64) string {
	return fmt.Sprintf("eip155:%d", chainID)
}

// PKHAddress extracts the account address from a did:pkh identifier.
func (d DID) PKHAddress() (Address, bool) {
	parts := strings.Split(string(d), ":")
	if len(parts) != 5 || parts[0] != "did" || parts[1] != PKHMethod {
		return "", false
	}
	addr, err := ParseAddress(parts[4])
	if err != nil {
		return "", false
	}
	return addr, true
}

// DerivationStrategy selects where the session DID comes from.
type DerivationStrategy string

const (
	// DeriveLocal renders the DID from the wallet address.
	DeriveLocal DerivationStrategy = "local"
	// DeriveNetwork uses the identifier issued by the identity node.
	DeriveNetwork DerivationStrategy = "network"
)

// ParseDerivationStrategy accepts "local" or "network"; empty means local.
func ParseDerivationStrategy(s string) (DerivationStrategy, error) {
	switch DerivationStrategy(strings.ToLower(s)) {
	case "", DeriveLocal:
		return DeriveLocal, nil
	case DeriveNetwork:
		return DeriveNetwork, nil
	default:
		return "", fmt.Errorf("unknown derivation strategy %q", s)
	}
}

// DIDStatus is the state of a DID session.
type DIDStatus int

const (
	DIDIdle DIDStatus = iota
	DIDAuthenticating
	DIDAuthenticated
	// DIDFailed is never held by the controller; failed attempts return to DIDIdle.
	DIDFailed
)

func (s DIDStatus) String() string {
	switch s {
	case DIDIdle:
		return "idle"
	case DIDAuthenticating:
		return "authenticating"
	case DIDAuthenticated:
		return "authenticated"
	case DIDFailed:
		return "failed"
	default:
		return fmt.Sprintf("DIDStatus(%d)", int(s))
	}
}

// DIDSession is the identity session bound to one wallet address.
type DIDSession struct {
	Status  DIDStatus
	Address Address
	DID     DID
}

// ViewerStatus mirrors the identity network's connection states.
type ViewerStatus string

const (
	ViewerIdle       ViewerStatus = "idle"
	ViewerConnecting ViewerStatus = "connecting"
	ViewerConnected  ViewerStatus = "connected"
)
