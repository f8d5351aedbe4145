package core

import (
	"fmt"
	"time"
)

// Challenge represents an authentication challenge
type Challenge struct {
	ID        string    // Unique identifier for the challenge
	Address   Address   // Ethereum address of the user
	Nonce     string    // Random nonce to be signed
	IssuedAt  time.Time // When the challenge was created
	ExpiresAt time.Time // When the challenge expires
}

// Message is the text the wallet signs with personal_sign.
func (c *Challenge) Message() string {
	return ChallengeMessage(c.Address, c.Nonce)
}

// ChallengeMessage renders the sign-in text for an address and nonce.
func ChallengeMessage(addr Address, nonce string) string {
	return fmt.Sprintf("Sign in to didconnect\n\nAddress: %s\nNonce: %s", addr, nonce)
}

// Session represents an authenticated viewer session on the identity node
type Session struct {
	ID            string    // Unique session identifier
	Address       Address   // Ethereum address of the user
	DID           DID       // Identifier issued for the address
	IssuedAt      time.Time // When the session was created
	RefreshExpiry time.Time // When the refresh capability expires
	AccessExpiry  time.Time // When the access capability expires
	RefreshID     string    // Unique identifier for the refresh token
}

// LoginResult is what the identity node hands back after a successful login.
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	DID          DID
	ExpiresIn    time.Duration
}

// SessionEventKind names a wallet or DID session transition.
type SessionEventKind string

const (
	EventWalletConnected    SessionEventKind = "wallet.connected"
	EventWalletDisconnected SessionEventKind = "wallet.disconnected"
	EventAccountChanged     SessionEventKind = "wallet.account_changed"
	EventDIDAuthenticated   SessionEventKind = "did.authenticated"
	EventDIDReset           SessionEventKind = "did.reset"
	EventDIDDisconnected    SessionEventKind = "did.disconnected"
	EventProfileMerged      SessionEventKind = "profile.merged"
)

// SessionEvent is published on every observable session transition.
type SessionEvent struct {
	Kind    SessionEventKind `json:"kind"`
	Address Address          `json:"address,omitempty"`
	DID     DID              `json:"did,omitempty"`
	At      time.Time        `json:"at"`
}
