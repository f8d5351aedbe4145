package core

import "errors"

var (
	ErrProviderUnavailable = errors.New("wallet provider unavailable")
	ErrUserRejected        = errors.New("user rejected the request")
	ErrProviderError       = errors.New("wallet provider error")
	ErrAuthExchangeFailed  = errors.New("identity exchange failed")
	ErrNotConnected        = errors.New("wallet is not connected")
	ErrNotAuthenticated    = errors.New("did session is not authenticated")
	ErrStaleSession        = errors.New("did session superseded by a newer address")
	ErrSettleTimeout       = errors.New("viewer session did not settle in time")
	ErrInvalidAddress      = errors.New("invalid ethereum address")
	ErrInvalidProfile      = errors.New("invalid profile")
	ErrNoteNotFound        = errors.New("did note not found")

	ErrTokenExpired     = errors.New("token has expired")
	ErrTokenInvalidated = errors.New("token has been invalidated")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidToken     = errors.New("invalid token")
	ErrInvalidChallenge = errors.New("invalid challenge")
)
