package tokenizer

import "github.com/golang-jwt/jwt/v5"

// ChallengeClaims combines standard claims with challenge-specific ones
type ChallengeClaims struct {
	jwt.RegisteredClaims
	Nonce string `json:"nonce"`
}

// AccessClaims combines standard claims with access-specific ones
type AccessClaims struct {
	jwt.RegisteredClaims
	RefreshID string `json:"rid"` // ID of the refresh token
	DID       string `json:"did"`
}

// RefreshClaims carry the DID so a rotated session keeps its identifier
type RefreshClaims struct {
	jwt.RegisteredClaims
	DID string `json:"did"`
}
