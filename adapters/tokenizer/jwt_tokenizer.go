package tokenizer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"

	"github.com/layer-3/didconnect/core"
	"github.com/layer-3/didconnect/ports"
)

const (
	AudienceChallenge = "session:challenge"
	AudienceAccess    = "session:access"
	AudienceRefresh   = "session:refresh"

	Issuer = "didconnect"
)

// JWTTokenizer implements the Tokenizer interface using ES256 JWTs
type JWTTokenizer struct {
	signKey *ecdsa.PrivateKey
}

// NewJWTTokenizer creates a new JWT tokenizer
func NewJWTTokenizer(signKey *ecdsa.PrivateKey) *JWTTokenizer {
	return &JWTTokenizer{signKey: signKey}
}

var _ ports.Tokenizer = (*JWTTokenizer)(nil)

// ChallengeToToken converts a Challenge to a JWT token
func (j *JWTTokenizer) ChallengeToToken(challenge *core.Challenge) (string, error) {
	claims := ChallengeClaims{
		RegisteredClaims: j.registered(challenge.Address.String(), challenge.ID, AudienceChallenge,
			challenge.IssuedAt, challenge.ExpiresAt),
		Nonce: challenge.Nonce,
	}
	return j.sign(claims, "challenge")
}

// TokenToChallenge converts a JWT token to a Challenge
func (j *JWTTokenizer) TokenToChallenge(tokenStr string) (*core.Challenge, error) {
	claims := &ChallengeClaims{}
	if err := j.parse(tokenStr, claims, AudienceChallenge); err != nil {
		return nil, err
	}

	return &core.Challenge{
		ID:        claims.ID,
		Address:   core.Address(claims.Subject),
		Nonce:     claims.Nonce,
		IssuedAt:  timeOf(claims.IssuedAt),
		ExpiresAt: timeOf(claims.ExpiresAt),
	}, nil
}

// SessionToAccessToken converts a Session to an access JWT token
func (j *JWTTokenizer) SessionToAccessToken(session *core.Session) (string, error) {
	claims := AccessClaims{
		RegisteredClaims: j.registered(session.Address.String(), session.ID, AudienceAccess,
			session.IssuedAt, session.AccessExpiry),
		RefreshID: session.RefreshID,
		DID:       session.DID.String(),
	}
	return j.sign(claims, "access")
}

// SessionToRefreshToken converts a Session to a refresh JWT token.
// The refresh token's JWT ID is the session's RefreshID.
func (j *JWTTokenizer) SessionToRefreshToken(session *core.Session) (string, error) {
	claims := RefreshClaims{
		RegisteredClaims: j.registered(session.Address.String(), session.RefreshID, AudienceRefresh,
			session.IssuedAt, session.RefreshExpiry),
		DID: session.DID.String(),
	}
	return j.sign(claims, "refresh")
}

// AccessTokenToSession parses an access token and returns the associated session
func (j *JWTTokenizer) AccessTokenToSession(tokenStr string) (*core.Session, error) {
	claims := &AccessClaims{}
	if err := j.parse(tokenStr, claims, AudienceAccess); err != nil {
		return nil, err
	}

	return &core.Session{
		ID:           claims.ID,
		Address:      core.Address(claims.Subject),
		DID:          core.DID(claims.DID),
		IssuedAt:     timeOf(claims.IssuedAt),
		AccessExpiry: timeOf(claims.ExpiresAt),
		RefreshID:    claims.RefreshID,
	}, nil
}

// RefreshTokenToSession parses a refresh token.
// Only the refresh half of the session is populated.
func (j *JWTTokenizer) RefreshTokenToSession(tokenStr string) (*core.Session, error) {
	claims := &RefreshClaims{}
	if err := j.parse(tokenStr, claims, AudienceRefresh); err != nil {
		return nil, err
	}

	return &core.Session{
		Address:       core.Address(claims.Subject),
		DID:           core.DID(claims.DID),
		IssuedAt:      timeOf(claims.IssuedAt),
		RefreshExpiry: timeOf(claims.ExpiresAt),
		RefreshID:     claims.ID,
	}, nil
}

// VerifySignature verifies a personal_sign (EIP-191) signature over the challenge message
func (j *JWTTokenizer) VerifySignature(challenge *core.Challenge, signatureStr string, address core.Address) error {
	if challenge.Address != address {
		return fmt.Errorf("address mismatch: %w", core.ErrInvalidSignature)
	}

	decodedSig, err := hexutil.Decode(signatureStr)
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", core.ErrInvalidSignature)
	}
	if len(decodedSig) != crypto.SignatureLength {
		return fmt.Errorf("signature must be 65 bytes: %w", core.ErrInvalidSignature)
	}

	sig := make([]byte, crypto.SignatureLength)
	copy(sig, decodedSig)
	// wallets return V as 27/28
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(challenge.Message())), sig)
	if err != nil {
		return fmt.Errorf("failed to recover signer: %w", core.ErrInvalidSignature)
	}
	if crypto.PubkeyToAddress(*pub) != address.Common() {
		return core.ErrInvalidSignature
	}
	return nil
}

func (j *JWTTokenizer) registered(subject, id, audience string, issuedAt, expiresAt time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   subject,
		ID:        id,
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		Audience:  jwt.ClaimStrings{audience},
	}
}

func (j *JWTTokenizer) sign(claims jwt.Claims, kind string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)

	signedToken, err := token.SignedString(j.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", kind, err)
	}
	return signedToken, nil
}

func (j *JWTTokenizer) parse(tokenStr string, claims jwt.Claims, audience string) error {
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &j.signKey.PublicKey, nil
	}, jwt.WithAudience(audience), jwt.WithIssuer(Issuer), jwt.WithIssuedAt())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return core.ErrTokenExpired
		}
		return fmt.Errorf("failed to parse token: %w: %w", core.ErrInvalidToken, err)
	}
	if !token.Valid {
		return core.ErrInvalidToken
	}
	return nil
}

func timeOf(d *jwt.NumericDate) time.Time {
	if d == nil {
		return time.Time{}
	}
	return d.Time
}
