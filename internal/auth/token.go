// ABOUTME: JWT minting and verification for access tokens and OAuth state tokens.
// ABOUTME: Uses HS256 signing with a configurable secret; tokens carry a purpose claim.

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWrongPurpose = errors.New("token purpose mismatch")
)

// Token purposes. Access tokens authenticate MCP requests; state tokens round
// trip through the provider's OAuth flow and come back on the callback.
const (
	PurposeAccess = "access"
	PurposeState  = "state"
)

// TokenVerifier defines the interface for access-token verification.
type TokenVerifier interface {
	Verify(tokenString string) (userKey string, err error)
}

// JWTVerifier mints and verifies HS256 signed JWTs.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates an access token and extracts the user key from "sub".
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	return v.verify(tokenString, PurposeAccess)
}

// VerifyState validates an OAuth state token and extracts the user key.
func (v *JWTVerifier) VerifyState(tokenString string) (string, error) {
	return v.verify(tokenString, PurposeState)
}

func (v *JWTVerifier) verify(tokenString, purpose string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}

	if p, _ := claims["purpose"].(string); p != purpose {
		return "", fmt.Errorf("%w: got %q, want %q", ErrWrongPurpose, p, purpose)
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	return sub, nil
}

// Generate creates an access token for the given user key.
func (v *JWTVerifier) Generate(userKey string, expiresIn time.Duration) (string, error) {
	return v.generate(userKey, PurposeAccess, expiresIn)
}

// GenerateState creates a short-lived state token carried through the
// provider's OAuth redirect and verified on the callback.
func (v *JWTVerifier) GenerateState(userKey string, expiresIn time.Duration) (string, error) {
	return v.generate(userKey, PurposeState, expiresIn)
}

func (v *JWTVerifier) generate(userKey, purpose string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":     userKey,
		"purpose": purpose,
		"iat":     now.Unix(),
		"exp":     now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
