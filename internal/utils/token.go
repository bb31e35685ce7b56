package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrWeakSecret   = errors.New("signing secret must be at least 32 bytes")
	ErrInvalidToken = errors.New("invalid token")
)

const minSecretLength = 32

// TokenSigner mints and verifies the signed token pair: a short-lived
// access token carrying subject and role, and a long-lived refresh token
// additionally carrying device, family, and link identifiers.
type TokenSigner struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

type AccessClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type RefreshClaims struct {
	DeviceID string `json:"did"`
	FamilyID string `json:"fid"`
	jwt.RegisteredClaims
}

// NewTokenSigner validates the key material once at construction; a short
// secret is a startup-time fatal condition, never a per-request one.
func NewTokenSigner(secret []byte, issuer string, accessTTL, refreshTTL time.Duration) (*TokenSigner, error) {
	if len(secret) < minSecretLength {
		return nil, ErrWeakSecret
	}
	if accessTTL == 0 {
		accessTTL = 15 * time.Minute
	}
	if refreshTTL == 0 {
		refreshTTL = 7 * 24 * time.Hour
	}
	return &TokenSigner{
		secret:     secret,
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}, nil
}

func (s *TokenSigner) AccessTokenTTL() time.Duration  { return s.accessTTL }
func (s *TokenSigner) RefreshTokenTTL() time.Duration { return s.refreshTTL }

func (s *TokenSigner) IssueAccessToken(userID string, role string, now time.Time) (string, time.Duration, error) {
	claims := AccessClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", 0, err
	}
	return signed, s.accessTTL, nil
}

func (s *TokenSigner) IssueRefreshToken(userID string, deviceID string, familyID, tokenID uuid.UUID, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(s.refreshTTL)
	claims := RefreshClaims{
		DeviceID: deviceID,
		FamilyID: familyID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			ID:        tokenID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (s *TokenSigner) ParseAccessToken(tokenString string) (*AccessClaims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, s.keyFunc)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ParseRefreshToken checks signature and structure only. Expiry of
// long-lived credentials is judged against the session ledger, not the
// embedded claim, so an expired link can be revoked with a precise reason.
func (s *TokenSigner) ParseRefreshToken(tokenString string) (*RefreshClaims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &RefreshClaims{}, s.keyFunc, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*RefreshClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || claims.ID == "" || claims.FamilyID == "" || claims.DeviceID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *TokenSigner) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, ErrInvalidToken
	}
	return s.secret, nil
}
