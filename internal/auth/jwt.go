package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTService issues and validates the HS256 access tokens handed out by the
// marketplace backend. Subject is the account email.
type JWTService struct {
	secret         []byte
	accessTokenTTL time.Duration
}

type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

func NewJWTService(secret string, accessTTL time.Duration) *JWTService {
	return &JWTService{
		secret:         []byte(secret),
		accessTokenTTL: accessTTL,
	}
}

func (s *JWTService) GenerateAccessToken(userID, email string) (string, time.Time, error) {
	now := time.Now()
	expiry := now.Add(s.accessTokenTTL)
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiry),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   email,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing access token: %w", err)
	}

	return signed, expiry, nil
}

func (s *JWTService) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}

// TokenInfo is what a client may learn from a bearer token without the
// signing key.
type TokenInfo struct {
	Subject   string
	UserID    string
	ExpiresAt time.Time
}

// Expired reports whether the token carried an expiry that is before now.
func (i *TokenInfo) Expired(now time.Time) bool {
	return i != nil && !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// InspectToken decodes the claims of a JWT without verifying its signature.
// Opaque (non-JWT) tokens return ok=false.
func InspectToken(tokenString string) (*TokenInfo, bool) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &claims); err != nil {
		return nil, false
	}

	info := &TokenInfo{
		Subject: claims.Subject,
		UserID:  claims.UserID,
	}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return info, true
}
