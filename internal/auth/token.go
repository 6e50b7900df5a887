// Package auth issues and validates the legacy JWT session tokens
// recorded in the reserved sessions table.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"chiselcore.dev/chiselcore/internal/metastore"
	"chiselcore.dev/chiselcore/internal/sqlrender"
)

// Claims is the JWT payload for a ChiselCore session. There are no
// roles: ChiselCore authorization is delegated entirely to
// internal/policy, so the token need only carry the identity a policy's
// ctx.userId reads.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies session tokens and persists the
// corresponding metastore.Session rows so tokens can be revoked before
// they expire.
type TokenService struct {
	secret     []byte
	expiration time.Duration
	issuer     string
	dialect    sqlrender.Dialect
}

func NewTokenService(secret string, expiration time.Duration, dialect sqlrender.Dialect) *TokenService {
	return &TokenService{
		secret:     []byte(secret),
		expiration: expiration,
		issuer:     "chiselcore/auth",
		dialect:    dialect,
	}
}

// Issue mints a new session token for userID, persisting it via exec so
// it can later be revoked with Revoke.
func (s *TokenService) Issue(ctx context.Context, exec metastore.Execer, userID string) (string, error) {
	now := time.Now()
	exp := now.Add(s.expiration)
	tokenID := uuid.NewString()

	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			Subject:   userID,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}

	session := metastore.Session{
		TokenID:   tokenID,
		UserID:    userID,
		ExpiresAt: float64(exp.Unix()),
		CreatedAt: float64(now.Unix()),
	}
	if err := metastore.SaveSession(ctx, exec, s.dialect, session); err != nil {
		return "", fmt.Errorf("auth: saving session: %w", err)
	}

	return signed, nil
}

// Validate parses and verifies a session token, then confirms the
// underlying session has not been revoked.
func (s *TokenService) Validate(ctx context.Context, query metastore.Querier, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return nil, ErrExpiredToken
	}

	session, err := metastore.LoadSession(ctx, query, s.dialect, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("auth: loading session: %w", err)
	}
	if session == nil {
		return nil, ErrNoSession
	}

	return claims, nil
}

// Revoke deletes the session backing tokenID, causing future Validate
// calls against it to fail with ErrNoSession even though the JWT
// signature still verifies.
func (s *TokenService) Revoke(ctx context.Context, exec metastore.Execer, tokenID string) error {
	return metastore.DeleteSession(ctx, exec, s.dialect, tokenID)
}

// RandomSecret generates a fresh HMAC secret, used when a deployment
// omits config.Server.AdminSecret and must self-issue one at boot.
func RandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
