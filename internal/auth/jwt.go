// Package auth issues and checks the session tokens that bind a client to
// a Farcaster fid. Access tokens (2h TTL) authorize fid-scoped writes;
// refresh tokens (30d TTL) obtain new pairs.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token scopes.
const (
	ScopeAccess  = "castkeeper.access"
	ScopeRefresh = "castkeeper.refresh"
)

// Token lifetimes.
const (
	AccessTTL  = 2 * time.Hour
	RefreshTTL = 30 * 24 * time.Hour
)

// ErrInvalidToken is wrapped by every validation failure.
var ErrInvalidToken = errors.New("auth: invalid token")

// Claims extends the standard JWT claims with a scope. The subject is
// the decimal fid.
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// TokenPair holds an access/refresh pair.
type TokenPair struct {
	FID          int64     `json:"fid"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Sessions signs and validates session tokens using HS256.
type Sessions struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewSessions creates a token issuer with the given HMAC secret.
func NewSessions(secret, issuer string) *Sessions {
	return &Sessions{
		secret: []byte(secret),
		issuer: issuer,
		now:    time.Now,
	}
}

// Issue creates an access/refresh pair for fid.
func (s *Sessions) Issue(fid int64) (*TokenPair, error) {
	if fid <= 0 {
		return nil, fmt.Errorf("auth: fid must be positive, got %d", fid)
	}
	now := s.now()

	access, err := s.sign(fid, ScopeAccess, now, AccessTTL)
	if err != nil {
		return nil, fmt.Errorf("auth: sign access token: %w", err)
	}
	refresh, err := s.sign(fid, ScopeRefresh, now, RefreshTTL)
	if err != nil {
		return nil, fmt.Errorf("auth: sign refresh token: %w", err)
	}

	return &TokenPair{
		FID:          fid,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    now.Add(AccessTTL).UTC(),
	}, nil
}

func (s *Sessions) sign(fid int64, scope string, now time.Time, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatInt(fid, 10),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scope: scope,
	})
	return token.SignedString(s.secret)
}

// ValidateAccess returns the fid of a valid access token.
func (s *Sessions) ValidateAccess(tokenStr string) (int64, error) {
	return s.validate(tokenStr, ScopeAccess)
}

// ValidateRefresh returns the fid of a valid refresh token.
func (s *Sessions) ValidateRefresh(tokenStr string) (int64, error) {
	return s.validate(tokenStr, ScopeRefresh)
}

func (s *Sessions) validate(tokenStr, expectedScope string) (int64, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return 0, fmt.Errorf("%w: bad claims", ErrInvalidToken)
	}
	if claims.Scope != expectedScope {
		return 0, fmt.Errorf("%w: wrong scope: got %q, want %q", ErrInvalidToken, claims.Scope, expectedScope)
	}

	fid, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || fid <= 0 {
		return 0, fmt.Errorf("%w: bad subject %q", ErrInvalidToken, claims.Subject)
	}
	return fid, nil
}
