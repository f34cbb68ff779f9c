// Package auth issues and verifies owner tokens and carries the owner
// identity through echo requests.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrAuthDisabled = errors.New("authentication is disabled")
	ErrInvalidToken = errors.New("invalid token")
)

// Token scopes. API tokens authenticate REST calls; WebSocket tokens are
// short lived and only open gateway connections.
const (
	ScopeAPI = "api"
	ScopeWS  = "ws"
)

const issuer = "omni-bot"

// JWTService handles token signing and verification.
type JWTService struct {
	secret []byte
	apiTTL time.Duration
	wsTTL  time.Duration
	now    func() time.Time
}

// NewJWTService builds a JWT helper with the given secret and expiries. A
// non-positive API TTL issues tokens that never expire.
func NewJWTService(secret string, apiTTL, wsTTL time.Duration) *JWTService {
	return &JWTService{secret: []byte(secret), apiTTL: apiTTL, wsTTL: wsTTL, now: time.Now}
}

type Claims struct {
	Email string `json:"email"`
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// WSTokenTTL is the lifetime of WebSocket tokens.
func (s *JWTService) WSTokenTTL() time.Duration { return s.wsTTL }

// Generate issues a signed token for email with the given scope.
func (s *JWTService) Generate(email, scope string) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return "", errors.New("email required")
	}

	ttl := s.apiTTL
	if scope == ScopeWS {
		ttl = s.wsTTL
	}
	now := s.now()
	claims := Claims{
		Email: email,
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			Subject:  email,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses token and returns its claims. When scopes are given the
// token's scope must be one of them.
func (s *JWTService) Validate(token string, scopes ...string) (*Claims, error) {
	if s == nil || len(s.secret) == 0 {
		return nil, ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Email) == "" {
		return nil, ErrInvalidToken
	}
	if len(scopes) > 0 && !contains(scopes, claims.Scope) {
		return nil, fmt.Errorf("%w: scope %q not accepted", ErrInvalidToken, claims.Scope)
	}
	return claims, nil
}

// Authenticate validates a gateway connection token.
func (s *JWTService) Authenticate(token string) (string, error) {
	claims, err := s.Validate(token, ScopeWS, ScopeAPI)
	if err != nil {
		return "", err
	}
	return claims.Email, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
