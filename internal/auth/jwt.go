package auth

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"expocheckin/internal/clock"
)

// Claims represents the session JWT payload.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Identity is the signed-in user behind a request.
type Identity struct {
	UserID int64  `json:"user_id"`
	Role   string `json:"role"`
}

// IsStaff reports whether the identity may run staff operations.
func (i Identity) IsStaff() bool {
	return i.Role == "staff" || i.Role == "admin"
}

// Sessions issues and validates HS256 session tokens.
type Sessions struct {
	key    []byte
	issuer string
	ttl    time.Duration
	clock  clock.Clock
}

// NewSessions creates a session issuer. A nil clock uses real time.
func NewSessions(key, issuer string, ttl time.Duration, c clock.Clock) *Sessions {
	if c == nil {
		c = clock.Real()
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Sessions{key: []byte(key), issuer: issuer, ttl: ttl, clock: c}
}

// TTL is the lifetime of issued tokens.
func (s *Sessions) TTL() time.Duration { return s.ttl }

// Issue signs a session token for id.
func (s *Sessions) Issue(id Identity) (string, time.Time, error) {
	if id.UserID <= 0 {
		return "", time.Time{}, errors.New("user id required")
	}
	now := s.clock.Now()
	exp := now.Add(s.ttl)
	claims := Claims{
		Role: id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   strconv.FormatInt(id.UserID, 10),
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// Parse validates a token and returns its identity.
func (s *Sessions) Parse(tokenStr string) (Identity, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.key, nil
	}, jwt.WithTimeFunc(s.clock.Now))
	if err != nil {
		return Identity{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Identity{}, errors.New("invalid token")
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return Identity{}, errors.New("issuer mismatch")
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return Identity{}, errors.New("invalid subject")
	}
	return Identity{UserID: id, Role: claims.Role}, nil
}
