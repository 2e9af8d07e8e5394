package nursery

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"expocheckin/internal/store"
)

// tokenAlphabet omits I, O, 0 and 1. Its length divides 256, so a random
// byte modulo the length is uniform.
const (
	tokenAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	tokenLength   = 10
)

// Tokens is the plaintext pair printed on labels.
type Tokens struct {
	Child  string `json:"child"`
	Pickup string `json:"pickup"`
}

func generateToken() (string, error) {
	buf := make([]byte, tokenLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, tokenLength)
	for i, b := range buf {
		out[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(out), nil
}

func generateTokens() (Tokens, error) {
	child, err := generateToken()
	if err != nil {
		return Tokens{}, err
	}
	pickup, err := generateToken()
	if err != nil {
		return Tokens{}, err
	}
	return Tokens{Child: child, Pickup: pickup}, nil
}

// normalizeToken uppercases hand-typed tokens.
func normalizeToken(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}

// hasher derives the stored form of a token.
type hasher struct {
	key []byte
}

func (h hasher) hash(token string) string {
	m := hmac.New(sha256.New, h.key)
	m.Write([]byte(token))
	return hex.EncodeToString(m.Sum(nil))
}

// matches compares token against a stored hash in constant time.
func (h hasher) matches(storedHash, token string) bool {
	if storedHash == "" || token == "" {
		return false
	}
	return hmac.Equal([]byte(storedHash), []byte(h.hash(token)))
}

// tokenCache keeps plaintext tokens for label printing until the record expires.
type tokenCache struct {
	cache store.Cache
}

func tokenKey(custodyID int64) string {
	return "nursery:tokens:" + strconv.FormatInt(custodyID, 10)
}

func cacheTTL(expiresAt, now time.Time) time.Duration {
	ttl := expiresAt.Sub(now)
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}

func (c tokenCache) put(ctx context.Context, custodyID int64, t Tokens, ttl time.Duration) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return c.cache.Set(ctx, tokenKey(custodyID), raw, ttl)
}

func (c tokenCache) get(ctx context.Context, custodyID int64) (Tokens, bool) {
	raw, ok, err := c.cache.Get(ctx, tokenKey(custodyID))
	if err != nil || !ok {
		return Tokens{}, false
	}
	var t Tokens
	if err := json.Unmarshal(raw, &t); err != nil || t.Child == "" {
		return Tokens{}, false
	}
	return t, true
}

func (c tokenCache) drop(ctx context.Context, custodyID int64) error {
	return c.cache.Delete(ctx, tokenKey(custodyID))
}
