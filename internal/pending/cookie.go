// Package pending carries a check-in across the login redirect in a short
// lived cookie.
package pending

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"expocheckin/internal/clock"
	"expocheckin/internal/signature"
)

const (
	// CookieName is the pending check-in cookie.
	CookieName = "expo_pending_checkin"
	// MaxAge bounds how long a pending check-in stays usable.
	MaxAge = 900 * time.Second
)

// Checkin is the cookie payload.
type Checkin struct {
	Type      string `json:"tp"`
	EntityID  int64  `json:"ex"`
	EventID   string `json:"ev"`
	Signature string `json:"sig"`
	Timestamp int64  `json:"ts"`
}

// Jar reads and writes pending check-in cookies.
type Jar struct {
	clock clock.Clock
}

// NewJar creates a jar; a nil clock uses real time.
func NewJar(c clock.Clock) *Jar {
	if c == nil {
		c = clock.Real()
	}
	return &Jar{clock: c}
}

// Set stores pc stamped with the current time.
func (j *Jar) Set(w http.ResponseWriter, r *http.Request, pc Checkin) error {
	pc.Timestamp = j.clock.Now().Unix()
	raw, err := json.Marshal(pc)
	if err != nil {
		return err
	}
	http.SetCookie(w, j.cookie(r, base64.RawURLEncoding.EncodeToString(raw), int(MaxAge/time.Second)))
	return nil
}

// Clear expires the cookie.
func (j *Jar) Clear(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, j.cookie(r, "", -1))
}

// Read decodes the cookie without validating it.
func (j *Jar) Read(r *http.Request) (Checkin, bool) {
	c, err := r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return Checkin{}, false
	}
	raw, err := base64.RawURLEncoding.DecodeString(c.Value)
	if err != nil {
		return Checkin{}, false
	}
	var pc Checkin
	if err := json.Unmarshal(raw, &pc); err != nil {
		return Checkin{}, false
	}
	if pc.Type == "" {
		pc.Type = "exhibitor"
	}
	return pc, true
}

// Consume reads the cookie, always clears it when present, and returns the
// payload only if it is fresh and its signature still verifies.
func (j *Jar) Consume(w http.ResponseWriter, r *http.Request, signer *signature.Signer) (Checkin, bool) {
	if _, err := r.Cookie(CookieName); err != nil {
		return Checkin{}, false
	}
	j.Clear(w, r)
	pc, ok := j.Read(r)
	if !ok {
		return Checkin{}, false
	}
	if !j.fresh(pc.Timestamp) {
		return Checkin{}, false
	}
	if pc.EntityID <= 0 || !signer.Verify(pc.Type, pc.EntityID, pc.EventID, pc.Signature) {
		return Checkin{}, false
	}
	return pc, true
}

func (j *Jar) fresh(ts int64) bool {
	if ts <= 0 {
		return false
	}
	age := j.clock.Now().Sub(time.Unix(ts, 0))
	return age <= MaxAge && age >= -MaxAge
}

func (j *Jar) cookie(r *http.Request, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   IsSecure(r),
		SameSite: http.SameSiteLaxMode,
	}
}

// IsSecure reports whether r arrived over TLS, directly or via a proxy.
func IsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
