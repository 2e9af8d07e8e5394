package pending

import (
	"crypto/tls"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"expocheckin/internal/clock"
	"expocheckin/internal/signature"
)

func setCookie(t *testing.T, jar *Jar, pc Checkin) *http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	if err := jar.Set(rec, httptest.NewRequest(http.MethodGet, "/qr", nil), pc); err != nil {
		t.Fatalf("Set: %v", err)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("got %d cookies", len(cookies))
	}
	return cookies[0]
}

func requestWith(c *http.Cookie) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/login", nil)
	r.AddCookie(c)
	return r
}

func TestSetCookieAttributes(t *testing.T) {
	jar := NewJar(clock.Fake(time.Unix(1_700_000_000, 0)))
	c := setCookie(t, jar, Checkin{Type: "session", EntityID: 3, EventID: "2025", Signature: "s"})
	if c.Name != CookieName || !c.HttpOnly || c.MaxAge != 900 || c.Secure {
		t.Fatalf("unexpected cookie %+v", c)
	}

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/qr", nil)
	r.TLS = &tls.ConnectionState{}
	if err := jar.Set(rec, r, Checkin{Type: "session", EntityID: 3, EventID: "2025"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !rec.Result().Cookies()[0].Secure {
		t.Fatal("cookie over TLS is not Secure")
	}

	got, ok := jar.Read(requestWith(c))
	if !ok || got.Type != "session" || got.EntityID != 3 || got.Timestamp != 1_700_000_000 {
		t.Fatalf("Read = %+v, %v", got, ok)
	}
}

func TestConsume(t *testing.T) {
	signer, _ := signature.NewSigner("secret")
	valid := Checkin{Type: "panel", EntityID: 4, EventID: "2025", Signature: signer.Sign("panel", 4, "2025")}

	cases := []struct {
		name    string
		pc      Checkin
		advance time.Duration
		want    bool
	}{
		{"fresh", valid, 10 * time.Minute, true},
		{"at limit", valid, 900 * time.Second, true},
		{"stale", valid, 901 * time.Second, false},
		{"bad signature", Checkin{Type: "panel", EntityID: 5, EventID: "2025", Signature: valid.Signature}, 0, false},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.Fake(time.Unix(1_700_000_000, 0))
			jar := NewJar(clk)
			c := setCookie(t, jar, tt.pc)
			clk.Advance(tt.advance)

			rec := httptest.NewRecorder()
			got, ok := jar.Consume(rec, requestWith(c), signer)
			if ok != tt.want {
				t.Fatalf("Consume ok = %v, want %v", ok, tt.want)
			}
			if ok && got.EntityID != tt.pc.EntityID {
				t.Fatalf("Consume = %+v", got)
			}
			cleared := rec.Result().Cookies()
			if len(cleared) != 1 || cleared[0].MaxAge >= 0 {
				t.Fatalf("cookie not cleared: %+v", cleared)
			}
		})
	}
}

func TestConsumeWithoutCookie(t *testing.T) {
	rec := httptest.NewRecorder()
	signer, _ := signature.NewSigner("k")
	if _, ok := NewJar(nil).Consume(rec, httptest.NewRequest(http.MethodPost, "/login", nil), signer); ok {
		t.Fatal("Consume without cookie succeeded")
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Fatal("cookie written when none was present")
	}
}

func TestReadDefaultsType(t *testing.T) {
	raw := `{"ex":12,"ev":"2023","sig":"x","ts":1}`
	c := &http.Cookie{Name: CookieName, Value: base64.RawURLEncoding.EncodeToString([]byte(raw))}
	got, ok := NewJar(nil).Read(requestWith(c))
	if !ok || got.Type != "exhibitor" || got.EntityID != 12 {
		t.Fatalf("Read = %+v, %v", got, ok)
	}

	bad := &http.Cookie{Name: CookieName, Value: "not base64!"}
	if _, ok := NewJar(nil).Read(requestWith(bad)); ok {
		t.Fatal("malformed cookie decoded")
	}
}
