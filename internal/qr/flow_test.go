package qr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"expocheckin/internal/checkin"
	"expocheckin/internal/clock"
	"expocheckin/internal/directory"
	"expocheckin/internal/pending"
	"expocheckin/internal/signature"
)

type fakeEntities struct {
	entity func(ctx context.Context, id int64) (directory.Entity, error)
}

func (f fakeEntities) Entity(ctx context.Context, id int64) (directory.Entity, error) {
	return f.entity(ctx, id)
}

func (fakeEntities) Permalink(e directory.Entity) string {
	return "https://expo.example/" + string(e.Type) + "s/" + e.Slug
}

func (fakeEntities) HomeURL() string { return "https://expo.example/" }

type fakeLedger struct {
	seen  map[string]bool
	calls []checkin.RecordInput
}

func (l *fakeLedger) Record(_ context.Context, in checkin.RecordInput) (bool, error) {
	l.calls = append(l.calls, in)
	key := fmt.Sprintf("%d/%s/%d/%s", in.UserID, in.Type, in.EntityID, in.EventID)
	if l.seen[key] {
		return false, nil
	}
	l.seen[key] = true
	return true, nil
}

type harness struct {
	flow   *Flow
	signer *signature.Signer
	ledger *fakeLedger
	clock  *clock.FakeClock
}

func newHarness() harness {
	signer, _ := signature.NewSigner("secret")
	ledger := &fakeLedger{seen: map[string]bool{}}
	clk := clock.Fake(time.Unix(1_750_000_000, 0))
	entities := fakeEntities{entity: func(_ context.Context, id int64) (directory.Entity, error) {
		if id == 42 {
			return directory.Entity{ID: 42, Type: directory.Session, Slug: "keynote"}, nil
		}
		return directory.Entity{}, directory.ErrNotFound
	}}
	flow := NewFlow(signer, entities, ledger, pending.NewJar(clk), Options{
		BaseURL:        "https://expo.example",
		LoginURL:       "https://expo.example/login",
		CurrentEventID: "2025",
	})
	return harness{flow: flow, signer: signer, ledger: ledger, clock: clk}
}

func (h harness) visit(t *testing.T, v Visit) (*httptest.ResponseRecorder, string, error) {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "/qr/"+v.Type+"/"+v.EntityID+"/"+v.EventID+"/"+v.Signature, nil)
	w := httptest.NewRecorder()
	dest, err := h.flow.HandleLink(context.Background(), w, r, v)
	return w, dest, err
}

func TestHandleLinkSignedIn(t *testing.T) {
	h := newHarness()
	v := Visit{Type: "session", EntityID: "42", EventID: "2025", Signature: h.signer.Sign("session", 42, "2025"), UserID: 7}

	_, dest, err := h.visit(t, v)
	if err != nil {
		t.Fatalf("HandleLink: %v", err)
	}
	if dest != "https://expo.example/sessions/keynote?checked_in=1" {
		t.Fatalf("dest = %q", dest)
	}
	_, dest, err = h.visit(t, v)
	if err != nil {
		t.Fatalf("HandleLink: %v", err)
	}
	if !strings.HasSuffix(dest, "checked_in=0") {
		t.Fatalf("repeat dest = %q, want checked_in=0", dest)
	}
	if len(h.ledger.calls) != 2 || h.ledger.calls[0].Source != "qr" {
		t.Fatalf("ledger calls = %+v", h.ledger.calls)
	}
}

func TestHandleLinkAnonymousSetsPending(t *testing.T) {
	h := newHarness()
	sig := h.signer.Sign("session", 42, "2025")
	w, dest, err := h.visit(t, Visit{Type: "session", EntityID: "42", EventID: "2025", Signature: sig})
	if err != nil {
		t.Fatalf("HandleLink: %v", err)
	}
	u, err := url.Parse(dest)
	if err != nil {
		t.Fatalf("parse dest: %v", err)
	}
	if u.Path != "/login" || u.Query().Get("redirect_to") != "https://expo.example/qr/session/42/2025/"+sig {
		t.Fatalf("dest = %q", dest)
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != pending.CookieName {
		t.Fatalf("cookies = %+v", cookies)
	}
	if len(h.ledger.calls) != 0 {
		t.Fatal("anonymous visit wrote to the ledger")
	}
}

func TestHandleLinkRejects(t *testing.T) {
	h := newHarness()
	good := h.signer.Sign("session", 42, "2025")
	cases := []struct {
		name string
		v    Visit
		want error
	}{
		{"bad signature", Visit{Type: "session", EntityID: "42", EventID: "2025", Signature: "nope", UserID: 1}, signature.ErrInvalid},
		{"unknown type", Visit{Type: "booth", EntityID: "42", EventID: "2025", Signature: h.signer.Sign("booth", 42, "2025"), UserID: 1}, signature.ErrInvalid},
		{"non-numeric id", Visit{Type: "session", EntityID: "x", EventID: "2025", Signature: good, UserID: 1}, signature.ErrInvalid},
		{"missing event", Visit{Type: "session", EntityID: "42", Signature: good, UserID: 1}, signature.ErrInvalid},
		{"unknown item", Visit{Type: "session", EntityID: "43", EventID: "2025", Signature: h.signer.Sign("session", 43, "2025"), UserID: 1}, directory.ErrNotFound},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			w, _, err := h.visit(t, tt.v)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if len(w.Result().Cookies()) != 0 {
				t.Fatal("cookie set on rejected link")
			}
		})
	}
	if len(h.ledger.calls) != 0 {
		t.Fatalf("ledger calls = %+v", h.ledger.calls)
	}
}

func TestCompleteLogin(t *testing.T) {
	cases := []struct {
		name     string
		advance  time.Duration
		rotate   bool
		want     bool
		wantDest string
	}{
		{"fresh", 5 * time.Minute, false, true, "https://expo.example/sessions/keynote?checked_in=1"},
		{"stale", 16 * time.Minute, false, false, "https://expo.example/"},
		{"rotated secret", time.Minute, true, false, "https://expo.example/"},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			w, _, err := h.visit(t, Visit{Type: "session", EntityID: "42", EventID: "2025", Signature: h.signer.Sign("session", 42, "2025")})
			if err != nil {
				t.Fatalf("HandleLink: %v", err)
			}
			cookie := w.Result().Cookies()[0]
			h.clock.Advance(tt.advance)
			if tt.rotate {
				if err := h.signer.Rotate("other"); err != nil {
					t.Fatalf("Rotate: %v", err)
				}
			}

			r := httptest.NewRequest(http.MethodPost, "/login", nil)
			r.AddCookie(cookie)
			rec := httptest.NewRecorder()
			dest, ok := h.flow.CompleteLogin(context.Background(), rec, r, 9, "127.0.0.1", "test")
			if ok != tt.want || dest != tt.wantDest {
				t.Fatalf("CompleteLogin = %q, %v; want %q, %v", dest, ok, tt.wantDest, tt.want)
			}
			if got := len(h.ledger.calls); (got == 1) != tt.want {
				t.Fatalf("ledger calls = %d", got)
			}
			cleared := rec.Result().Cookies()
			if len(cleared) != 1 || cleared[0].MaxAge >= 0 {
				t.Fatalf("pending cookie not cleared: %+v", cleared)
			}
		})
	}
}

func TestURLForAndPNG(t *testing.T) {
	h := newHarness()
	link, err := h.flow.URLFor("panel", 3, "")
	if err != nil {
		t.Fatalf("URLFor: %v", err)
	}
	want := "https://expo.example/qr/panel/3/2025/" + h.signer.Sign("panel", 3, "2025")
	if link != want {
		t.Fatalf("URLFor = %q, want %q", link, want)
	}
	if _, err := h.flow.URLFor("booth", 3, ""); err == nil {
		t.Fatal("URLFor accepted an unknown type")
	}
	if _, err := h.flow.URLFor("panel", 3, "spring/2025"); err == nil {
		t.Fatal("URLFor accepted an event id with a slash")
	}
	spaced, err := h.flow.URLFor("panel", 3, "spring expo")
	if err != nil {
		t.Fatalf("URLFor: %v", err)
	}
	if !strings.Contains(spaced, "/spring%20expo/") {
		t.Fatalf("URLFor = %q, want an escaped event id", spaced)
	}

	png, err := PNG(link, 128)
	if err != nil {
		t.Fatalf("PNG: %v", err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Fatal("PNG output lacks the PNG signature")
	}
}
