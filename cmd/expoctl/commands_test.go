package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"expocheckin/internal/config"
	"expocheckin/internal/directory"
	"expocheckin/internal/signature"
	"expocheckin/internal/store/storetest"
)

func newTestCLI(t *testing.T) (*cli, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	cfg := config.App{BaseURL: "https://expo.example", QRSecret: "cli-secret", CurrentEventID: "2025", DisplayTimezone: "UTC"}
	return newCLI(storetest.Open(t), cfg, out), out
}

func decode[T any](t *testing.T, out *bytes.Buffer) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(out.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", out.String(), err)
	}
	out.Reset()
	return v
}

func TestAddUserCanAuthenticate(t *testing.T) {
	ctx := context.Background()
	c, out := newTestCLI(t)
	if err := c.dispatch(ctx, []string{"add-user", "--login", "kim", "--password", "pw", "--role", "staff"}); err != nil {
		t.Fatalf("add-user: %v", err)
	}
	created := decode[directory.User](t, out)
	if created.ID == 0 || created.Role != "staff" {
		t.Fatalf("created = %+v", created)
	}
	u, err := c.dir.Authenticate(ctx, "kim", "pw")
	if err != nil || u.ID != created.ID || !u.IsStaff() {
		t.Fatalf("Authenticate = %+v, %v", u, err)
	}

	if err := c.dispatch(ctx, []string{"add-user", "--login", "x", "--role", "root"}); err == nil {
		t.Fatal("unknown role accepted")
	}
}

func TestAddItemAndQRURL(t *testing.T) {
	ctx := context.Background()
	c, out := newTestCLI(t)
	if err := c.dispatch(ctx, []string{"add-item", "--type", "panel", "--title", "Future of Retail!"}); err != nil {
		t.Fatalf("add-item: %v", err)
	}
	item := decode[directory.Entity](t, out)
	if item.Type != directory.Panel || item.Slug != "future-of-retail" {
		t.Fatalf("item = %+v", item)
	}

	if err := c.dispatch(ctx, []string{"qr-url", "--type", "panel", "--id", "1"}); err != nil {
		t.Fatalf("qr-url: %v", err)
	}
	link := strings.TrimSpace(out.String())
	signer, err := signature.NewSigner("cli-secret")
	if err != nil {
		t.Fatal(err)
	}
	want := "https://expo.example/qr/panel/1/2025/" + signer.Sign("panel", 1, "2025")
	if link != want {
		t.Fatalf("link = %q, want %q", link, want)
	}

	for _, args := range [][]string{
		{"add-item", "--type", "booth", "--title", "x"},
		{"add-item", "--type", "panel"},
		{"qr-url", "--type", "panel", "--id", "99"},
		{"qr-url", "--type", "panel", "--id", "1", "--event", "a/b"},
	} {
		if err := c.dispatch(ctx, args); err == nil {
			t.Fatalf("%v accepted", args)
		}
	}
}

func TestNurseryRecords(t *testing.T) {
	ctx := context.Background()
	c, out := newTestCLI(t)
	if err := c.dispatch(ctx, []string{"add-family", "--name", "Lopez", "--contact", "555-0100"}); err != nil {
		t.Fatalf("add-family: %v", err)
	}
	fam := decode[directory.Family](t, out)

	if err := c.dispatch(ctx, []string{"add-child", "--name", "Mia", "--family", "1", "--allergies", "nuts"}); err != nil {
		t.Fatalf("add-child: %v", err)
	}
	child := decode[directory.Child](t, out)
	if child.FamilyID == nil || *child.FamilyID != fam.ID || child.Allergies != "nuts" {
		t.Fatalf("child = %+v", child)
	}
	if err := c.dispatch(ctx, []string{"add-child", "--name", "Leo", "--family", "42"}); err == nil {
		t.Fatal("missing family accepted")
	}

	args := []string{"add-service", "--title", "Sunday", "--label", "AM", "--starts", "2025-05-04 09:00", "--ends", "2025-05-04T11:00:00Z"}
	if err := c.dispatch(ctx, args); err != nil {
		t.Fatalf("add-service: %v", err)
	}
	svc := decode[directory.Service](t, out)
	if svc.StartsAt == nil || !svc.StartsAt.Equal(time.Date(2025, 5, 4, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("starts = %v", svc.StartsAt)
	}
	stored, err := c.dir.Service(ctx, svc.ID)
	if err != nil || stored.TimeRange(nil) != "9:00 AM - 11:00 AM" {
		t.Fatalf("stored = %+v, %v", stored, err)
	}

	bad := []string{"add-service", "--title", "x", "--starts", "2025-05-04 11:00", "--ends", "2025-05-04 09:00"}
	if err := c.dispatch(ctx, bad); err == nil {
		t.Fatal("inverted window accepted")
	}
}

func TestDispatchErrors(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCLI(t)
	if err := c.dispatch(ctx, []string{"drop-tables"}); err == nil {
		t.Fatal("unknown command accepted")
	}
	if err := c.dispatch(ctx, []string{"add-family", "--name", "x", "extra"}); err == nil {
		t.Fatal("stray argument accepted")
	}
	if err := c.dispatch(ctx, []string{"add-family", "--help"}); err != nil {
		t.Fatalf("--help: %v", err)
	}
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"  Hello, World  ": "hello-world",
		"A--B":             "a-b",
		"!!!":              "",
		"Booth 12":         "booth-12",
	}
	for in, want := range cases {
		if got := slugify(in); got != want {
			t.Errorf("slugify(%q) = %q, want %q", in, got, want)
		}
	}
}
