// Package qr implements the signed check-in link flow: scanning a link,
// deferring it across login, and minting links and QR images for items.
package qr

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"expocheckin/internal/checkin"
	"expocheckin/internal/directory"
	"expocheckin/internal/metrics"
	"expocheckin/internal/pending"
	"expocheckin/internal/signature"
)

// Entities resolves items and their permalinks.
type Entities interface {
	Entity(ctx context.Context, id int64) (directory.Entity, error)
	Permalink(e directory.Entity) string
	HomeURL() string
}

// Recorder stores check-ins.
type Recorder interface {
	Record(ctx context.Context, in checkin.RecordInput) (bool, error)
}

// Options configures URLs and the default event.
type Options struct {
	BaseURL        string
	LoginURL       string
	CurrentEventID string
}

// Flow handles signed link visits and post-login completion.
type Flow struct {
	signer   *signature.Signer
	entities Entities
	ledger   Recorder
	jar      *pending.Jar
	opts     Options
}

// NewFlow wires a flow.
func NewFlow(signer *signature.Signer, entities Entities, ledger Recorder, jar *pending.Jar, opts Options) *Flow {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.LoginURL == "" {
		opts.LoginURL = "/login"
	}
	return &Flow{signer: signer, entities: entities, ledger: ledger, jar: jar, opts: opts}
}

// Visit is one request for /qr/{type}/{entity}/{event}/{sig}.
type Visit struct {
	Type      string
	EntityID  string
	EventID   string
	Signature string
	// UserID is zero for anonymous visitors.
	UserID    int64
	ClientIP  string
	UserAgent string
}

// HandleLink validates a visit and returns where to send the visitor.
// Signed-in visitors are checked in immediately; anonymous visitors get a
// pending cookie and are sent to login. It returns signature.ErrInvalid for
// a bad link and directory.ErrNotFound for an unknown item.
func (f *Flow) HandleLink(ctx context.Context, w http.ResponseWriter, r *http.Request, v Visit) (string, error) {
	entityID, err := strconv.ParseInt(v.EntityID, 10, 64)
	if err != nil || entityID <= 0 || v.EventID == "" || v.Signature == "" {
		metrics.CheckinLinks.WithLabelValues("invalid").Inc()
		return "", signature.ErrInvalid
	}
	if _, ok := directory.ParseEntityType(v.Type); !ok || !f.signer.Verify(v.Type, entityID, v.EventID, v.Signature) {
		metrics.CheckinLinks.WithLabelValues("invalid").Inc()
		return "", signature.ErrInvalid
	}

	entity, err := f.entities.Entity(ctx, entityID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			metrics.CheckinLinks.WithLabelValues("not_found").Inc()
		}
		return "", err
	}
	dest := f.entities.Permalink(entity)

	if v.UserID > 0 {
		recorded, err := f.ledger.Record(ctx, checkin.RecordInput{
			UserID:    v.UserID,
			Type:      v.Type,
			EntityID:  entityID,
			EventID:   v.EventID,
			Source:    "qr",
			ClientIP:  v.ClientIP,
			UserAgent: v.UserAgent,
		})
		if err != nil {
			log.Printf("qr: record check-in failed: %v", err)
		}
		if recorded {
			metrics.CheckinLinks.WithLabelValues("recorded").Inc()
		} else {
			metrics.CheckinLinks.WithLabelValues("not_recorded").Inc()
		}
		return withQuery(dest, "checked_in", boolFlag(recorded)), nil
	}

	if err := f.jar.Set(w, r, pending.Checkin{
		Type:      v.Type,
		EntityID:  entityID,
		EventID:   v.EventID,
		Signature: v.Signature,
	}); err != nil {
		return "", fmt.Errorf("set pending check-in: %w", err)
	}
	metrics.CheckinLinks.WithLabelValues("pending").Inc()
	return withQuery(f.opts.LoginURL, "redirect_to", f.opts.BaseURL+r.URL.RequestURI()), nil
}

// CompleteLogin finishes a pending check-in for a user who just signed in.
// The cookie is cleared whenever it was present. It returns the item
// permalink and true when a pending check-in was honoured.
func (f *Flow) CompleteLogin(ctx context.Context, w http.ResponseWriter, r *http.Request, userID int64, clientIP, userAgent string) (string, bool) {
	pc, ok := f.jar.Consume(w, r, f.signer)
	if !ok {
		return f.entities.HomeURL(), false
	}
	if _, err := f.ledger.Record(ctx, checkin.RecordInput{
		UserID:    userID,
		Type:      pc.Type,
		EntityID:  pc.EntityID,
		EventID:   pc.EventID,
		Source:    "qr",
		ClientIP:  clientIP,
		UserAgent: userAgent,
	}); err != nil {
		log.Printf("qr: post-login check-in failed: %v", err)
	}
	metrics.CheckinLinks.WithLabelValues("completed_after_login").Inc()

	dest := f.entities.HomeURL()
	if entity, err := f.entities.Entity(ctx, pc.EntityID); err == nil {
		dest = f.entities.Permalink(entity)
	}
	return withQuery(dest, "checked_in", "1"), true
}

// URLFor returns the signed check-in link for an item. An empty eventID
// uses the current event.
func (f *Flow) URLFor(typ string, entityID int64, eventID string) (string, error) {
	if _, ok := directory.ParseEntityType(typ); !ok {
		return "", fmt.Errorf("unknown item type %q", typ)
	}
	if entityID <= 0 {
		return "", errors.New("item id required")
	}
	if eventID == "" {
		eventID = f.opts.CurrentEventID
	}
	// the route matches one decoded path segment
	if eventID == "" || strings.Contains(eventID, "/") {
		return "", fmt.Errorf("invalid event id %q", eventID)
	}
	sig := f.signer.Sign(typ, entityID, eventID)
	return fmt.Sprintf("%s/qr/%s/%d/%s/%s", f.opts.BaseURL, typ, entityID, url.PathEscape(eventID), sig), nil
}

// PNG renders content as a QR code image of size pixels.
func PNG(content string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	return qrcode.Encode(content, qrcode.Medium, size)
}

func withQuery(raw, key, value string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
