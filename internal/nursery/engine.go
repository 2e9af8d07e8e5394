// Package nursery runs child custody for nursery services: staff check a
// child in, two single-use tokens are printed on labels, and the pickup
// token releases the child. Records expire with the service window.
package nursery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"expocheckin/internal/clock"
	"expocheckin/internal/directory"
	"expocheckin/internal/metrics"
	"expocheckin/internal/signature"
	"expocheckin/internal/store"
	"expocheckin/internal/telemetry"
)

// Status is a custody state.
type Status string

const (
	StatusCreated    Status = "created"
	StatusCheckedIn  Status = "checked_in"
	StatusCheckedOut Status = "checked_out"
	StatusExpired    Status = "expired"
)

// Custody is one child's stay in one service.
type Custody struct {
	ID              int64      `json:"id"`
	ChildID         int64      `json:"child_id"`
	FamilyID        int64      `json:"family_id"`
	ServiceID       int64      `json:"service_id"`
	Status          Status     `json:"status"`
	ChildTokenHash  string     `json:"-"`
	PickupTokenHash string     `json:"-"`
	ExpiresAt       time.Time  `json:"expires_at"`
	CheckinAt       *time.Time `json:"checkin_at,omitempty"`
	CheckoutAt      *time.Time `json:"checkout_at,omitempty"`
	CheckinStaff    *int64     `json:"checkin_staff,omitempty"`
	CheckoutStaff   *int64     `json:"checkout_staff,omitempty"`
	LabelPrintedAt  *time.Time `json:"label_printed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// AuditEntry records one custody action.
type AuditEntry struct {
	ID        int64     `json:"id"`
	CheckinID int64     `json:"checkin_id"`
	ActorID   *int64    `json:"actor_id,omitempty"`
	Action    string    `json:"action"`
	Note      string    `json:"note"`
	CreatedAt time.Time `json:"created_at"`
}

// Audit actions.
const (
	ActionCheckIn    = "check_in"
	ActionCheckOut   = "check_out"
	ActionRegenerate = "regenerate_tokens"
)

// Directory resolves children, families and services.
type Directory interface {
	Child(ctx context.Context, id int64) (directory.Child, error)
	Children(ctx context.Context) ([]directory.Child, error)
	Family(ctx context.Context, id int64) (directory.Family, error)
	Service(ctx context.Context, id int64) (directory.Service, error)
}

// Options configures an Engine.
type Options struct {
	// BaseURL prefixes scan links.
	BaseURL string
	// TokenKey keys the stored token hashes.
	TokenKey string
	// DefaultWindow is the custody lifetime for services without an end time.
	DefaultWindow time.Duration
	// Location renders service times on labels. Nil means UTC.
	Location *time.Location
}

// Engine is the custody state machine.
type Engine struct {
	repo   *Repository
	dir    Directory
	tokens tokenCache
	hasher hasher
	signer *signature.Signer
	clock  clock.Clock
	opts   Options
	tracer trace.Tracer
}

// NewEngine wires an engine.
func NewEngine(repo *Repository, dir Directory, cache store.Cache, signer *signature.Signer, c clock.Clock, opts Options) *Engine {
	if c == nil {
		c = clock.Real()
	}
	if opts.DefaultWindow <= 0 {
		opts.DefaultWindow = 6 * time.Hour
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Engine{
		repo:   repo,
		dir:    dir,
		tokens: tokenCache{cache: cache},
		hasher: hasher{key: []byte(opts.TokenKey)},
		signer: signer,
		clock:  c,
		opts:   opts,
		tracer: telemetry.Tracer("nursery"),
	}
}

// CheckInInput describes a staff check-in.
type CheckInInput struct {
	ChildID   int64
	ServiceID int64
	StaffID   int64
	Note      string
}

// Issued is returned when tokens are minted.
type Issued struct {
	CustodyID int64         `json:"checkin_id"`
	ServiceID int64         `json:"service_id"`
	Tokens    Tokens        `json:"tokens"`
	ExpiresAt time.Time     `json:"expires_at"`
	TTL       time.Duration `json:"ttl"`
}

// Pickup identifies a completed checkout.
type Pickup struct {
	CustodyID int64 `json:"checkin_id"`
	ServiceID int64 `json:"service_id"`
}

// CheckIn puts a child into custody for a service and issues a fresh token
// pair. A previous checked_out or expired record for the same child and
// service is reused.
func (e *Engine) CheckIn(ctx context.Context, in CheckInInput) (Issued, error) {
	ctx, span := e.tracer.Start(ctx, "nursery.CheckIn", trace.WithAttributes(
		attribute.Int64("nursery.child_id", in.ChildID),
		attribute.Int64("nursery.service_id", in.ServiceID),
	))
	defer span.End()

	child, err := e.dir.Child(ctx, in.ChildID)
	if errors.Is(err, directory.ErrNotFound) {
		return Issued{}, ErrInvalidChild
	}
	if err != nil {
		return Issued{}, fmt.Errorf("load child: %w", err)
	}
	service, err := e.dir.Service(ctx, in.ServiceID)
	if errors.Is(err, directory.ErrNotFound) {
		return Issued{}, ErrInvalidService
	}
	if err != nil {
		return Issued{}, fmt.Errorf("load service: %w", err)
	}
	if child.FamilyID == nil {
		return Issued{}, ErrMissingFamily
	}

	if err := e.sweep(ctx); err != nil {
		return Issued{}, err
	}
	existing, err := e.repo.FindByChildService(ctx, child.ID, service.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Issued{}, fmt.Errorf("load custody: %w", err)
	}
	if err == nil && existing.Status == StatusCheckedIn {
		return Issued{}, ErrAlreadyCheckedIn
	}

	pair, err := generateTokens()
	if err != nil {
		return Issued{}, fmt.Errorf("generate tokens: %w", err)
	}
	now := e.clock.Now()
	expires := now.Add(e.opts.DefaultWindow)
	if service.EndsAt != nil {
		expires = *service.EndsAt
	}
	staff := in.StaffID
	id, ok, err := e.repo.UpsertCheckedIn(ctx, Custody{
		ChildID:         child.ID,
		FamilyID:        *child.FamilyID,
		ServiceID:       service.ID,
		ChildTokenHash:  e.hasher.hash(pair.Child),
		PickupTokenHash: e.hasher.hash(pair.Pickup),
		ExpiresAt:       expires,
		CheckinStaff:    &staff,
		UpdatedAt:       now,
	})
	if err != nil {
		span.RecordError(err)
		return Issued{}, fmt.Errorf("store custody: %w", err)
	}
	if !ok {
		// a concurrent check-in won the (child, service) row
		return Issued{}, ErrAlreadyCheckedIn
	}

	ttl := cacheTTL(expires, now)
	if err := e.tokens.put(ctx, id, pair, ttl); err != nil {
		log.Printf("nursery: cache tokens for %d failed: %v", id, err)
	}
	e.audit(ctx, id, ActionCheckIn, in.StaffID, in.Note)
	metrics.NurseryTransitions.WithLabelValues(ActionCheckIn).Inc()
	return Issued{CustodyID: id, ServiceID: service.ID, Tokens: pair, ExpiresAt: expires, TTL: ttl}, nil
}

// CheckOutByToken releases the child whose pickup token matches.
func (e *Engine) CheckOutByToken(ctx context.Context, token string, staffID int64) (Pickup, error) {
	ctx, span := e.tracer.Start(ctx, "nursery.CheckOutByToken")
	defer span.End()

	token = normalizeToken(token)
	if token == "" {
		return Pickup{}, ErrInvalidToken
	}
	if err := e.sweep(ctx); err != nil {
		return Pickup{}, err
	}
	rec, err := e.repo.FindActiveByPickupHash(ctx, e.hasher.hash(token))
	if errors.Is(err, ErrNotFound) {
		return Pickup{}, ErrInvalidToken
	}
	if err != nil {
		return Pickup{}, fmt.Errorf("find by token: %w", err)
	}
	// the indexed lookup is not constant time, so compare again
	if !e.hasher.matches(rec.PickupTokenHash, token) {
		return Pickup{}, ErrInvalidToken
	}
	return e.checkOut(ctx, rec, staffID)
}

// CheckOutByID releases a checked-in child by record id.
func (e *Engine) CheckOutByID(ctx context.Context, custodyID, staffID int64) (Pickup, error) {
	ctx, span := e.tracer.Start(ctx, "nursery.CheckOutByID", trace.WithAttributes(attribute.Int64("nursery.custody_id", custodyID)))
	defer span.End()

	rec, err := e.GetByID(ctx, custodyID)
	if err != nil {
		return Pickup{}, err
	}
	return e.checkOut(ctx, rec, staffID)
}

func (e *Engine) checkOut(ctx context.Context, rec Custody, staffID int64) (Pickup, error) {
	if rec.Status != StatusCheckedIn {
		return Pickup{}, ErrInvalidStatus
	}
	ok, err := e.repo.MarkCheckedOut(ctx, rec.ID, staffID, e.clock.Now())
	if err != nil {
		return Pickup{}, fmt.Errorf("check out: %w", err)
	}
	if !ok {
		return Pickup{}, ErrInvalidStatus
	}
	if err := e.tokens.drop(ctx, rec.ID); err != nil {
		log.Printf("nursery: drop tokens for %d failed: %v", rec.ID, err)
	}
	e.audit(ctx, rec.ID, ActionCheckOut, staffID, "")
	metrics.NurseryTransitions.WithLabelValues(ActionCheckOut).Inc()
	return Pickup{CustodyID: rec.ID, ServiceID: rec.ServiceID}, nil
}

// RegenerateTokens replaces the token pair of a checked-in record.
func (e *Engine) RegenerateTokens(ctx context.Context, custodyID, staffID int64) (Issued, error) {
	ctx, span := e.tracer.Start(ctx, "nursery.RegenerateTokens", trace.WithAttributes(attribute.Int64("nursery.custody_id", custodyID)))
	defer span.End()

	rec, err := e.GetByID(ctx, custodyID)
	if err != nil {
		return Issued{}, err
	}
	if rec.Status != StatusCheckedIn {
		return Issued{}, ErrInvalidStatus
	}
	pair, err := generateTokens()
	if err != nil {
		return Issued{}, fmt.Errorf("generate tokens: %w", err)
	}
	now := e.clock.Now()
	ok, err := e.repo.ReplaceTokens(ctx, rec.ID, e.hasher.hash(pair.Child), e.hasher.hash(pair.Pickup), now)
	if err != nil {
		return Issued{}, fmt.Errorf("replace tokens: %w", err)
	}
	if !ok {
		return Issued{}, ErrInvalidStatus
	}
	ttl := cacheTTL(rec.ExpiresAt, now)
	if err := e.tokens.put(ctx, rec.ID, pair, ttl); err != nil {
		log.Printf("nursery: cache tokens for %d failed: %v", rec.ID, err)
	}
	e.audit(ctx, rec.ID, ActionRegenerate, staffID, "")
	metrics.NurseryTransitions.WithLabelValues(ActionRegenerate).Inc()
	return Issued{CustodyID: rec.ID, ServiceID: rec.ServiceID, Tokens: pair, ExpiresAt: rec.ExpiresAt, TTL: ttl}, nil
}

// GetActive returns the current record for a child in a service, whatever
// its status.
func (e *Engine) GetActive(ctx context.Context, childID, serviceID int64) (Custody, error) {
	if err := e.sweep(ctx); err != nil {
		return Custody{}, err
	}
	return e.repo.FindByChildService(ctx, childID, serviceID)
}

// GetByID returns a record after expiring overdue rows.
func (e *Engine) GetByID(ctx context.Context, custodyID int64) (Custody, error) {
	if err := e.sweep(ctx); err != nil {
		return Custody{}, err
	}
	return e.repo.Get(ctx, custodyID)
}

// Audit returns the audit trail of a record, oldest first.
func (e *Engine) Audit(ctx context.Context, custodyID int64) ([]AuditEntry, error) {
	if _, err := e.repo.Get(ctx, custodyID); err != nil {
		return nil, err
	}
	return e.repo.ListAudit(ctx, custodyID)
}

// ScanURL returns the link encoded in a label QR code. Label links carry a
// signature instead of a token.
func (e *Engine) ScanURL(kind string, custodyID int64, token string) string {
	if kind == "label" {
		token = e.signer.SignLabel(custodyID)
	}
	return e.opts.BaseURL + "/nursery/scan/" + kind + "/" + strconv.FormatInt(custodyID, 10) + "/" + token
}

// sweep expires overdue records. Reads that depend on status call it first.
func (e *Engine) sweep(ctx context.Context) error {
	_, err := e.ExpireOverdue(ctx)
	return err
}

// ExpireOverdue flips every checked-in record past its expiry to expired
// and returns how many changed.
func (e *Engine) ExpireOverdue(ctx context.Context) (int64, error) {
	n, err := e.repo.Expire(ctx, e.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("expire custody: %w", err)
	}
	if n > 0 {
		metrics.NurseryTransitions.WithLabelValues("expire").Add(float64(n))
	}
	return n, nil
}

// audit appends to the trail. A failed write is logged and not returned.
func (e *Engine) audit(ctx context.Context, custodyID int64, action string, actorID int64, note string) {
	entry := AuditEntry{CheckinID: custodyID, Action: action, Note: note, CreatedAt: e.clock.Now()}
	if actorID > 0 {
		entry.ActorID = &actorID
	}
	if err := e.repo.InsertAudit(ctx, entry); err != nil {
		log.Printf("nursery: audit %s for %d failed: %v", action, custodyID, err)
	}
}
