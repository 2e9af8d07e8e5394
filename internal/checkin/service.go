// Package checkin records attendee check-ins exactly once per user, item
// and event, and aggregates them for leaderboards and dashboards.
package checkin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"expocheckin/internal/clock"
	"expocheckin/internal/directory"
	"expocheckin/internal/events"
	"expocheckin/internal/metrics"
	"expocheckin/internal/telemetry"
)

const maxUserAgent = 65535

// ErrNotFound is returned when no ledger row matches.
var ErrNotFound = errors.New("check-in not found")

// Record is a ledger row.
type Record struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	EntityType string    `json:"entity_type"`
	EntityID   int64     `json:"entity_id"`
	EventID    string    `json:"event_id"`
	Source     string    `json:"source"`
	ClientIP   string    `json:"client_ip,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// RecordInput describes a check-in attempt.
type RecordInput struct {
	UserID    int64
	Type      string
	EntityID  int64
	EventID   string
	Source    string
	ClientIP  string
	UserAgent string
}

// Points weights each item type for aggregation.
type Points struct {
	Exhibitor int `json:"exhibitor"`
	Session   int `json:"session"`
	Panel     int `json:"panel"`
	Speaker   int `json:"speaker"`
}

// Standing is one user's aggregated score.
type Standing struct {
	UserID      int64     `json:"user_id"`
	Points      int       `json:"points"`
	LastCheckin time.Time `json:"last_checkin"`
}

// UserFilter narrows a user's check-in history.
type UserFilter struct {
	UserID  int64
	Type    string
	EventID string
	From    time.Time
	To      time.Time
	Limit   int
	Offset  int
}

// EntityCount is the number of check-ins for one item.
type EntityCount struct {
	EntityType string `json:"entity_type"`
	EntityID   int64  `json:"entity_id"`
	Count      int    `json:"count"`
}

// Ledger is the check-in service.
type Ledger struct {
	repo   *Repository
	events events.Publisher
	clock  clock.Clock
}

// NewLedger creates a ledger. pub may be nil when nothing listens.
func NewLedger(repo *Repository, pub events.Publisher, c clock.Clock) *Ledger {
	if c == nil {
		c = clock.Real()
	}
	return &Ledger{repo: repo, events: pub, clock: c}
}

// Record stores a check-in. It returns false without error when the same
// user already checked in to the item for the event.
func (l *Ledger) Record(ctx context.Context, in RecordInput) (bool, error) {
	ctx, span := telemetry.Tracer("checkin").Start(ctx, "checkin.Record")
	defer span.End()
	span.SetAttributes(
		attribute.String("checkin.type", in.Type),
		attribute.Int64("checkin.entity_id", in.EntityID),
		attribute.String("checkin.event_id", in.EventID),
	)

	if in.UserID <= 0 || in.EntityID <= 0 || in.EventID == "" {
		return false, errors.New("user, item and event required")
	}
	if _, ok := directory.ParseEntityType(in.Type); !ok {
		return false, fmt.Errorf("unknown item type %q", in.Type)
	}
	if in.Source == "" {
		in.Source = "qr"
	}
	if len(in.UserAgent) > maxUserAgent {
		in.UserAgent = in.UserAgent[:maxUserAgent]
	}

	rec := Record{
		UserID:     in.UserID,
		EntityType: in.Type,
		EntityID:   in.EntityID,
		EventID:    in.EventID,
		Source:     in.Source,
		ClientIP:   in.ClientIP,
		UserAgent:  in.UserAgent,
		CreatedAt:  l.clock.Now(),
	}
	_, created, err := l.repo.Insert(ctx, rec)
	if err != nil {
		metrics.Checkins.WithLabelValues(in.Type, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return false, fmt.Errorf("record check-in: %w", err)
	}
	if !created {
		metrics.Checkins.WithLabelValues(in.Type, "duplicate").Inc()
		return false, nil
	}
	metrics.Checkins.WithLabelValues(in.Type, "recorded").Inc()
	l.publish(ctx, events.Event{
		Kind:       events.CheckinRecorded,
		UserID:     in.UserID,
		EntityType: in.Type,
		EntityID:   in.EntityID,
		EventID:    in.EventID,
	})
	return true, nil
}

// Delete removes ledger rows and returns how many existed.
func (l *Ledger) Delete(ctx context.Context, ids []int64) (int, error) {
	ctx, span := telemetry.Tracer("checkin").Start(ctx, "checkin.Delete")
	defer span.End()

	deleted, err := l.repo.DeleteByIDs(ctx, ids)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("delete check-ins: %w", err)
	}
	if len(deleted) > 0 {
		l.publish(ctx, events.Event{Kind: events.CheckinDeleted, IDs: deleted})
	}
	return len(deleted), nil
}

// Find returns the row for a user, item and event.
func (l *Ledger) Find(ctx context.Context, userID int64, entityType string, entityID int64, eventID string) (Record, error) {
	return l.repo.Find(ctx, userID, entityType, entityID, eventID)
}

// Standings aggregates weighted points per user for eventID, or all events
// when eventID is empty. Users with zero points are omitted. Ties go to the
// user whose last check-in came first.
func (l *Ledger) Standings(ctx context.Context, points Points, eventID string) ([]Standing, error) {
	ctx, span := telemetry.Tracer("checkin").Start(ctx, "checkin.Standings")
	defer span.End()
	return l.repo.Standings(ctx, points, eventID)
}

// ListForUser returns a page of the user's check-ins and the total count.
func (l *Ledger) ListForUser(ctx context.Context, f UserFilter) ([]Record, int, error) {
	if f.UserID <= 0 {
		return nil, 0, errors.New("user required")
	}
	return l.repo.ListForUser(ctx, f)
}

// TodayCounts returns the number of check-ins for eventID on the calendar
// day containing day, plus the five busiest items.
func (l *Ledger) TodayCounts(ctx context.Context, eventID string, day time.Time) (int, []EntityCount, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	return l.repo.CountsBetween(ctx, eventID, start, start.AddDate(0, 0, 1), 5)
}

func (l *Ledger) publish(ctx context.Context, evt events.Event) {
	if l.events != nil {
		l.events.Publish(ctx, evt)
	}
}
