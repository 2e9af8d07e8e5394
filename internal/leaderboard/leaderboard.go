// Package leaderboard ranks attendees by weighted check-in points.
package leaderboard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"expocheckin/internal/checkin"
	"expocheckin/internal/directory"
	"expocheckin/internal/events"
	"expocheckin/internal/metrics"
	"expocheckin/internal/store"
)

const cachePrefix = "leaderboard:"

// Name formats.
const (
	FirstLastInitial  = "first_last_initial"
	DisplayOrUsername = "display_or_username"
)

// Scopes.
const (
	ScopeEvent = "event"
	ScopeAll   = "all"
)

// Settings control scoring and presentation.
type Settings struct {
	Points        checkin.Points
	DefaultScope  string
	ExcludeRoles  []string
	RespectOptOut bool
	NameFormat    string
	CacheTTL      time.Duration
}

// Ledger aggregates check-ins.
type Ledger interface {
	Standings(ctx context.Context, points checkin.Points, eventID string) ([]checkin.Standing, error)
}

// Users resolves accounts.
type Users interface {
	Users(ctx context.Context, ids []int64) (map[int64]directory.User, error)
}

// Query selects a leaderboard view.
type Query struct {
	// Scope is event or all; empty uses the default scope.
	Scope string
	// EventID defaults to the current event.
	EventID string
	Search  string
	Limit   int
	Offset  int
}

// Entry is one ranked attendee.
type Entry struct {
	Rank        int       `json:"rank"`
	UserID      int64     `json:"user_id"`
	Name        string    `json:"name"`
	Points      int       `json:"points"`
	LastCheckin time.Time `json:"last_checkin"`
}

// Result is a page of the leaderboard.
type Result struct {
	Scope   string  `json:"scope"`
	EventID string  `json:"event_id,omitempty"`
	Total   int     `json:"total"`
	Entries []Entry `json:"entries"`
}

// Aggregator computes leaderboards with a short-lived cache of the raw
// standings. Filtering by role, opt-out and search runs on every call.
type Aggregator struct {
	ledger       Ledger
	users        Users
	cache        store.Cache
	settings     Settings
	currentEvent string
}

// New creates an aggregator for currentEvent.
func New(ledger Ledger, users Users, cache store.Cache, s Settings, currentEvent string) *Aggregator {
	if s.DefaultScope != ScopeAll {
		s.DefaultScope = ScopeEvent
	}
	if s.NameFormat != DisplayOrUsername {
		s.NameFormat = FirstLastInitial
	}
	if s.CacheTTL <= 0 {
		s.CacheTTL = 5 * time.Minute
	}
	return &Aggregator{ledger: ledger, users: users, cache: cache, settings: s, currentEvent: currentEvent}
}

// Compute returns the ranked leaderboard for q.
func (a *Aggregator) Compute(ctx context.Context, q Query) (Result, error) {
	scope := q.Scope
	if scope != ScopeEvent && scope != ScopeAll {
		scope = a.settings.DefaultScope
	}
	eventID := ""
	if scope == ScopeEvent {
		eventID = q.EventID
		if eventID == "" {
			eventID = a.currentEvent
		}
	}

	standings, err := a.standings(ctx, scope, eventID)
	if err != nil {
		return Result{}, err
	}

	ids := make([]int64, len(standings))
	for i, s := range standings {
		ids[i] = s.UserID
	}
	users, err := a.users.Users(ctx, ids)
	if err != nil {
		return Result{}, fmt.Errorf("load users: %w", err)
	}

	search := strings.ToLower(strings.TrimSpace(q.Search))
	var ranked []Entry
	for _, s := range standings {
		u, ok := users[s.UserID]
		if !ok || a.excluded(u) {
			continue
		}
		name := FormatName(u, a.settings.NameFormat)
		if search != "" && !strings.Contains(strings.ToLower(name), search) {
			continue
		}
		ranked = append(ranked, Entry{UserID: s.UserID, Name: name, Points: s.Points, LastCheckin: s.LastCheckin})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Points != ranked[j].Points {
			return ranked[i].Points > ranked[j].Points
		}
		return ranked[i].LastCheckin.Before(ranked[j].LastCheckin)
	})
	for i := range ranked {
		ranked[i].Rank = i + 1
	}

	res := Result{Scope: scope, EventID: eventID, Total: len(ranked)}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	if offset < len(ranked) {
		end := len(ranked)
		if q.Limit > 0 && offset+q.Limit < end {
			end = offset + q.Limit
		}
		res.Entries = ranked[offset:end]
	}
	if res.Entries == nil {
		res.Entries = []Entry{}
	}
	return res, nil
}

func (a *Aggregator) standings(ctx context.Context, scope, eventID string) ([]checkin.Standing, error) {
	key := a.cacheKey(scope, eventID)
	if raw, ok, err := a.cache.Get(ctx, key); err != nil {
		log.Printf("leaderboard: cache read failed: %v", err)
	} else if ok {
		var cached []checkin.Standing
		if err := json.Unmarshal(raw, &cached); err == nil {
			metrics.LeaderboardCache.WithLabelValues("hit").Inc()
			return cached, nil
		}
	}
	metrics.LeaderboardCache.WithLabelValues("miss").Inc()

	standings, err := a.ledger.Standings(ctx, a.settings.Points, eventID)
	if err != nil {
		return nil, fmt.Errorf("aggregate standings: %w", err)
	}
	if raw, err := json.Marshal(standings); err == nil {
		if err := a.cache.Set(ctx, key, raw, a.settings.CacheTTL); err != nil {
			log.Printf("leaderboard: cache write failed: %v", err)
		}
	}
	return standings, nil
}

func (a *Aggregator) cacheKey(scope, eventID string) string {
	p := a.settings.Points
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%d|%d|%d", scope, eventID, p.Exhibitor, p.Session, p.Panel, p.Speaker)))
	return cachePrefix + hex.EncodeToString(sum[:8])
}

func (a *Aggregator) excluded(u directory.User) bool {
	if a.settings.RespectOptOut && u.OptOut {
		return true
	}
	for _, r := range a.settings.ExcludeRoles {
		if r == u.Role {
			return true
		}
	}
	return false
}

// Invalidate drops every cached leaderboard. It is registered on the
// ledger's recorded and deleted events.
func (a *Aggregator) Invalidate(ctx context.Context, _ events.Event) error {
	return a.Bust(ctx)
}

// Bust drops every cached leaderboard.
func (a *Aggregator) Bust(ctx context.Context) error {
	return a.cache.DeletePrefix(ctx, cachePrefix)
}

// Warm loads the standings for an event and the all-time scope into the
// cache. An empty eventID warms the current event.
func (a *Aggregator) Warm(ctx context.Context, eventID string) error {
	if eventID == "" {
		eventID = a.currentEvent
	}
	if _, err := a.standings(ctx, ScopeEvent, eventID); err != nil {
		return err
	}
	_, err := a.standings(ctx, ScopeAll, "")
	return err
}

// Refresh warms the scopes touched by a ledger event. Deletions carry no
// event id, so they warm the current event.
func (a *Aggregator) Refresh(ctx context.Context, evt events.Event) error {
	return a.Warm(ctx, evt.EventID)
}

// Subscribe registers Invalidate on bus.
func (a *Aggregator) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.CheckinRecorded, a.Invalidate)
	bus.Subscribe(events.CheckinDeleted, a.Invalidate)
}

// FormatName renders a user for public display.
func FormatName(u directory.User, format string) string {
	if format == DisplayOrUsername {
		if u.DisplayName != "" {
			return u.DisplayName
		}
		return u.Login
	}
	if u.FirstName != "" || u.LastName != "" {
		initial := ""
		if r, _ := utf8.DecodeRuneInString(u.LastName); r != utf8.RuneError {
			initial = strings.ToUpper(string(r)) + "."
		}
		return strings.TrimSpace(u.FirstName + " " + initial)
	}
	return u.Login
}
