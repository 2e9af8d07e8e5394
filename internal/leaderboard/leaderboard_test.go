package leaderboard

import (
	"context"
	"testing"
	"time"

	"expocheckin/internal/checkin"
	"expocheckin/internal/directory"
	"expocheckin/internal/events"
	"expocheckin/internal/store"
	"expocheckin/internal/store/storetest"
)

type fakeLedger struct {
	calls     int
	standings func(points checkin.Points, eventID string) []checkin.Standing
}

func (f *fakeLedger) Standings(_ context.Context, points checkin.Points, eventID string) ([]checkin.Standing, error) {
	f.calls++
	return f.standings(points, eventID), nil
}

type fakeUsers map[int64]directory.User

func (f fakeUsers) Users(_ context.Context, ids []int64) (map[int64]directory.User, error) {
	out := map[int64]directory.User{}
	for _, id := range ids {
		if u, ok := f[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestFormatName(t *testing.T) {
	cases := []struct {
		user   directory.User
		format string
		want   string
	}{
		{directory.User{Login: "ana1", FirstName: "Ana", LastName: "lopez"}, FirstLastInitial, "Ana L."},
		{directory.User{Login: "ana1", FirstName: "Ana"}, FirstLastInitial, "Ana"},
		{directory.User{Login: "ana1", LastName: "Órtiz"}, FirstLastInitial, "Ó."},
		{directory.User{Login: "ana1"}, FirstLastInitial, "ana1"},
		{directory.User{Login: "ana1", DisplayName: "Ana L"}, DisplayOrUsername, "Ana L"},
		{directory.User{Login: "ana1"}, DisplayOrUsername, "ana1"},
	}
	for _, tt := range cases {
		if got := FormatName(tt.user, tt.format); got != tt.want {
			t.Fatalf("FormatName(%+v, %s) = %q, want %q", tt.user, tt.format, got, tt.want)
		}
	}
}

func TestComputeFiltersAndRanks(t *testing.T) {
	ledger := &fakeLedger{standings: func(checkin.Points, string) []checkin.Standing {
		return []checkin.Standing{
			{UserID: 1, Points: 5, LastCheckin: base},
			{UserID: 2, Points: 3, LastCheckin: base.Add(time.Minute)},
			{UserID: 3, Points: 3, LastCheckin: base},
			{UserID: 4, Points: 2, LastCheckin: base},
			{UserID: 5, Points: 1, LastCheckin: base},
			{UserID: 6, Points: 1, LastCheckin: base},
		}
	}}
	users := fakeUsers{
		1: {ID: 1, Login: "staffer", Role: "staff"},
		2: {ID: 2, Login: "bea", FirstName: "Bea", LastName: "Kim", Role: "attendee"},
		3: {ID: 3, Login: "cal", FirstName: "Cal", LastName: "Ng", Role: "attendee"},
		4: {ID: 4, Login: "dee", Role: "attendee", OptOut: true},
		5: {ID: 5, Login: "eve", Role: "attendee"},
	}
	a := New(ledger, users, store.NewMemoryCache(nil), Settings{ExcludeRoles: []string{"staff"}, RespectOptOut: true}, "2025")

	res, err := a.Compute(context.Background(), Query{})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if res.Scope != ScopeEvent || res.EventID != "2025" || res.Total != 3 {
		t.Fatalf("result = %+v", res)
	}
	want := []struct {
		id   int64
		name string
	}{{3, "Cal N."}, {2, "Bea K."}, {5, "eve"}}
	for i, w := range want {
		e := res.Entries[i]
		if e.UserID != w.id || e.Name != w.name || e.Rank != i+1 {
			t.Fatalf("entry %d = %+v, want user %d %q", i, e, w.id, w.name)
		}
	}

	page, err := a.Compute(context.Background(), Query{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("Compute page: %v", err)
	}
	if page.Total != 3 || len(page.Entries) != 1 || page.Entries[0].Rank != 2 {
		t.Fatalf("page = %+v", page)
	}

	found, err := a.Compute(context.Background(), Query{Search: "bea"})
	if err != nil {
		t.Fatalf("Compute search: %v", err)
	}
	if found.Total != 1 || found.Entries[0].UserID != 2 || found.Entries[0].Rank != 1 {
		t.Fatalf("search = %+v", found)
	}
}

func TestComputeCachesUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	var eventSeen string
	ledger := &fakeLedger{standings: func(_ checkin.Points, eventID string) []checkin.Standing {
		eventSeen = eventID
		return []checkin.Standing{{UserID: 1, Points: 1, LastCheckin: base}}
	}}
	bus := events.NewBus()
	a := New(ledger, fakeUsers{1: {ID: 1, Login: "u"}}, store.NewMemoryCache(nil), Settings{}, "2025")
	a.Subscribe(bus)

	for i := 0; i < 2; i++ {
		if _, err := a.Compute(ctx, Query{}); err != nil {
			t.Fatalf("Compute: %v", err)
		}
	}
	if ledger.calls != 1 {
		t.Fatalf("ledger calls = %d, want 1 (cached)", ledger.calls)
	}

	bus.Publish(ctx, events.Event{Kind: events.CheckinRecorded, UserID: 1})
	if _, err := a.Compute(ctx, Query{}); err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if ledger.calls != 2 {
		t.Fatalf("ledger calls after recorded event = %d, want 2", ledger.calls)
	}

	bus.Publish(ctx, events.Event{Kind: events.CheckinDeleted, IDs: []int64{1}})
	if _, err := a.Compute(ctx, Query{Scope: ScopeAll}); err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if ledger.calls != 3 || eventSeen != "" {
		t.Fatalf("all-scope call = %d, event %q", ledger.calls, eventSeen)
	}
	if _, err := a.Compute(ctx, Query{EventID: "2024"}); err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if ledger.calls != 4 || eventSeen != "2024" {
		t.Fatalf("other event call = %d, event %q", ledger.calls, eventSeen)
	}
}

func TestComputeAgainstLedger(t *testing.T) {
	ctx := context.Background()
	db := storetest.Open(t)
	dir := directory.New(db.Client, "https://expo.example")
	ledger := checkin.NewLedger(checkin.NewRepository(db.Client), nil, nil)

	u1, err := dir.CreateUser(ctx, directory.NewUser{Login: "u1", FirstName: "Uno"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	u2, err := dir.CreateUser(ctx, directory.NewUser{Login: "u2", FirstName: "Dos"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	for _, in := range []checkin.RecordInput{
		{UserID: u1.ID, Type: "exhibitor", EntityID: 1, EventID: "2025"},
		{UserID: u1.ID, Type: "session", EntityID: 2, EventID: "2025"},
		{UserID: u1.ID, Type: "panel", EntityID: 3, EventID: "2025"},
		{UserID: u2.ID, Type: "exhibitor", EntityID: 1, EventID: "2025"},
	} {
		if _, err := ledger.Record(ctx, in); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	a := New(ledger, dir, store.NewMemoryCache(nil), Settings{Points: checkin.Points{Exhibitor: 1, Session: 1, Panel: 1, Speaker: 1}}, "2025")
	res, err := a.Compute(ctx, Query{})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if res.Total != 2 || res.Entries[0].Name != "Uno" || res.Entries[0].Points != 3 || res.Entries[1].Points != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestWarmFillsCache(t *testing.T) {
	var scopes []string
	ledger := &fakeLedger{standings: func(_ checkin.Points, eventID string) []checkin.Standing {
		scopes = append(scopes, eventID)
		return []checkin.Standing{{UserID: 1, Points: 2, LastCheckin: base}}
	}}
	a := New(ledger, fakeUsers{1: {ID: 1, Login: "ana"}}, store.NewMemoryCache(nil), Settings{}, "2025")
	ctx := context.Background()

	if err := a.Warm(ctx, ""); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if len(scopes) != 2 || scopes[0] != "2025" || scopes[1] != "" {
		t.Fatalf("warmed scopes = %q", scopes)
	}
	if _, err := a.Compute(ctx, Query{}); err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if _, err := a.Compute(ctx, Query{Scope: ScopeAll}); err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if ledger.calls != 2 {
		t.Fatalf("ledger calls = %d after warm, want 2", ledger.calls)
	}
}
