package checkin

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"

	"expocheckin/internal/clock"
	"expocheckin/internal/store"
)

func openPostgres(t *testing.T) *store.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := store.NewDB("pgx", dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestPostgresConcurrentRecordIsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	db := openPostgres(t)
	ledger := NewLedger(NewRepository(db.Client), nil, clock.Fake(start))
	eventID := uuid.NewString()

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ledger.Record(ctx, RecordInput{UserID: 41, Type: "panel", EntityID: 9, EventID: eventID})
			if err != nil {
				t.Errorf("Record: %v", err)
				return
			}
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if created != 1 {
		t.Fatalf("created = %d, want 1", created)
	}

	standings, err := ledger.Standings(ctx, Points{Exhibitor: 1, Session: 1, Panel: 2, Speaker: 1}, eventID)
	if err != nil {
		t.Fatalf("Standings: %v", err)
	}
	if len(standings) != 1 || standings[0].Points != 2 {
		t.Fatalf("standings = %+v", standings)
	}

	rec, err := ledger.Find(ctx, 41, "panel", 9, eventID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if n, err := ledger.Delete(ctx, []int64{rec.ID}); err != nil || n != 1 {
		t.Fatalf("Delete = %d, %v", n, err)
	}
}
