package checkin

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"expocheckin/internal/store"
)

// Repository persists ledger rows. The same SQL runs on Postgres and SQLite.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Insert writes rec unless a row for the same user, item and event exists.
// It reports whether a row was created.
func (r *Repository) Insert(ctx context.Context, rec Record) (int64, bool, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO checkins (user_id, entity_type, entity_id, event_id, source, client_ip, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, entity_type, entity_id, event_id) DO NOTHING
		RETURNING id
	`, rec.UserID, rec.EntityType, rec.EntityID, rec.EventID, rec.Source, rec.ClientIP, rec.UserAgent, store.ToMillis(rec.CreatedAt)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// DeleteByIDs removes rows and returns the ids that existed.
func (r *Repository) DeleteByIDs(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	in, args := inClause(ids, 1)
	rows, err := r.db.QueryContext(ctx, `DELETE FROM checkins WHERE id IN (`+in+`) RETURNING id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deleted []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		deleted = append(deleted, id)
	}
	return deleted, rows.Err()
}

// Find returns the row for a user, item and event.
func (r *Repository) Find(ctx context.Context, userID int64, entityType string, entityID int64, eventID string) (Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM checkins
		WHERE user_id = $1 AND entity_type = $2 AND entity_id = $3 AND event_id = $4
	`, userID, entityType, entityID, eventID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// Standings sums weighted points per user. An empty eventID spans all events.
func (r *Repository) Standings(ctx context.Context, points Points, eventID string) ([]Standing, error) {
	weighted := `CASE entity_type
			WHEN 'exhibitor' THEN CAST($1 AS INTEGER)
			WHEN 'session' THEN CAST($2 AS INTEGER)
			WHEN 'panel' THEN CAST($3 AS INTEGER)
			WHEN 'speaker' THEN CAST($4 AS INTEGER)
			ELSE 0 END`
	args := []any{points.Exhibitor, points.Session, points.Panel, points.Speaker}
	query := `SELECT user_id, SUM(` + weighted + `) AS points, MAX(created_at) AS last_at FROM checkins`
	if eventID != "" {
		query += ` WHERE event_id = $5`
		args = append(args, eventID)
	}
	query += ` GROUP BY user_id HAVING SUM(` + weighted + `) > 0 ORDER BY points DESC, last_at ASC, user_id ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Standing
	for rows.Next() {
		var s Standing
		var last int64
		if err := rows.Scan(&s.UserID, &s.Points, &last); err != nil {
			return nil, err
		}
		s.LastCheckin = store.FromMillis(last)
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListForUser returns a user's rows newest first plus the unpaged total.
func (r *Repository) ListForUser(ctx context.Context, f UserFilter) ([]Record, int, error) {
	clauses := []string{"user_id = $1"}
	args := []any{f.UserID}
	if f.Type != "" {
		clauses = append(clauses, "entity_type = $"+strconv.Itoa(len(args)+1))
		args = append(args, f.Type)
	}
	if f.EventID != "" {
		clauses = append(clauses, "event_id = $"+strconv.Itoa(len(args)+1))
		args = append(args, f.EventID)
	}
	if !f.From.IsZero() {
		clauses = append(clauses, "created_at >= $"+strconv.Itoa(len(args)+1))
		args = append(args, store.ToMillis(f.From))
	}
	if !f.To.IsZero() {
		clauses = append(clauses, "created_at < $"+strconv.Itoa(len(args)+1))
		args = append(args, store.ToMillis(f.To))
	}
	where := " WHERE " + strings.Join(clauses, " AND ")

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkins`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit, offset := f.Limit, f.Offset
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + recordColumns + ` FROM checkins` + where +
		` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1) + ` OFFSET $` + strconv.Itoa(len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, rec)
	}
	return res, total, rows.Err()
}

// CountsBetween returns the total for an event in [from, to) and the busiest items.
func (r *Repository) CountsBetween(ctx context.Context, eventID string, from, to time.Time, top int) (int, []EntityCount, error) {
	var total int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM checkins WHERE event_id = $1 AND created_at >= $2 AND created_at < $3
	`, eventID, store.ToMillis(from), store.ToMillis(to)).Scan(&total)
	if err != nil {
		return 0, nil, err
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT entity_type, entity_id, COUNT(*) AS cnt FROM checkins
		WHERE event_id = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY entity_type, entity_id
		ORDER BY cnt DESC, entity_type ASC, entity_id ASC
		LIMIT $4
	`, eventID, store.ToMillis(from), store.ToMillis(to), top)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()
	var items []EntityCount
	for rows.Next() {
		var c EntityCount
		if err := rows.Scan(&c.EntityType, &c.EntityID, &c.Count); err != nil {
			return 0, nil, err
		}
		items = append(items, c)
	}
	return total, items, rows.Err()
}

const recordColumns = `id, user_id, entity_type, entity_id, event_id, source, client_ip, user_agent, created_at`

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var rec Record
	var ip, ua sql.NullString
	var created int64
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.EntityType, &rec.EntityID, &rec.EventID, &rec.Source, &ip, &ua, &created); err != nil {
		return Record{}, err
	}
	rec.ClientIP = ip.String
	rec.UserAgent = ua.String
	rec.CreatedAt = store.FromMillis(created)
	return rec, nil
}

func inClause(ids []int64, start int) (string, []any) {
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "$" + strconv.Itoa(start+i)
		args[i] = id
	}
	return strings.Join(marks, ", "), args
}
