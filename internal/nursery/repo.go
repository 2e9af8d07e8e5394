package nursery

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"expocheckin/internal/store"
)

// Repository persists custody records and their audit trail.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const custodyColumns = `id, child_id, family_id, service_id, status, child_token_hash, pickup_token_hash,
	expires_at, checkin_at, checkout_at, checkin_staff, checkout_staff, label_printed_at, created_at, updated_at`

func scanCustody(row interface{ Scan(...any) error }) (Custody, error) {
	var c Custody
	var expires, created, updated int64
	var checkinAt, checkoutAt, printedAt, checkinStaff, checkoutStaff sql.NullInt64
	err := row.Scan(&c.ID, &c.ChildID, &c.FamilyID, &c.ServiceID, &c.Status, &c.ChildTokenHash, &c.PickupTokenHash,
		&expires, &checkinAt, &checkoutAt, &checkinStaff, &checkoutStaff, &printedAt, &created, &updated)
	if err != nil {
		return Custody{}, err
	}
	c.ChildTokenHash = strings.TrimSpace(c.ChildTokenHash)
	c.PickupTokenHash = strings.TrimSpace(c.PickupTokenHash)
	c.ExpiresAt = store.FromMillis(expires)
	c.CheckinAt = store.NullMillis(checkinAt)
	c.CheckoutAt = store.NullMillis(checkoutAt)
	c.LabelPrintedAt = store.NullMillis(printedAt)
	c.CheckinStaff = nullID(checkinStaff)
	c.CheckoutStaff = nullID(checkoutStaff)
	c.CreatedAt = store.FromMillis(created)
	c.UpdatedAt = store.FromMillis(updated)
	return c, nil
}

func nullID(v sql.NullInt64) *int64 {
	if !v.Valid || v.Int64 == 0 {
		return nil
	}
	id := v.Int64
	return &id
}

func idArg(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id > 0}
}

// Expire moves checked-in rows past their expiry to expired.
func (r *Repository) Expire(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE nursery_checkins SET status = 'expired', updated_at = $1
		WHERE status = 'checked_in' AND expires_at < $1
	`, store.ToMillis(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Get returns a custody record by id.
func (r *Repository) Get(ctx context.Context, id int64) (Custody, error) {
	c, err := scanCustody(r.db.QueryRowContext(ctx, `SELECT `+custodyColumns+` FROM nursery_checkins WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Custody{}, ErrNotFound
	}
	return c, err
}

// FindByChildService returns the record for a child in a service.
func (r *Repository) FindByChildService(ctx context.Context, childID, serviceID int64) (Custody, error) {
	c, err := scanCustody(r.db.QueryRowContext(ctx, `
		SELECT `+custodyColumns+` FROM nursery_checkins
		WHERE child_id = $1 AND service_id = $2
		ORDER BY id DESC LIMIT 1
	`, childID, serviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return Custody{}, ErrNotFound
	}
	return c, err
}

// FindActiveByPickupHash returns the checked-in record holding a pickup hash.
func (r *Repository) FindActiveByPickupHash(ctx context.Context, hash string) (Custody, error) {
	c, err := scanCustody(r.db.QueryRowContext(ctx, `
		SELECT `+custodyColumns+` FROM nursery_checkins
		WHERE pickup_token_hash = $1 AND status = 'checked_in'
	`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return Custody{}, ErrNotFound
	}
	return c, err
}

// UpsertCheckedIn creates or reuses the (child, service) row in the
// checked_in state. A row that is already checked in is left untouched and
// ok is false.
func (r *Repository) UpsertCheckedIn(ctx context.Context, c Custody) (int64, bool, error) {
	now := store.ToMillis(c.UpdatedAt)
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO nursery_checkins (child_id, family_id, service_id, status, child_token_hash, pickup_token_hash,
			expires_at, checkin_at, checkin_staff, created_at, updated_at)
		VALUES ($1, $2, $3, 'checked_in', $4, $5, $6, $7, $8, $7, $7)
		ON CONFLICT (child_id, service_id) DO UPDATE SET
			family_id = EXCLUDED.family_id,
			status = 'checked_in',
			child_token_hash = EXCLUDED.child_token_hash,
			pickup_token_hash = EXCLUDED.pickup_token_hash,
			expires_at = EXCLUDED.expires_at,
			checkin_at = EXCLUDED.checkin_at,
			checkin_staff = EXCLUDED.checkin_staff,
			checkout_at = NULL,
			checkout_staff = NULL,
			label_printed_at = NULL,
			updated_at = EXCLUDED.updated_at
		WHERE nursery_checkins.status <> 'checked_in'
		RETURNING id
	`, c.ChildID, c.FamilyID, c.ServiceID, c.ChildTokenHash, c.PickupTokenHash,
		store.ToMillis(c.ExpiresAt), now, idArg(derefID(c.CheckinStaff))).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// MarkCheckedOut flips a checked-in row to checked_out. It reports false
// when the row was not checked in.
func (r *Repository) MarkCheckedOut(ctx context.Context, id, staffID int64, now time.Time) (bool, error) {
	ms := store.ToMillis(now)
	res, err := r.db.ExecContext(ctx, `
		UPDATE nursery_checkins
		SET status = 'checked_out', checkout_at = $2, checkout_staff = $3, updated_at = $2
		WHERE id = $1 AND status = 'checked_in'
	`, id, ms, idArg(staffID))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReplaceTokens overwrites the hashes of a checked-in row.
func (r *Repository) ReplaceTokens(ctx context.Context, id int64, childHash, pickupHash string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE nursery_checkins
		SET child_token_hash = $2, pickup_token_hash = $3, updated_at = $4
		WHERE id = $1 AND status = 'checked_in'
	`, id, childHash, pickupHash, store.ToMillis(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ListForService returns every record of a service.
func (r *Repository) ListForService(ctx context.Context, serviceID int64) ([]Custody, error) {
	return r.list(ctx, `SELECT `+custodyColumns+` FROM nursery_checkins WHERE service_id = $1 ORDER BY id`, serviceID)
}

// ListActive returns checked-in records matching the filter.
func (r *Repository) ListActive(ctx context.Context, f PrintFilter) ([]Custody, error) {
	query := `SELECT ` + custodyColumns + ` FROM nursery_checkins WHERE service_id = $1 AND status = 'checked_in'`
	args := []any{f.ServiceID}
	if f.FamilyID > 0 {
		query += ` AND family_id = $` + strconv.Itoa(len(args)+1)
		args = append(args, f.FamilyID)
	}
	if f.CustodyID > 0 {
		query += ` AND id = $` + strconv.Itoa(len(args)+1)
		args = append(args, f.CustodyID)
	}
	return r.list(ctx, query+` ORDER BY id`, args...)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]Custody, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Custody
	for rows.Next() {
		c, err := scanCustody(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkPrinted stamps label_printed_at on the given rows.
func (r *Repository) MarkPrinted(ctx context.Context, ids []int64, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	marks := make([]string, len(ids))
	args := []any{store.ToMillis(now)}
	for i, id := range ids {
		marks[i] = "$" + strconv.Itoa(i+2)
		args = append(args, id)
	}
	_, err := r.db.ExecContext(ctx, `UPDATE nursery_checkins SET label_printed_at = $1 WHERE id IN (`+strings.Join(marks, ", ")+`)`, args...)
	return err
}

// InsertAudit appends an audit entry.
func (r *Repository) InsertAudit(ctx context.Context, e AuditEntry) error {
	var actor int64
	if e.ActorID != nil {
		actor = *e.ActorID
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO nursery_audit (checkin_id, actor_id, action, note, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, e.CheckinID, idArg(actor), e.Action, e.Note, store.ToMillis(e.CreatedAt))
	return err
}

// ListAudit returns a record's audit trail, oldest first.
func (r *Repository) ListAudit(ctx context.Context, checkinID int64) ([]AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, checkin_id, actor_id, action, note, created_at
		FROM nursery_audit WHERE checkin_id = $1 ORDER BY id
	`, checkinID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var actor sql.NullInt64
		var created int64
		if err := rows.Scan(&e.ID, &e.CheckinID, &actor, &e.Action, &e.Note, &created); err != nil {
			return nil, err
		}
		e.ActorID = nullID(actor)
		e.CreatedAt = store.FromMillis(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func derefID(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
