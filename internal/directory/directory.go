// Package directory resolves the content items, people and nursery records
// the check-in flows refer to.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"expocheckin/internal/store"
)

var (
	// ErrNotFound is returned when a looked-up record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrBadCredentials is returned by Authenticate on unknown login or wrong password.
	ErrBadCredentials = errors.New("invalid login or password")
)

// EntityType is the kind of content item a visitor can check in to.
type EntityType string

const (
	Exhibitor EntityType = "exhibitor"
	Session   EntityType = "session"
	Panel     EntityType = "panel"
	Speaker   EntityType = "speaker"
)

// EntityTypes lists every supported type in display order.
var EntityTypes = []EntityType{Exhibitor, Session, Panel, Speaker}

// ParseEntityType validates s as an entity type.
func ParseEntityType(s string) (EntityType, bool) {
	for _, t := range EntityTypes {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// Entity is a content item.
type Entity struct {
	ID    int64      `json:"id"`
	Type  EntityType `json:"type"`
	Title string     `json:"title"`
	Slug  string     `json:"slug"`
}

// User is an account in the identity directory.
type User struct {
	ID          int64  `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Role        string `json:"role"`
	OptOut      bool   `json:"leaderboard_optout"`
}

// IsStaff reports whether the user may run staff operations.
func (u User) IsStaff() bool {
	return u.Role == "staff" || u.Role == "admin"
}

// Child is a nursery child.
type Child struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	FamilyID  *int64 `json:"family_id,omitempty"`
	Allergies string `json:"allergies"`
	Notes     string `json:"notes"`
}

// Family groups children under a guardian contact.
type Family struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Contact string `json:"contact"`
}

// Service is a nursery service window.
type Service struct {
	ID       int64      `json:"id"`
	Title    string     `json:"title"`
	Label    string     `json:"label"`
	StartsAt *time.Time `json:"starts_at,omitempty"`
	EndsAt   *time.Time `json:"ends_at,omitempty"`
}

// DisplayLabel returns the label printed on nursery badges.
func (s Service) DisplayLabel() string {
	if s.Label != "" {
		return s.Label
	}
	return s.Title
}

// TimeRange formats the service window for labels in loc. A nil loc means UTC.
func (s Service) TimeRange(loc *time.Location) string {
	const layout = "3:04 PM"
	if loc == nil {
		loc = time.UTC
	}
	switch {
	case s.StartsAt != nil && s.EndsAt != nil:
		return s.StartsAt.In(loc).Format(layout) + " - " + s.EndsAt.In(loc).Format(layout)
	case s.StartsAt != nil:
		return s.StartsAt.In(loc).Format(layout)
	default:
		return "Time TBD"
	}
}

// Directory reads directory records from the shared store.
type Directory struct {
	db      *sql.DB
	baseURL string
}

// New creates a directory. baseURL prefixes item permalinks.
func New(db *sql.DB, baseURL string) *Directory {
	return &Directory{db: db, baseURL: strings.TrimRight(baseURL, "/")}
}

// Permalink returns the canonical location of an entity.
func (d *Directory) Permalink(e Entity) string {
	return d.baseURL + "/" + string(e.Type) + "s/" + e.Slug
}

// HomeURL is the default post-login destination.
func (d *Directory) HomeURL() string {
	return d.baseURL + "/"
}

// Entity returns the content item with id.
func (d *Directory) Entity(ctx context.Context, id int64) (Entity, error) {
	var e Entity
	err := d.db.QueryRowContext(ctx, `
		SELECT id, entity_type, title, slug FROM entities WHERE id = $1
	`, id).Scan(&e.ID, &e.Type, &e.Title, &e.Slug)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, ErrNotFound
	}
	return e, err
}

const userColumns = `id, login, display_name, first_name, last_name, role, leaderboard_optout`

func scanUser(row interface{ Scan(...any) error }, u *User) error {
	return row.Scan(&u.ID, &u.Login, &u.DisplayName, &u.FirstName, &u.LastName, &u.Role, &u.OptOut)
}

// User returns the account with id.
func (d *Directory) User(ctx context.Context, id int64) (User, error) {
	var u User
	err := scanUser(d.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id), &u)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

// Users returns the accounts with the given ids keyed by id. Unknown ids
// are absent from the map.
func (d *Directory) Users(ctx context.Context, ids []int64) (map[int64]User, error) {
	out := make(map[int64]User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "$" + strconv.Itoa(i+1)
		args[i] = id
	}
	rows, err := d.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE id IN (`+strings.Join(marks, ", ")+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var u User
		if err := scanUser(rows, &u); err != nil {
			return nil, err
		}
		out[u.ID] = u
	}
	return out, rows.Err()
}

// Authenticate checks a login/password pair.
func (d *Directory) Authenticate(ctx context.Context, login, password string) (User, error) {
	var u User
	var hash string
	err := d.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`, password_hash FROM users WHERE login = $1
	`, strings.TrimSpace(login)).Scan(&u.ID, &u.Login, &u.DisplayName, &u.FirstName, &u.LastName, &u.Role, &u.OptOut, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrBadCredentials
	}
	if err != nil {
		return User{}, err
	}
	if hash == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return User{}, ErrBadCredentials
	}
	return u, nil
}

// SetLeaderboardOptOut stores the user's public leaderboard preference.
func (d *Directory) SetLeaderboardOptOut(ctx context.Context, userID int64, optOut bool) error {
	res, err := d.db.ExecContext(ctx, `UPDATE users SET leaderboard_optout = $2 WHERE id = $1`, userID, optOut)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Child returns the nursery child with id.
func (d *Directory) Child(ctx context.Context, id int64) (Child, error) {
	var c Child
	var family sql.NullInt64
	err := d.db.QueryRowContext(ctx, `
		SELECT id, name, family_id, allergies, notes FROM nursery_children WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &family, &c.Allergies, &c.Notes)
	if errors.Is(err, sql.ErrNoRows) {
		return Child{}, ErrNotFound
	}
	if err != nil {
		return Child{}, err
	}
	if family.Valid && family.Int64 > 0 {
		c.FamilyID = &family.Int64
	}
	return c, nil
}

// Children returns every nursery child ordered by name.
func (d *Directory) Children(ctx context.Context) ([]Child, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, name, family_id, allergies, notes FROM nursery_children ORDER BY name, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Child
	for rows.Next() {
		var c Child
		var family sql.NullInt64
		if err := rows.Scan(&c.ID, &c.Name, &family, &c.Allergies, &c.Notes); err != nil {
			return nil, err
		}
		if family.Valid && family.Int64 > 0 {
			id := family.Int64
			c.FamilyID = &id
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Family returns the family with id.
func (d *Directory) Family(ctx context.Context, id int64) (Family, error) {
	var f Family
	err := d.db.QueryRowContext(ctx, `
		SELECT id, name, contact FROM nursery_families WHERE id = $1
	`, id).Scan(&f.ID, &f.Name, &f.Contact)
	if errors.Is(err, sql.ErrNoRows) {
		return Family{}, ErrNotFound
	}
	return f, err
}

// Service returns the nursery service with id.
func (d *Directory) Service(ctx context.Context, id int64) (Service, error) {
	var s Service
	var starts, ends sql.NullInt64
	err := d.db.QueryRowContext(ctx, `
		SELECT id, title, label, starts_at, ends_at FROM nursery_services WHERE id = $1
	`, id).Scan(&s.ID, &s.Title, &s.Label, &starts, &ends)
	if errors.Is(err, sql.ErrNoRows) {
		return Service{}, ErrNotFound
	}
	if err != nil {
		return Service{}, err
	}
	s.StartsAt = store.NullMillis(starts)
	s.EndsAt = store.NullMillis(ends)
	return s, nil
}

// NewUser describes an account to create.
type NewUser struct {
	Login       string
	Password    string
	DisplayName string
	FirstName   string
	LastName    string
	Role        string
}

// CreateUser inserts an account with a bcrypt password hash.
func (d *Directory) CreateUser(ctx context.Context, nu NewUser) (User, error) {
	if strings.TrimSpace(nu.Login) == "" {
		return User{}, errors.New("login required")
	}
	if nu.Role == "" {
		nu.Role = "attendee"
	}
	var hash []byte
	if nu.Password != "" {
		var err error
		hash, err = bcrypt.GenerateFromPassword([]byte(nu.Password), bcrypt.DefaultCost)
		if err != nil {
			return User{}, fmt.Errorf("hash password: %w", err)
		}
	}
	u := User{Login: strings.TrimSpace(nu.Login), DisplayName: nu.DisplayName, FirstName: nu.FirstName, LastName: nu.LastName, Role: nu.Role}
	err := d.db.QueryRowContext(ctx, `
		INSERT INTO users (login, display_name, first_name, last_name, role, password_hash)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, u.Login, u.DisplayName, u.FirstName, u.LastName, u.Role, string(hash)).Scan(&u.ID)
	return u, err
}

// CreateEntity inserts a content item.
func (d *Directory) CreateEntity(ctx context.Context, typ EntityType, title, slug string) (Entity, error) {
	e := Entity{Type: typ, Title: title, Slug: slug}
	err := d.db.QueryRowContext(ctx, `
		INSERT INTO entities (entity_type, title, slug) VALUES ($1, $2, $3) RETURNING id
	`, string(typ), title, slug).Scan(&e.ID)
	return e, err
}

// CreateFamily inserts a nursery family.
func (d *Directory) CreateFamily(ctx context.Context, name, contact string) (Family, error) {
	f := Family{Name: name, Contact: contact}
	err := d.db.QueryRowContext(ctx, `
		INSERT INTO nursery_families (name, contact) VALUES ($1, $2) RETURNING id
	`, name, contact).Scan(&f.ID)
	return f, err
}

// CreateChild inserts a nursery child; familyID may be nil for an unassigned child.
func (d *Directory) CreateChild(ctx context.Context, name string, familyID *int64, allergies string) (Child, error) {
	c := Child{Name: name, FamilyID: familyID, Allergies: allergies}
	var family sql.NullInt64
	if familyID != nil {
		family = sql.NullInt64{Int64: *familyID, Valid: true}
	}
	err := d.db.QueryRowContext(ctx, `
		INSERT INTO nursery_children (name, family_id, allergies) VALUES ($1, $2, $3) RETURNING id
	`, name, family, allergies).Scan(&c.ID)
	return c, err
}

// CreateService inserts a nursery service window.
func (d *Directory) CreateService(ctx context.Context, title, label string, startsAt, endsAt *time.Time) (Service, error) {
	s := Service{Title: title, Label: label, StartsAt: startsAt, EndsAt: endsAt}
	var starts, ends sql.NullInt64
	if startsAt != nil {
		starts = sql.NullInt64{Int64: store.ToMillis(*startsAt), Valid: true}
	}
	if endsAt != nil {
		ends = sql.NullInt64{Int64: store.ToMillis(*endsAt), Valid: true}
	}
	err := d.db.QueryRowContext(ctx, `
		INSERT INTO nursery_services (title, label, starts_at, ends_at) VALUES ($1, $2, $3, $4) RETURNING id
	`, title, label, starts, ends).Scan(&s.ID)
	return s, err
}
