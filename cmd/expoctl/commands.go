package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"expocheckin/internal/config"
	"expocheckin/internal/directory"
	"expocheckin/internal/qr"
	"expocheckin/internal/signature"
	"expocheckin/internal/store"
)

// serviceTimeLayout is accepted for --starts and --ends besides RFC 3339.
const serviceTimeLayout = "2006-01-02 15:04"

type cli struct {
	dir *directory.Directory
	cfg config.App
	out io.Writer
}

func newCLI(db *store.DB, cfg config.App, out io.Writer) *cli {
	return &cli{dir: directory.New(db.Client, cfg.BaseURL), cfg: cfg, out: out}
}

func (c *cli) dispatch(ctx context.Context, args []string) error {
	commands := map[string]func(context.Context, []string) error{
		"add-user":    c.addUser,
		"add-item":    c.addItem,
		"add-family":  c.addFamily,
		"add-child":   c.addChild,
		"add-service": c.addService,
		"qr-url":      c.qrURL,
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", args[0])
	}
	if err := cmd(ctx, args[1:]); !errors.Is(err, pflag.ErrHelp) {
		return err
	}
	return nil
}

func parse(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if rest := fs.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return nil
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) addUser(ctx context.Context, args []string) error {
	var nu directory.NewUser
	fs := pflag.NewFlagSet("add-user", pflag.ContinueOnError)
	fs.StringVar(&nu.Login, "login", "", "login name (required)")
	fs.StringVar(&nu.Password, "password", "", "password; empty disables login")
	fs.StringVar(&nu.DisplayName, "display-name", "", "public display name")
	fs.StringVar(&nu.FirstName, "first-name", "", "first name")
	fs.StringVar(&nu.LastName, "last-name", "", "last name")
	fs.StringVar(&nu.Role, "role", "attendee", "attendee, staff or admin")
	if err := parse(fs, args); err != nil {
		return err
	}
	switch nu.Role {
	case "attendee", "staff", "admin":
	default:
		return fmt.Errorf("unknown role %q", nu.Role)
	}
	u, err := c.dir.CreateUser(ctx, nu)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return c.print(u)
}

func (c *cli) addItem(ctx context.Context, args []string) error {
	var typ, title, slug string
	fs := pflag.NewFlagSet("add-item", pflag.ContinueOnError)
	fs.StringVar(&typ, "type", "", "exhibitor, session, panel or speaker (required)")
	fs.StringVar(&title, "title", "", "display title (required)")
	fs.StringVar(&slug, "slug", "", "permalink slug; derived from the title when empty")
	if err := parse(fs, args); err != nil {
		return err
	}
	et, ok := directory.ParseEntityType(typ)
	if !ok {
		return fmt.Errorf("unknown item type %q", typ)
	}
	if strings.TrimSpace(title) == "" {
		return errors.New("--title is required")
	}
	if slug == "" {
		slug = slugify(title)
	}
	e, err := c.dir.CreateEntity(ctx, et, title, slug)
	if err != nil {
		return fmt.Errorf("create item: %w", err)
	}
	return c.print(e)
}

func (c *cli) addFamily(ctx context.Context, args []string) error {
	var name, contact string
	fs := pflag.NewFlagSet("add-family", pflag.ContinueOnError)
	fs.StringVar(&name, "name", "", "family name (required)")
	fs.StringVar(&contact, "contact", "", "guardian contact")
	if err := parse(fs, args); err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" {
		return errors.New("--name is required")
	}
	f, err := c.dir.CreateFamily(ctx, name, contact)
	if err != nil {
		return fmt.Errorf("create family: %w", err)
	}
	return c.print(f)
}

func (c *cli) addChild(ctx context.Context, args []string) error {
	var (
		name, allergies string
		familyID        int64
	)
	fs := pflag.NewFlagSet("add-child", pflag.ContinueOnError)
	fs.StringVar(&name, "name", "", "child name (required)")
	fs.Int64Var(&familyID, "family", 0, "family id; 0 leaves the child unassigned")
	fs.StringVar(&allergies, "allergies", "", "allergies printed on labels")
	if err := parse(fs, args); err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" {
		return errors.New("--name is required")
	}
	var family *int64
	if familyID > 0 {
		if _, err := c.dir.Family(ctx, familyID); err != nil {
			return fmt.Errorf("family %d: %w", familyID, err)
		}
		family = &familyID
	}
	ch, err := c.dir.CreateChild(ctx, name, family, allergies)
	if err != nil {
		return fmt.Errorf("create child: %w", err)
	}
	return c.print(ch)
}

func (c *cli) addService(ctx context.Context, args []string) error {
	var title, label, starts, ends string
	fs := pflag.NewFlagSet("add-service", pflag.ContinueOnError)
	fs.StringVar(&title, "title", "", "service title (required)")
	fs.StringVar(&label, "label", "", "short label printed on badges")
	fs.StringVar(&starts, "starts", "", `start time, RFC 3339 or "YYYY-MM-DD HH:MM" in DISPLAY_TIMEZONE`)
	fs.StringVar(&ends, "ends", "", "end time; custody expires then")
	if err := parse(fs, args); err != nil {
		return err
	}
	if strings.TrimSpace(title) == "" {
		return errors.New("--title is required")
	}
	start, err := c.parseTime("starts", starts)
	if err != nil {
		return err
	}
	end, err := c.parseTime("ends", ends)
	if err != nil {
		return err
	}
	if start != nil && end != nil && !end.After(*start) {
		return errors.New("--ends must be after --starts")
	}
	s, err := c.dir.CreateService(ctx, title, label, start, end)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	return c.print(s)
}

func (c *cli) parseTime(name, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.ParseInLocation(serviceTimeLayout, v, c.cfg.Location())
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return &t, nil
}

func (c *cli) qrURL(ctx context.Context, args []string) error {
	var (
		typ, event string
		id         int64
	)
	fs := pflag.NewFlagSet("qr-url", pflag.ContinueOnError)
	fs.StringVar(&typ, "type", "", "item type (required)")
	fs.Int64Var(&id, "id", 0, "item id (required)")
	fs.StringVar(&event, "event", "", "event id; defaults to CURRENT_EVENT_ID")
	if err := parse(fs, args); err != nil {
		return err
	}
	if _, err := c.dir.Entity(ctx, id); err != nil {
		return fmt.Errorf("item %d: %w", id, err)
	}
	signer, err := signature.NewSigner(c.cfg.QRSecret)
	if err != nil {
		return err
	}
	flow := qr.NewFlow(signer, c.dir, nil, nil, qr.Options{BaseURL: c.cfg.BaseURL, CurrentEventID: c.cfg.CurrentEventID})
	link, err := flow.URLFor(typ, id, event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, link)
	return err
}

func slugify(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}
