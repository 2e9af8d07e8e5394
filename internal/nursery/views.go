package nursery

import (
	"context"
	"errors"
	"fmt"
	"log"

	"expocheckin/internal/directory"
	"expocheckin/internal/qr"
)

// DashboardRow is one child on the service dashboard.
type DashboardRow struct {
	ChildID    int64   `json:"child_id"`
	Name       string  `json:"name"`
	Allergies  string  `json:"allergies"`
	FamilyName string  `json:"family"`
	Status     Status  `json:"status"`
	CustodyID  int64   `json:"checkin_id"`
	Tokens     *Tokens `json:"tokens,omitempty"`
}

// Dashboard lists every child with their status in serviceID.
func (e *Engine) Dashboard(ctx context.Context, serviceID int64) ([]DashboardRow, error) {
	if _, err := e.dir.Service(ctx, serviceID); err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil, ErrInvalidService
		}
		return nil, err
	}
	if err := e.sweep(ctx); err != nil {
		return nil, err
	}
	records, err := e.repo.ListForService(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("list custody: %w", err)
	}
	byChild := make(map[int64]Custody, len(records))
	for _, r := range records {
		byChild[r.ChildID] = r
	}
	children, err := e.dir.Children(ctx)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}

	families := map[int64]string{}
	rows := make([]DashboardRow, 0, len(children))
	for _, c := range children {
		row := DashboardRow{ChildID: c.ID, Name: c.Name, Allergies: c.Allergies, FamilyName: "Unassigned", Status: StatusCreated}
		if c.FamilyID != nil {
			name, ok := families[*c.FamilyID]
			if !ok {
				if f, err := e.dir.Family(ctx, *c.FamilyID); err == nil {
					name = f.Name
				}
				families[*c.FamilyID] = name
			}
			if name != "" {
				row.FamilyName = name
			}
		}
		if rec, ok := byChild[c.ID]; ok {
			row.Status = rec.Status
			row.CustodyID = rec.ID
			if rec.Status == StatusCheckedIn {
				if t, ok := e.tokens.get(ctx, rec.ID); ok {
					row.Tokens = &t
				}
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// PrintFilter selects labels to print. ServiceID is required.
type PrintFilter struct {
	ServiceID int64
	FamilyID  int64
	CustodyID int64
}

// Label is one printable child label.
type Label struct {
	CustodyID         int64  `json:"checkin_id"`
	ChildName         string `json:"child"`
	Allergies         string `json:"allergies,omitempty"`
	ServiceLabel      string `json:"service_label"`
	ServiceTime       string `json:"service_time"`
	ChildURL          string `json:"child_url,omitempty"`
	PickupURL         string `json:"pickup_url,omitempty"`
	LabelURL          string `json:"label_url"`
	TokensUnavailable bool   `json:"tokens_unavailable"`
}

// PrintLabels returns labels for active records and stamps them printed.
func (e *Engine) PrintLabels(ctx context.Context, f PrintFilter) ([]Label, error) {
	if f.ServiceID <= 0 {
		return nil, nil
	}
	if err := e.sweep(ctx); err != nil {
		return nil, err
	}
	records, err := e.repo.ListActive(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list active custody: %w", err)
	}

	var labels []Label
	var printed []int64
	for _, rec := range records {
		child, err := e.dir.Child(ctx, rec.ChildID)
		if err != nil {
			continue
		}
		service, err := e.dir.Service(ctx, rec.ServiceID)
		if err != nil {
			continue
		}
		l := Label{
			CustodyID:    rec.ID,
			ChildName:    child.Name,
			Allergies:    child.Allergies,
			ServiceLabel: service.DisplayLabel(),
			ServiceTime:  service.TimeRange(e.opts.Location),
			LabelURL:     e.ScanURL("label", rec.ID, ""),
		}
		if t, ok := e.tokens.get(ctx, rec.ID); ok {
			l.ChildURL = e.ScanURL("child", rec.ID, t.Child)
			l.PickupURL = e.ScanURL("pickup", rec.ID, t.Pickup)
			printed = append(printed, rec.ID)
		} else {
			l.TokensUnavailable = true
		}
		labels = append(labels, l)
	}
	if err := e.repo.MarkPrinted(ctx, printed, e.clock.Now()); err != nil {
		log.Printf("nursery: mark printed failed: %v", err)
	}
	return labels, nil
}

// LabelQR renders the QR code for one link on a label. kind is child,
// pickup or label.
func (e *Engine) LabelQR(ctx context.Context, custodyID int64, kind string, size int) ([]byte, error) {
	rec, err := e.GetByID(ctx, custodyID)
	if err != nil {
		return nil, err
	}
	var link string
	switch kind {
	case "label":
		link = e.ScanURL("label", rec.ID, "")
	case "child", "pickup":
		if rec.Status != StatusCheckedIn {
			return nil, ErrInvalidStatus
		}
		t, ok := e.tokens.get(ctx, rec.ID)
		if !ok {
			return nil, ErrTokensUnavailable
		}
		token := t.Child
		if kind == "pickup" {
			token = t.Pickup
		}
		link = e.ScanURL(kind, rec.ID, token)
	default:
		return nil, fmt.Errorf("unknown label kind %q", kind)
	}
	return qr.PNG(link, size)
}
