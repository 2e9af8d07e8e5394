package nursery

import (
	"context"
	"errors"
	"net/url"
	"strconv"

	"expocheckin/internal/metrics"
)

// Actor is the user behind a scan. A zero ID means not signed in.
type Actor struct {
	ID    int64
	Staff bool
}

// ScanInput is a visit to /nursery/scan/{type}/{id}/{token}.
type ScanInput struct {
	TokenType string
	CustodyID int64
	Token     string
	Actor     Actor
}

// ScanResult tells the caller where to go next.
type ScanResult struct {
	Redirect      string
	LoginRequired bool
}

// HandleScan validates a label scan and performs its action. The record is
// checked before the actor so an invalid link never reveals whether login
// would help.
func (e *Engine) HandleScan(ctx context.Context, in ScanInput) (ScanResult, error) {
	res, err := e.handleScan(ctx, in)
	outcome := "ok"
	switch {
	case res.LoginRequired:
		outcome = "login_required"
	case errors.Is(err, ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, ErrForbidden):
		outcome = "forbidden"
	case err != nil:
		outcome = "error"
	}
	metrics.NurseryScans.WithLabelValues(in.TokenType, outcome).Inc()
	return res, err
}

func (e *Engine) handleScan(ctx context.Context, in ScanInput) (ScanResult, error) {
	rec, err := e.GetByID(ctx, in.CustodyID)
	if err != nil {
		return ScanResult{}, err
	}

	var valid bool
	switch in.TokenType {
	case "child":
		valid = e.hasher.matches(rec.ChildTokenHash, normalizeToken(in.Token))
	case "pickup":
		valid = e.hasher.matches(rec.PickupTokenHash, normalizeToken(in.Token))
	case "label":
		valid = e.signer.VerifyLabel(rec.ID, in.Token)
	}
	if !valid {
		return ScanResult{}, ErrForbidden
	}
	if in.Actor.ID == 0 {
		return ScanResult{LoginRequired: true}, nil
	}
	if !in.Actor.Staff {
		return ScanResult{}, ErrForbidden
	}

	q := url.Values{}
	q.Set("service", strconv.FormatInt(rec.ServiceID, 10))
	switch in.TokenType {
	case "pickup":
		if _, err := e.CheckOutByID(ctx, rec.ID, in.Actor.ID); err != nil {
			return ScanResult{}, err
		}
		q.Set("checked_out", strconv.FormatInt(rec.ID, 10))
		return ScanResult{Redirect: "/nursery/dashboard?" + q.Encode()}, nil
	case "label":
		q.Set("checkin", strconv.FormatInt(rec.ID, 10))
		return ScanResult{Redirect: "/nursery/print?" + q.Encode()}, nil
	default:
		q.Set("child", strconv.FormatInt(rec.ChildID, 10))
		return ScanResult{Redirect: "/nursery/dashboard?" + q.Encode()}, nil
	}
}
