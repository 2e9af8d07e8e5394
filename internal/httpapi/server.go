// Package httpapi exposes the check-in and nursery operations over HTTP.
package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"expocheckin/internal/auth"
	"expocheckin/internal/checkin"
	"expocheckin/internal/clock"
	"expocheckin/internal/directory"
	"expocheckin/internal/leaderboard"
	"expocheckin/internal/nursery"
	"expocheckin/internal/qr"
	"expocheckin/internal/signature"
)

// HealthChecker reports dependency health.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// Deps are the services behind the routes. Nursery is nil when the
// nursery module is disabled.
type Deps struct {
	Directory   *directory.Directory
	Ledger      *checkin.Ledger
	Flow        *qr.Flow
	Signer      *signature.Signer
	Leaderboard *leaderboard.Aggregator
	Nursery     *nursery.Engine
	Sessions    *auth.Sessions
	Clock       clock.Clock
	Health      map[string]HealthChecker

	BaseURL        string
	LoginURL       string
	CurrentEventID string
}

// Server holds the handlers.
type Server struct {
	Deps
}

// New creates a server.
func New(d Deps) *Server {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	d.BaseURL = strings.TrimRight(d.BaseURL, "/")
	if d.LoginURL == "" {
		d.LoginURL = "/login"
	}
	return &Server{Deps: d}
}

// Register mounts every route on r. Session middleware must already be
// installed so handlers can see the caller.
func (s *Server) Register(r gin.IRouter) {
	r.GET("/healthz", s.health)

	r.GET("/qr/:type/:entity/:event/:sig", s.qrLink)
	r.POST("/login", s.login)
	r.POST("/logout", s.logout)
	r.GET("/leaderboard", s.leaderboard)

	me := r.Group("/me", auth.RequireUser())
	me.GET("/checkins", s.myCheckins)
	me.GET("/checked-in", s.checkedIn)
	me.PUT("/leaderboard-optout", s.setOptOut)

	admin := r.Group("/admin", auth.RequireStaff())
	admin.GET("/qr-url", s.adminQRURL)
	admin.GET("/qr-code.png", s.adminQRCode)
	admin.DELETE("/checkins", s.adminDeleteCheckins)
	admin.GET("/checkins/today", s.adminToday)
	admin.POST("/secret/rotate", s.adminRotateSecret)

	if s.Nursery != nil {
		r.GET("/nursery/scan/:tokenType/:id/:token", s.nurseryScan)
		n := r.Group("/nursery", auth.RequireStaff())
		n.POST("/checkins", s.nurseryCheckIn)
		n.POST("/checkout", s.nurseryCheckOut)
		n.POST("/checkins/:id/regenerate", s.nurseryRegenerate)
		n.GET("/checkins/:id", s.nurseryGet)
		n.GET("/checkins/:id/audit", s.nurseryAudit)
		n.GET("/checkins/:id/qr/:kind", s.nurseryLabelQR)
		n.GET("/dashboard", s.nurseryDashboard)
		n.GET("/print", s.nurseryPrint)
	}
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, hc := range s.Health {
		ok := hc != nil && hc.Healthy(ctx)
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// loginRedirect sends the visitor to login and back to the current URL.
func (s *Server) loginRedirect(c *gin.Context) {
	u, err := url.Parse(s.LoginURL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login url misconfigured"})
		return
	}
	q := u.Query()
	q.Set("redirect_to", s.BaseURL+c.Request.URL.RequestURI())
	u.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, u.String())
}

func abortError(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func internalError(c *gin.Context, op string, err error) {
	log.Printf("httpapi: %s failed: %v", op, err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func nurseryStatus(err error) int {
	switch {
	case errors.Is(err, nursery.ErrNotFound), errors.Is(err, nursery.ErrInvalidChild), errors.Is(err, nursery.ErrInvalidService):
		return http.StatusNotFound
	case errors.Is(err, nursery.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, nursery.ErrAlreadyCheckedIn), errors.Is(err, nursery.ErrInvalidStatus), errors.Is(err, nursery.ErrTokensUnavailable):
		return http.StatusConflict
	case errors.Is(err, nursery.ErrMissingFamily), errors.Is(err, nursery.ErrInvalidToken):
		return http.StatusBadRequest
	default:
		return 0
	}
}

func (s *Server) nurseryError(c *gin.Context, op string, err error) {
	if status := nurseryStatus(err); status != 0 {
		abortError(c, status, err)
		return
	}
	internalError(c, op, err)
}

func identity(c *gin.Context) auth.Identity {
	id, _ := auth.FromContext(c)
	return id
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, name string, def int) int {
	if v := c.Query(name); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func queryID(c *gin.Context, name string) int64 {
	id, err := strconv.ParseInt(c.Query(name), 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}
