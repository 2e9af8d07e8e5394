package httpapi

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"expocheckin/internal/auth"
	"expocheckin/internal/checkin"
	"expocheckin/internal/directory"
	"expocheckin/internal/leaderboard"
	"expocheckin/internal/qr"
	"expocheckin/internal/signature"
)

func (s *Server) qrLink(c *gin.Context) {
	dest, err := s.Flow.HandleLink(c.Request.Context(), c.Writer, c.Request, qr.Visit{
		Type:      c.Param("type"),
		EntityID:  c.Param("entity"),
		EventID:   c.Param("event"),
		Signature: c.Param("sig"),
		UserID:    identity(c).UserID,
		ClientIP:  c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	switch {
	case errors.Is(err, signature.ErrInvalid):
		abortError(c, http.StatusForbidden, err)
	case errors.Is(err, directory.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "content not found"})
	case err != nil:
		internalError(c, "qr link", err)
	default:
		c.Redirect(http.StatusFound, dest)
	}
}

type loginRequest struct {
	Login    string `json:"login" form:"login" binding:"required"`
	Password string `json:"password" form:"password" binding:"required"`
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := s.Directory.Authenticate(c.Request.Context(), req.Login, req.Password)
	if errors.Is(err, directory.ErrBadCredentials) {
		abortError(c, http.StatusUnauthorized, err)
		return
	}
	if err != nil {
		internalError(c, "authenticate", err)
		return
	}
	token, exp, err := s.Sessions.Issue(auth.Identity{UserID: user.ID, Role: user.Role})
	if err != nil {
		internalError(c, "issue session", err)
		return
	}
	s.Sessions.SetCookie(c, token)

	dest, checkedIn := s.Flow.CompleteLogin(c.Request.Context(), c.Writer, c.Request, user.ID, c.ClientIP(), c.Request.UserAgent())
	if c.ContentType() == "application/x-www-form-urlencoded" {
		c.Redirect(http.StatusSeeOther, dest)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": exp.Unix(),
		"expires_in": int(s.Sessions.TTL().Seconds()),
		"user":       user,
		"redirect":   dest,
		"checked_in": checkedIn,
	})
}

func (s *Server) logout(c *gin.Context) {
	auth.ClearCookie(c)
	c.Status(http.StatusNoContent)
}

func (s *Server) leaderboard(c *gin.Context) {
	res, err := s.Leaderboard.Compute(c.Request.Context(), leaderboard.Query{
		Scope:   c.Query("scope"),
		EventID: c.Query("event"),
		Search:  c.Query("search"),
		Limit:   queryInt(c, "limit", 50),
		Offset:  queryInt(c, "offset", 0),
	})
	if err != nil {
		internalError(c, "leaderboard", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) myCheckins(c *gin.Context) {
	f := checkin.UserFilter{
		UserID:  identity(c).UserID,
		Type:    c.Query("type"),
		EventID: c.Query("event"),
		Limit:   queryInt(c, "limit", 50),
		Offset:  queryInt(c, "offset", 0),
	}
	for name, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		if v := c.Query(name); v != "" {
			t, err := time.Parse("2006-01-02", v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name + " date"})
				return
			}
			*dst = t
		}
	}
	if !f.To.IsZero() {
		// inclusive end date
		f.To = f.To.AddDate(0, 0, 1)
	}
	records, total, err := s.Ledger.ListForUser(c.Request.Context(), f)
	if err != nil {
		internalError(c, "list check-ins", err)
		return
	}
	if records == nil {
		records = []checkin.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"checkins": records, "total": total})
}

// checkedIn tells an item page whether the caller already checked in.
func (s *Server) checkedIn(c *gin.Context) {
	var q qrTarget
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if q.EventID == "" {
		q.EventID = s.CurrentEventID
	}
	rec, err := s.Ledger.Find(c.Request.Context(), identity(c).UserID, q.Type, q.ID, q.EventID)
	if errors.Is(err, checkin.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"checked_in": false})
		return
	}
	if err != nil {
		internalError(c, "find check-in", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checked_in": true, "checked_in_at": rec.CreatedAt})
}

func (s *Server) setOptOut(c *gin.Context) {
	var req struct {
		OptOut *bool `json:"opt_out" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	if err := s.Directory.SetLeaderboardOptOut(ctx, identity(c).UserID, *req.OptOut); err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			abortError(c, http.StatusNotFound, err)
			return
		}
		internalError(c, "set opt-out", err)
		return
	}
	if err := s.Leaderboard.Bust(ctx); err != nil {
		log.Printf("httpapi: leaderboard bust failed: %v", err)
	}
	c.JSON(http.StatusOK, gin.H{"opt_out": *req.OptOut})
}

type qrTarget struct {
	Type    string `form:"type" binding:"required"`
	ID      int64  `form:"id" binding:"required"`
	EventID string `form:"event"`
	Size    int    `form:"size"`
}

func (s *Server) adminQRURL(c *gin.Context) {
	var q qrTarget
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	link, err := s.Flow.URLFor(q.Type, q.ID, q.EventID)
	if err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": link})
}

func (s *Server) adminQRCode(c *gin.Context) {
	var q qrTarget
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	link, err := s.Flow.URLFor(q.Type, q.ID, q.EventID)
	if err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	png, err := qr.PNG(link, q.Size)
	if err != nil {
		internalError(c, "render qr", err)
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (s *Server) adminDeleteCheckins(c *gin.Context) {
	var req struct {
		IDs []int64 `json:"ids" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	n, err := s.Ledger.Delete(c.Request.Context(), req.IDs)
	if err != nil {
		internalError(c, "delete check-ins", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

type todayItem struct {
	EntityType string `json:"entity_type"`
	EntityID   int64  `json:"entity_id"`
	Title      string `json:"title"`
	Count      int    `json:"count"`
}

func (s *Server) adminToday(c *gin.Context) {
	ctx := c.Request.Context()
	eventID := c.DefaultQuery("event", s.CurrentEventID)
	total, top, err := s.Ledger.TodayCounts(ctx, eventID, s.Clock.Now())
	if err != nil {
		internalError(c, "today counts", err)
		return
	}
	items := make([]todayItem, 0, len(top))
	for _, t := range top {
		item := todayItem{EntityType: t.EntityType, EntityID: t.EntityID, Count: t.Count, Title: "#" + strconv.FormatInt(t.EntityID, 10)}
		if e, err := s.Directory.Entity(ctx, t.EntityID); err == nil {
			item.Title = e.Title
		}
		items = append(items, item)
	}
	c.JSON(http.StatusOK, gin.H{"event_id": eventID, "total": total, "top": items})
}

func (s *Server) adminRotateSecret(c *gin.Context) {
	var req struct {
		Secret string `json:"secret" binding:"required,min=16"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Signer.Rotate(req.Secret); err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	log.Printf("httpapi: check-in link secret rotated by user %d; update QR_SECRET to persist it", identity(c).UserID)
	c.JSON(http.StatusOK, gin.H{"rotated": true})
}
