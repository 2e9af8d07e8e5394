package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"expocheckin/internal/nursery"
)

type issuedResponse struct {
	nursery.Issued
	ChildURL  string `json:"child_url"`
	PickupURL string `json:"pickup_url"`
	LabelURL  string `json:"label_url"`
}

func (s *Server) issued(in nursery.Issued) issuedResponse {
	return issuedResponse{
		Issued:    in,
		ChildURL:  s.Nursery.ScanURL("child", in.CustodyID, in.Tokens.Child),
		PickupURL: s.Nursery.ScanURL("pickup", in.CustodyID, in.Tokens.Pickup),
		LabelURL:  s.Nursery.ScanURL("label", in.CustodyID, ""),
	}
}

func (s *Server) nurseryCheckIn(c *gin.Context) {
	var req struct {
		ChildID   int64  `json:"child_id" binding:"required"`
		ServiceID int64  `json:"service_id" binding:"required"`
		Note      string `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	issued, err := s.Nursery.CheckIn(c.Request.Context(), nursery.CheckInInput{
		ChildID:   req.ChildID,
		ServiceID: req.ServiceID,
		StaffID:   identity(c).UserID,
		Note:      req.Note,
	})
	if err != nil {
		s.nurseryError(c, "nursery check-in", err)
		return
	}
	c.JSON(http.StatusCreated, s.issued(issued))
}

func (s *Server) nurseryCheckOut(c *gin.Context) {
	var req struct {
		PickupToken string `json:"pickup_token"`
		CheckinID   int64  `json:"checkin_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var (
		pickup nursery.Pickup
		err    error
	)
	staff := identity(c).UserID
	switch {
	case req.PickupToken != "":
		pickup, err = s.Nursery.CheckOutByToken(c.Request.Context(), req.PickupToken, staff)
	case req.CheckinID > 0:
		pickup, err = s.Nursery.CheckOutByID(c.Request.Context(), req.CheckinID, staff)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "pickup_token or checkin_id required"})
		return
	}
	if err != nil {
		s.nurseryError(c, "nursery check-out", err)
		return
	}
	c.JSON(http.StatusOK, pickup)
}

func (s *Server) nurseryRegenerate(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	issued, err := s.Nursery.RegenerateTokens(c.Request.Context(), id, identity(c).UserID)
	if err != nil {
		s.nurseryError(c, "regenerate tokens", err)
		return
	}
	c.JSON(http.StatusOK, s.issued(issued))
}

func (s *Server) nurseryGet(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	rec, err := s.Nursery.GetByID(c.Request.Context(), id)
	if err != nil {
		s.nurseryError(c, "get custody", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) nurseryAudit(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	entries, err := s.Nursery.Audit(c.Request.Context(), id)
	if err != nil {
		s.nurseryError(c, "custody audit", err)
		return
	}
	if entries == nil {
		entries = []nursery.AuditEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"audit": entries})
}

func (s *Server) nurseryLabelQR(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	kind := c.Param("kind")
	switch kind {
	case "child", "pickup", "label":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be child, pickup or label"})
		return
	}
	png, err := s.Nursery.LabelQR(c.Request.Context(), id, kind, queryInt(c, "size", 256))
	if err != nil {
		s.nurseryError(c, "label qr", err)
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (s *Server) nurseryDashboard(c *gin.Context) {
	serviceID := queryID(c, "service")
	if serviceID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "service required"})
		return
	}
	rows, err := s.Nursery.Dashboard(c.Request.Context(), serviceID)
	if err != nil {
		s.nurseryError(c, "nursery dashboard", err)
		return
	}
	body := gin.H{"service_id": serviceID, "children": rows}
	for _, flag := range []string{"checked_out", "child"} {
		if v := queryID(c, flag); v > 0 {
			body[flag] = v
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) nurseryPrint(c *gin.Context) {
	labels, err := s.Nursery.PrintLabels(c.Request.Context(), nursery.PrintFilter{
		ServiceID: queryID(c, "service"),
		FamilyID:  queryID(c, "family"),
		CustodyID: queryID(c, "checkin"),
	})
	if err != nil {
		s.nurseryError(c, "print labels", err)
		return
	}
	if labels == nil {
		labels = []nursery.Label{}
	}
	c.JSON(http.StatusOK, gin.H{"labels": labels})
}

func (s *Server) nurseryScan(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": nursery.ErrNotFound.Error()})
		return
	}
	caller := identity(c)
	res, err := s.Nursery.HandleScan(c.Request.Context(), nursery.ScanInput{
		TokenType: c.Param("tokenType"),
		CustodyID: id,
		Token:     c.Param("token"),
		Actor:     nursery.Actor{ID: caller.UserID, Staff: caller.IsStaff()},
	})
	if err != nil {
		s.nurseryError(c, "nursery scan", err)
		return
	}
	if res.LoginRequired {
		s.loginRedirect(c)
		return
	}
	c.Redirect(http.StatusFound, res.Redirect)
}
