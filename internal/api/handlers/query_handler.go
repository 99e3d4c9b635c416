package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yoockh/cogload/internal/services"
	"github.com/yoockh/cogload/internal/utils"
)

type QueryHandler struct {
	svc services.QueryService
}

func NewQueryHandler(svc services.QueryService) *QueryHandler {
	return &QueryHandler{svc: svc}
}

// authorizeSession lets admins read any session and users only their own.
func (h *QueryHandler) authorizeSession(c *gin.Context, sessionID string) bool {
	userID, ok := requireUserID(c)
	if !ok {
		return false
	}
	if isAdmin(c) {
		return true
	}
	owner, err := h.svc.SessionOwner(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return false
	}
	if owner != userID {
		writeError(c, utils.E(utils.CodeForbidden, "QueryHandler.authorizeSession", "forbidden", nil))
		return false
	}
	return true
}

// scopeUser returns the user a listing is restricted to. Admins may pick any
// user (or none); everyone else sees only themselves.
func scopeUser(c *gin.Context) (string, bool) {
	userID, ok := requireUserID(c)
	if !ok {
		return "", false
	}
	if isAdmin(c) {
		return c.Query("user_id"), true
	}
	return userID, true
}

func (h *QueryHandler) Latest(c *gin.Context) {
	userID, ok := scopeUser(c)
	if !ok {
		return
	}
	sessionID := c.Query("session_id")
	if sessionID != "" && !h.authorizeSession(c, sessionID) {
		return
	}

	res, err := h.svc.Latest(c.Request.Context(), sessionID, userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *QueryHandler) Sessions(c *gin.Context) {
	userID, ok := scopeUser(c)
	if !ok {
		return
	}
	list, err := h.svc.ListActiveSessions(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list, "count": len(list)})
}

func (h *QueryHandler) Window(c *gin.Context) {
	sessionID := c.Param("session_id")
	if !h.authorizeSession(c, sessionID) {
		return
	}
	n, err := queryInt(c, "n", services.DefaultWindow)
	if err != nil {
		writeError(c, err)
		return
	}

	res, err := h.svc.Window(c.Request.Context(), sessionID, n)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *QueryHandler) Trend(c *gin.Context) {
	sessionID := c.Param("session_id")
	if !h.authorizeSession(c, sessionID) {
		return
	}
	n, err := queryInt(c, "n", services.DefaultTrendN)
	if err != nil {
		writeError(c, err)
		return
	}

	res, err := h.svc.Trend(c.Request.Context(), sessionID, n)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *QueryHandler) State(c *gin.Context) {
	sessionID := c.Param("session_id")
	if !h.authorizeSession(c, sessionID) {
		return
	}
	st, err := h.svc.CognitiveState(c.Request.Context(), sessionID, "")
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *QueryHandler) History(c *gin.Context) {
	sessionID := c.Param("session_id")
	if !h.authorizeSession(c, sessionID) {
		return
	}
	limit, err := queryInt(c, "limit", 100)
	if err != nil {
		writeError(c, err)
		return
	}

	rows, err := h.svc.History(c.Request.Context(), sessionID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "predictions": rows, "count": len(rows)})
}

type AnnotateEventRequest struct {
	Label     string         `json:"label" binding:"required"`
	Notes     string         `json:"notes"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp *time.Time     `json:"timestamp"`
}

func (h *QueryHandler) AddEvent(c *gin.Context) {
	sessionID := c.Param("session_id")
	if !h.authorizeSession(c, sessionID) {
		return
	}
	userID, _ := requireUserID(c)

	var req AnnotateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "QueryHandler.AddEvent", "invalid request body", err))
		return
	}
	in := services.AnnotateEventInput{
		SessionID: sessionID,
		UserID:    userID,
		Label:     req.Label,
		Notes:     req.Notes,
		Metadata:  req.Metadata,
	}
	if req.Timestamp != nil {
		in.Timestamp = *req.Timestamp
	}

	ev, err := h.svc.AnnotateEvent(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ev)
}

func (h *QueryHandler) ListEvents(c *gin.Context) {
	sessionID := c.Param("session_id")
	if !h.authorizeSession(c, sessionID) {
		return
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		writeError(c, err)
		return
	}
	rows, err := h.svc.ListEvents(c.Request.Context(), sessionID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "events": rows, "count": len(rows)})
}

func (h *QueryHandler) BufferStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.BufferStats(c.Request.Context()))
}

func (h *QueryHandler) Classifiers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"classifiers": h.svc.Classifiers(c.Request.Context())})
}

func (h *QueryHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.ServerStats(c.Request.Context()))
}
