package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/yoockh/cogload/internal/services"
	"github.com/yoockh/cogload/internal/utils"
)

// AdminHandler serves routes mounted behind middleware.RequireAdmin.
type AdminHandler struct {
	svc services.QueryService
	log *logrus.Logger
}

func NewAdminHandler(svc services.QueryService, log *logrus.Logger) *AdminHandler {
	return &AdminHandler{svc: svc, log: log}
}

func (h *AdminHandler) CloseSession(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")
	if err := h.svc.CloseSession(c.Request.Context(), sessionID); err != nil {
		writeError(c, err)
		return
	}
	h.log.WithFields(logrus.Fields{"session_id": sessionID, "admin": userID}).Info("session closed by admin")
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "status": "closed"})
}

type SetClassifierRequest struct {
	Name string `json:"name" binding:"required"`
}

func (h *AdminHandler) SetActiveClassifier(c *gin.Context) {
	var req SetClassifierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "AdminHandler.SetActiveClassifier", "invalid request body", err))
		return
	}
	if err := h.svc.SetActiveClassifier(c.Request.Context(), req.Name); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": req.Name})
}
