package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yoockh/cogload/internal/api/handlers"
	"github.com/yoockh/cogload/internal/api/middleware"
)

type Deps struct {
	Query   *handlers.QueryHandler
	Session *handlers.SessionHandler
	Admin   *handlers.AdminHandler
	WS      *handlers.WSHandler
	JWT     middleware.JWTConfig
	Metrics http.Handler // optional
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "pong"})
	})
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics))
	}

	// Devices authenticate with an API key inside the upgrade
	r.GET("/ws/ingest", d.WS.Ingest)

	api := r.Group("/api")
	api.Use(middleware.JWTAuth(d.JWT))

	api.GET("/latest", d.Query.Latest)
	api.GET("/sessions", d.Query.Sessions)
	api.GET("/sessions/:session_id", d.Session.Get)
	api.GET("/me/sessions", d.Session.Mine)
	api.GET("/sessions/:session_id/window", d.Query.Window)
	api.GET("/sessions/:session_id/trend", d.Query.Trend)
	api.GET("/sessions/:session_id/state", d.Query.State)
	api.GET("/sessions/:session_id/history", d.Query.History)
	api.GET("/sessions/:session_id/events", d.Query.ListEvents)
	api.POST("/sessions/:session_id/events", d.Query.AddEvent)
	api.GET("/buffer/stats", d.Query.BufferStats)
	api.GET("/classifiers", d.Query.Classifiers)
	api.GET("/stats", d.Query.Stats)

	admin := api.Group("")
	admin.Use(middleware.RequireAdmin())
	admin.POST("/sessions/:session_id/close", d.Admin.CloseSession)
	admin.PUT("/classifiers/active", d.Admin.SetActiveClassifier)
}
