package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/SharesDAO/DCA-Trader/internal/adapter/http/middleware"
	"github.com/SharesDAO/DCA-Trader/internal/service"
)

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	Reporter       *service.Reporter
	HealthCheckers []NamedPinger
	Logger         zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(deps.Logger))

	r.GET("/health", HealthCheck(deps.HealthCheckers...))

	statusHandler := NewStatusHandler(deps.Reporter)
	v1 := r.Group("/api/v1")
	{
		v1.GET("/status", statusHandler.GetStatus)
	}

	return r
}
