package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/quote-assistant/internal/chat"
	"github.com/suPer8Hu/quote-assistant/internal/common"
	"github.com/suPer8Hu/quote-assistant/internal/config"
	"github.com/suPer8Hu/quote-assistant/internal/httpapi/handlers"
	"github.com/suPer8Hu/quote-assistant/internal/httpapi/middleware"
	"github.com/suPer8Hu/quote-assistant/internal/store/redisstore"
)

func NewRouter(svc *chat.Service, cfg config.Config, rds *redisstore.Store, log *slog.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(svc, cfg, rds, log)

	r.GET("/ping", h.Ping)

	// Chat (JWT required)
	limiter := middleware.NewRateLimiter(cfg.RateLimitPerMinute)
	authGroup := r.Group("/chat")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.POST("/sessions", h.CreateChatSession)
	authGroup.GET("/sessions/:session_id", h.GetChatSession)
	authGroup.POST("/sessions/:session_id/messages", limiter.Middleware(), h.SendChatMessage)
	authGroup.GET("/sessions/:session_id/messages", h.ListChatMessages)
	authGroup.POST("/sessions/:session_id/quote", h.CreateQuote)
	authGroup.GET("/sessions/:session_id/ws", h.ObserveSession)
	return r
}
