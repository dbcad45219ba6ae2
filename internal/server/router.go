package server

import (
	"net/http"
	"time"

	"whisper/internal/auth"
	"whisper/internal/config"
	"whisper/internal/metrics"
	"whisper/internal/mw"
	"whisper/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, h *Handler, hub *ws.Hub, gate *auth.Gatekeeper) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	// 控制单个 IP+路由的速率。
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	// 本地用户可能尚不存在，只校验 token。
	api.POST("/auth/callback", auth.ClaimsMiddleware(gate), h.Callback)

	authed := api.Group("")
	authed.Use(auth.Middleware(gate))
	authed.GET("/auth/me", h.Me)
	authed.GET("/users", h.ListUsers)
	authed.GET("/chats", h.ListChats)
	authed.POST("/chats/with/:participantId", h.ChatWith)
	authed.GET("/messages/chats/:chatId", h.ListMessages)

	r.GET("/ws", ws.Serve(hub, gate))
	return r
}
