package ws

import (
	"context"
	"net/http"

	"whisper/internal/auth"
	"whisper/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Authenticator 在升级前解析连接凭证。
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (*models.User, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Serve 返回 /ws 的 gin handler：先鉴权，失败直接 401，不创建任何连接状态。
func Serve(h *Hub, gate Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !h.admit() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server shutting down"})
			return
		}
		defer h.wg.Done()
		user, err := gate.Authenticate(c.Request.Context(), auth.CredentialFromRequest(c.Request))
		if err != nil {
			status, msg := auth.StatusFor(err)
			if status >= http.StatusInternalServerError {
				h.log.Error().Err(err).Msg("authenticate websocket")
			}
			c.JSON(status, gin.H{"error": msg})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.log.Warn().Err(err).Str("user_id", user.ID).Msg("websocket upgrade")
			return
		}

		client := newClient(h, conn, user)
		go client.writePump()
		client.readPump()
	}
}
