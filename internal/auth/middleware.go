package auth

import (
	"whisper/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const (
	ctxUser   = "user"
	ctxClaims = "claims"
)

// Middleware 要求请求携带可解析到本地用户的 Bearer token。
func Middleware(g *Gatekeeper) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := g.Authenticate(c.Request.Context(), CredentialFromRequest(c.Request))
		if err != nil {
			status, msg := StatusFor(err)
			if status >= 500 {
				log.Error().Err(err).Msg("authenticate request")
			}
			c.AbortWithStatusJSON(status, gin.H{"error": msg})
			return
		}
		c.Set(ctxUser, user)
		c.Next()
	}
}

// ClaimsMiddleware 只校验 token，用于本地用户尚不存在的同步接口。
func ClaimsMiddleware(g *Gatekeeper) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := g.Verify(CredentialFromRequest(c.Request))
		if err != nil {
			status, msg := StatusFor(err)
			c.AbortWithStatusJSON(status, gin.H{"error": msg})
			return
		}
		c.Set(ctxClaims, claims)
		c.Next()
	}
}

// CurrentUser 返回 Middleware 写入的用户。
func CurrentUser(c *gin.Context) *models.User {
	if v, ok := c.Get(ctxUser); ok {
		if u, ok2 := v.(*models.User); ok2 {
			return u
		}
	}
	return nil
}

// CurrentClaims 返回 ClaimsMiddleware 写入的 claims。
func CurrentClaims(c *gin.Context) *Claims {
	if v, ok := c.Get(ctxClaims); ok {
		if cl, ok2 := v.(*Claims); ok2 {
			return cl
		}
	}
	return nil
}
