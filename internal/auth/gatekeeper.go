package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"whisper/internal/models"
	"whisper/internal/service"
)

var (
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrUnknownUser       = errors.New("unknown user")
)

// UserLookup 按 subject 解析本地用户，未找到时返回 service.ErrNotFound。
type UserLookup interface {
	FindBySubject(ctx context.Context, subject string) (*models.User, error)
}

// Gatekeeper 校验连接凭证并解析为本地用户。
type Gatekeeper struct {
	secret string
	users  UserLookup
}

func NewGatekeeper(secret string, users UserLookup) *Gatekeeper {
	return &Gatekeeper{secret: secret, users: users}
}

// Verify 只校验 token，不查本地用户。
func (g *Gatekeeper) Verify(credential string) (*Claims, error) {
	if strings.TrimSpace(credential) == "" {
		return nil, ErrMissingCredential
	}
	claims, err := ParseToken(credential, g.secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	return claims, nil
}

// Authenticate 校验 token 并解析出本地用户。
func (g *Gatekeeper) Authenticate(ctx context.Context, credential string) (*models.User, error) {
	claims, err := g.Verify(credential)
	if err != nil {
		return nil, err
	}
	user, err := g.users.FindBySubject(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			return nil, ErrUnknownUser
		}
		return nil, err
	}
	return user, nil
}

// CredentialFromRequest 读取 Authorization: Bearer，浏览器 websocket 可用 ?token= 代替。
func CredentialFromRequest(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return r.URL.Query().Get("token")
}

// StatusFor 将鉴权错误映射为 HTTP 状态码与对外信息。
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrMissingCredential):
		return http.StatusUnauthorized, "missing token"
	case errors.Is(err, ErrInvalidCredential):
		return http.StatusUnauthorized, "invalid token"
	case errors.Is(err, ErrUnknownUser):
		return http.StatusUnauthorized, "user not found"
	default:
		return http.StatusInternalServerError, "authentication failed"
	}
}
