package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"whisper/internal/auth"
	"whisper/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	users *service.UserService
	convs *service.ConversationService
	msgs  *service.MessageService
}

func NewHandler(users *service.UserService, convs *service.ConversationService, msgs *service.MessageService) *Handler {
	return &Handler{users: users, convs: convs, msgs: msgs}
}

// Callback 用已验证 token 中的资料创建或更新本地用户。
func (h *Handler) Callback(c *gin.Context) {
	claims := auth.CurrentClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	name := strings.TrimSpace(claims.Name)
	email := strings.TrimSpace(claims.Email)
	if name == "" || email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token is missing name or email"})
		return
	}
	user, err := h.users.Sync(c.Request.Context(), service.SyncInput{
		Subject: claims.Subject,
		Name:    name,
		Email:   email,
		Avatar:  claims.Avatar,
	})
	if err != nil {
		log.Error().Err(err).Str("subject", claims.Subject).Msg("sync user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sync user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": h.users.DTO(*user)})
}

// Me 返回当前登录用户。
func (h *Handler) Me(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"user": h.users.DTO(*auth.CurrentUser(c))})
}

// ListUsers 返回其他用户及其在线状态。
func (h *Handler) ListUsers(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	me := auth.CurrentUser(c)
	users, err := h.users.ListOthers(c.Request.Context(), me.ID, limit)
	if err != nil {
		log.Error().Err(err).Str("user_id", me.ID).Msg("list users")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list users"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// ListChats 返回当前用户参与的会话。
func (h *Handler) ListChats(c *gin.Context) {
	me := auth.CurrentUser(c)
	chats, err := h.convs.ListForUser(c.Request.Context(), me.ID)
	if err != nil {
		log.Error().Err(err).Str("user_id", me.ID).Msg("list chats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list chats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

// ChatWith 返回与指定用户的会话，不存在时创建。
func (h *Handler) ChatWith(c *gin.Context) {
	me := auth.CurrentUser(c)
	participantID := strings.TrimSpace(c.Param("participantId"))
	if participantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid participant id"})
		return
	}
	chat, err := h.convs.GetOrCreate(c.Request.Context(), me.ID, participantID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrSelfChat):
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot chat with yourself"})
		case errors.Is(err, service.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		default:
			log.Error().Err(err).Str("user_id", me.ID).Str("participant_id", participantID).Msg("get or create chat")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open chat"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat": chat})
}

// ListMessages 分页返回会话历史，before 为 RFC3339 时间。
func (h *Handler) ListMessages(c *gin.Context) {
	me := auth.CurrentUser(c)
	chatID := c.Param("chatId")
	if _, err := h.convs.GetForUser(c.Request.Context(), chatID, me.ID); err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
		case errors.Is(err, service.ErrNotParticipant):
			c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		default:
			log.Error().Err(err).Str("chat_id", chatID).Msg("load chat")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		}
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	var before time.Time
	if v := c.Query("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before"})
			return
		}
		before = t
	}
	msgs, err := h.msgs.ListByConversation(c.Request.Context(), chatID, limit, before)
	if err != nil {
		log.Error().Err(err).Str("chat_id", chatID).Msg("list messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}
