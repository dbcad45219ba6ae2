package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	clog "whisper/internal/log"
	"whisper/internal/metrics"
	"whisper/internal/models"
	"whisper/internal/protocol"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Store 是 Hub 依赖的持久化能力，会话不存在时返回 service.ErrNotFound。
type Store interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	CreateMessage(ctx context.Context, conversationID, senderID, text string) (*models.Message, error)
	UpdateLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error
}

type Options struct {
	EventsPerSecond int
	EventBurst      int
	Mirror          PresenceMirror
}

// Hub 持有房间、在线状态与消息管道，没有全局锁。
type Hub struct {
	store    Store
	rooms    *Router
	presence *Presence
	log      zerolog.Logger

	eventRate  rate.Limit
	eventBurst int

	// ctx 是消息管道的基础上下文，连接断开不会取消它。
	ctx     context.Context
	cancel  context.CancelFunc
	// admitMu 使 closing 检查与 wg.Add 相对 Shutdown 原子。
	admitMu sync.Mutex
	wg      sync.WaitGroup
	closing atomic.Bool
}

func NewHub(store Store, opts Options) *Hub {
	if opts.EventsPerSecond <= 0 {
		opts.EventsPerSecond = 10
	}
	if opts.EventBurst <= 0 {
		opts.EventBurst = 20
	}
	logger := clog.Component("hub")
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		store:      store,
		rooms:      NewRouter(),
		presence:   NewPresence(opts.Mirror, logger),
		log:        logger,
		eventRate:  rate.Limit(opts.EventsPerSecond),
		eventBurst: opts.EventBurst,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// IsOnline 供 REST 接口标注用户在线状态。
func (h *Hub) IsOnline(userID string) bool { return h.presence.IsOnline(userID) }

// OnlineUsers 返回当前在线用户快照。
func (h *Hub) OnlineUsers() []string { return h.presence.Snapshot() }

// admit 为一次 /ws 请求登记 wg；Shutdown 开始后返回 false。
func (h *Hub) admit() bool {
	h.admitMu.Lock()
	defer h.admitMu.Unlock()
	if h.closing.Load() {
		return false
	}
	h.wg.Add(1)
	return true
}

// Connect 将连接加入其用户房间并登记在线。
func (h *Hub) Connect(c *Client) {
	room := UserRoom(c.userID)
	h.rooms.Join(room, c)
	c.addRoom(room)
	metrics.WsConnections.Inc()
	h.presence.Register(c)
	c.log.Info().Msg("connected")
}

// Disconnect 释放连接持有的全部房间和在线登记，可重复调用。
func (h *Hub) Disconnect(c *Client) {
	c.close()
	if !c.finalized.CompareAndSwap(false, true) {
		return
	}
	for _, room := range c.takeRooms() {
		h.rooms.Leave(room, c)
	}
	h.presence.Unregister(c)
	metrics.WsConnections.Dec()
	c.log.Info().Msg("disconnected")
}

// HandleFrame 处理一帧入站事件；错误只回给该连接，handler 中的 panic 会被恢复。
func (h *Hub) HandleFrame(c *Client, frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("event handler panic")
			h.replyError(c, errors.New("handler panic"))
		}
	}()

	env, err := protocol.Decode(frame)
	if err != nil {
		metrics.WsEventsTotal.WithLabelValues("malformed").Inc()
		h.replyError(c, fmt.Errorf("%w: malformed frame", ErrValidation))
		return
	}
	if !c.limiter.Allow() {
		metrics.WsEventsTotal.WithLabelValues("rate_limited").Inc()
		h.replyError(c, ErrRateLimited)
		return
	}

	switch env.Event {
	case protocol.EventJoinChat:
		err = h.handleJoin(c, env.Data)
	case protocol.EventLeaveChat:
		err = h.handleLeave(c, env.Data)
	case protocol.EventSendMessage:
		err = h.handleSend(c, env.Data)
	case protocol.EventTyping:
		err = h.handleTyping(c, env.Data)
	default:
		metrics.WsEventsTotal.WithLabelValues("unknown").Inc()
		h.replyError(c, fmt.Errorf("%w: unknown event %q", ErrValidation, env.Event))
		return
	}
	metrics.WsEventsTotal.WithLabelValues(env.Event).Inc()
	if err != nil {
		h.replyError(c, err)
	}
}

func (h *Hub) replyError(c *Client, err error) {
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrRateLimited) {
		c.log.Debug().Err(err).Msg("event rejected")
	} else {
		c.log.Error().Err(err).Msg("event failed")
	}
	frame, encErr := protocol.Encode(protocol.EventSocketError, protocol.SocketError{Message: errorMessage(err)})
	if encErr != nil {
		c.log.Error().Err(encErr).Msg("encode socket-error")
		return
	}
	c.enqueue(frame)
}

// conversationFor 读取会话并校验连接用户是参与者。
func (h *Hub) conversationFor(c *Client, conversationID string) (*models.Conversation, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation id is required", ErrValidation)
	}
	conv, err := h.store.GetConversation(h.ctx, conversationID)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: conversation not found", ErrValidation)
		}
		return nil, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	if !conv.HasParticipant(c.userID) {
		return nil, fmt.Errorf("%w: not a participant", ErrValidation)
	}
	return conv, nil
}

func (h *Hub) handleJoin(c *Client, raw json.RawMessage) error {
	id, err := protocol.DecodeConversationRef(raw)
	if err != nil {
		return fmt.Errorf("%w: conversation id is required", ErrValidation)
	}
	room := ChatRoom(id)
	if c.inRoom(room) {
		return nil
	}
	if _, err := h.conversationFor(c, id); err != nil {
		return err
	}
	h.rooms.Join(room, c)
	c.addRoom(room)
	return nil
}

func (h *Hub) handleLeave(c *Client, raw json.RawMessage) error {
	id, err := protocol.DecodeConversationRef(raw)
	if err != nil {
		return fmt.Errorf("%w: conversation id is required", ErrValidation)
	}
	room := ChatRoom(id)
	h.rooms.Leave(room, c)
	c.removeRoom(room)
	return nil
}

// Shutdown 停止接收新连接，断开现有连接并等待其收尾，最后停止在线事件分发。
func (h *Hub) Shutdown(ctx context.Context) error {
	h.admitMu.Lock()
	first := h.closing.CompareAndSwap(false, true)
	h.admitMu.Unlock()
	if !first {
		return nil
	}
	for _, c := range h.presence.clients("") {
		c.close()
	}
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	h.cancel()
	h.presence.Close()
	return err
}
