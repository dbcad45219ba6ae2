package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"whisper/internal/protocol"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrEmptyMessage = errors.New("message is empty")

// Session 把本地缓存与连接绑在一起，是 UI 唯一需要的入口。
type Session struct {
	me    string
	name  string
	store *Store
	conn  *Conn
	now   func() time.Time

	mu   sync.Mutex
	open string
}

func NewSession(me, name string, cfg ConnConfig, logger zerolog.Logger) *Session {
	s := &Session{
		me:    me,
		name:  name,
		store: NewStore(me, logger),
		conn:  NewConn(cfg, logger),
		now:   time.Now,
	}
	s.conn.onEvent = s.store.Apply
	s.conn.onState = s.store.SetConnected
	s.conn.onConnect = s.rejoin
	return s
}

func (s *Session) Store() *Store { return s.store }

// Run 运行连接直到 ctx 结束，然后停止本地缓存。
func (s *Session) Run(ctx context.Context) error {
	defer s.store.Close()
	return s.conn.Run(ctx)
}

// rejoin 在每次（重新）连上时重新加入当前打开的会话。
func (s *Session) rejoin() [][]byte {
	s.mu.Lock()
	open := s.open
	s.mu.Unlock()
	if open == "" {
		return nil
	}
	frame, err := protocol.Encode(protocol.EventJoinChat, protocol.ConversationRef{ConversationID: open})
	if err != nil {
		return nil
	}
	return [][]byte{frame}
}

// SendIntent 立即插入占位消息并返回临时 ID，随后把发送请求交给连接。
// 未连接或入队失败时占位保持 pending 并返回错误，不会自动补发。
func (s *Session) SendIntent(conversationID, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	tempID := protocol.TempIDPrefix + uuid.NewString()
	s.store.AddPending(Entry{
		ID:             tempID,
		ConversationID: conversationID,
		SenderID:       s.me,
		SenderName:     s.name,
		Text:           text,
		CreatedAt:      s.now(),
		ClientID:       tempID,
	})
	err := s.conn.Send(protocol.EventSendMessage, protocol.SendMessage{
		ConversationID: conversationID,
		Text:           text,
		ClientID:       tempID,
	})
	return tempID, err
}

// Open 切换当前会话：离开旧会话房间，加入新会话房间。
func (s *Session) Open(conversationID string) error {
	s.mu.Lock()
	prev := s.open
	s.open = conversationID
	s.mu.Unlock()
	s.store.OpenConversation(conversationID)
	if prev != "" && prev != conversationID {
		if err := s.roomSend(protocol.EventLeaveChat, prev); err != nil {
			return err
		}
	}
	return s.roomSend(protocol.EventJoinChat, conversationID)
}

// roomSend 发送 join/leave；离线时服务端已释放房间，重连后由 rejoin 恢复，因此忽略 ErrOffline。
func (s *Session) roomSend(event, conversationID string) error {
	err := s.conn.Send(event, protocol.ConversationRef{ConversationID: conversationID})
	if errors.Is(err, ErrOffline) {
		return nil
	}
	return err
}

func (s *Session) Close() error {
	s.mu.Lock()
	prev := s.open
	s.open = ""
	s.mu.Unlock()
	s.store.CloseConversation()
	if prev == "" {
		return nil
	}
	return s.roomSend(protocol.EventLeaveChat, prev)
}

func (s *Session) Typing(conversationID string, typing bool) error {
	return s.conn.Send(protocol.EventTyping, protocol.Typing{ConversationID: conversationID, IsTyping: typing})
}
