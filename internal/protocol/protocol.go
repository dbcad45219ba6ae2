// Package protocol 定义客户端与 Hub 之间的实时事件格式。
// 每一帧都是一个 JSON 文本：{"event": "...", "data": {...}}。
package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// 客户端 -> Hub
const (
	EventJoinChat    = "join-chat"
	EventLeaveChat   = "leave-chat"
	EventSendMessage = "send-message"
	EventTyping      = "typing"
)

// Hub -> 客户端
const (
	EventOnlineUsers = "online-users"
	EventUserOnline  = "user-online"
	EventUserOffline = "user-offline"
	EventNewMessage  = "new-message"
	EventSocketError = "socket-error"
)

// TempIDPrefix 标记客户端生成的临时消息 ID。
const TempIDPrefix = "temp-"

var ErrMalformed = errors.New("malformed frame")

type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

type SendMessage struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
	ClientID       string `json:"clientId,omitempty"`
}

type Typing struct {
	UserID         string `json:"userId,omitempty"`
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type OnlineUsers struct {
	UserIDs []string `json:"userIds"`
}

type Presence struct {
	UserID string `json:"userId"`
}

type SocketError struct {
	Message string `json:"message"`
}

type Sender struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Message 是广播给客户端的富化消息，REST 历史接口复用同一结构。
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Sender         Sender    `json:"sender"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"createdAt"`
	ClientID       string    `json:"clientId,omitempty"`
}

// Encode 将事件与载荷编码为一帧。
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// Decode 解析一帧，只校验外层结构。
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return env, ErrMalformed
	}
	if strings.TrimSpace(env.Event) == "" {
		return env, ErrMalformed
	}
	return env, nil
}

// DecodeConversationRef 同时接受 "id" 与 {"conversationId":"id"} 两种写法。
func DecodeConversationRef(raw json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return strings.TrimSpace(id), nil
	}
	var ref ConversationRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", ErrMalformed
	}
	return strings.TrimSpace(ref.ConversationID), nil
}

// IsTempID 判断 ID 是否为客户端临时 ID。
func IsTempID(id string) bool { return strings.HasPrefix(id, TempIDPrefix) }
