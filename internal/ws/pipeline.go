package ws

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"whisper/internal/metrics"
	"whisper/internal/protocol"
)

const (
	MaxTextRunes    = 4000
	maxClientIDSize = 64
)

// handleSend 依次执行 校验 -> 落库 -> 更新会话指针 -> 广播。
// 落库失败不广播；指针更新失败只记日志，消息照常广播。
func (h *Hub) handleSend(c *Client, raw json.RawMessage) error {
	var in protocol.SendMessage
	if len(raw) == 0 || json.Unmarshal(raw, &in) != nil {
		metrics.WsMessageFailures.WithLabelValues("validate").Inc()
		return fmt.Errorf("%w: malformed send-message", ErrValidation)
	}
	text := strings.TrimSpace(in.Text)
	switch {
	case text == "":
		metrics.WsMessageFailures.WithLabelValues("validate").Inc()
		return fmt.Errorf("%w: message text is required", ErrValidation)
	case utf8.RuneCountInString(text) > MaxTextRunes:
		metrics.WsMessageFailures.WithLabelValues("validate").Inc()
		return fmt.Errorf("%w: message text is too long", ErrValidation)
	case len(in.ClientID) > maxClientIDSize:
		metrics.WsMessageFailures.WithLabelValues("validate").Inc()
		return fmt.Errorf("%w: client id is too long", ErrValidation)
	}

	conv, err := h.conversationFor(c, strings.TrimSpace(in.ConversationID))
	if err != nil {
		if isValidation(err) {
			metrics.WsMessageFailures.WithLabelValues("validate").Inc()
			return err
		}
		metrics.WsMessageFailures.WithLabelValues("lookup").Inc()
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	msg, err := h.store.CreateMessage(h.ctx, conv.ID, c.userID, text)
	if err != nil {
		metrics.WsMessageFailures.WithLabelValues("persist").Inc()
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if err := h.store.UpdateLastMessage(h.ctx, conv.ID, msg.ID, msg.CreatedAt); err != nil {
		metrics.WsMessageFailures.WithLabelValues("link").Inc()
		c.log.Error().Err(fmt.Errorf("%w: %v", ErrLinkUpdate, err)).
			Str("conversation_id", conv.ID).Str("message_id", msg.ID).Msg("link message")
	}

	frame, err := protocol.Encode(protocol.EventNewMessage, protocol.Message{
		ID:             msg.ID,
		ConversationID: conv.ID,
		Sender:         protocol.Sender{ID: c.userID, Name: c.name, Avatar: c.avatar},
		Text:           msg.Text,
		CreatedAt:      msg.CreatedAt,
		ClientID:       in.ClientID,
	})
	if err != nil {
		metrics.WsMessageFailures.WithLabelValues("encode").Inc()
		return fmt.Errorf("encode new-message: %w", err)
	}

	rooms := []string{ChatRoom(conv.ID)}
	for _, id := range conv.ParticipantIDs() {
		rooms = append(rooms, UserRoom(id))
	}
	n := h.rooms.Broadcast(rooms, frame, nil)
	metrics.WsMessagesTotal.Inc()
	c.log.Debug().Str("conversation_id", conv.ID).Str("message_id", msg.ID).Int("delivered", n).Msg("message broadcast")
	return nil
}
