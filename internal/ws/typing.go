package ws

import (
	"encoding/json"
	"fmt"
	"strings"

	"whisper/internal/protocol"
)

// handleTyping 转发输入状态，不落库也不缓存，不在线的人不会补收。
func (h *Hub) handleTyping(c *Client, raw json.RawMessage) error {
	var in protocol.Typing
	if len(raw) == 0 || json.Unmarshal(raw, &in) != nil {
		return fmt.Errorf("%w: malformed typing", ErrValidation)
	}
	conv, err := h.conversationFor(c, strings.TrimSpace(in.ConversationID))
	if err != nil {
		return err
	}

	frame, err := protocol.Encode(protocol.EventTyping, protocol.Typing{
		UserID:         c.userID,
		ConversationID: conv.ID,
		IsTyping:       in.IsTyping,
	})
	if err != nil {
		return fmt.Errorf("encode typing: %w", err)
	}

	rooms := []string{ChatRoom(conv.ID)}
	for _, id := range conv.ParticipantIDs() {
		if id != c.userID {
			rooms = append(rooms, UserRoom(id))
		}
	}
	h.rooms.Broadcast(rooms, frame, c)
	return nil
}
