// Package client 是聊天客户端的本地缓存：乐观插入、服务端确认对账、在线与输入状态。
// State 是不可变值，所有修改都会生成新的 State，由 Store 的单一写协程发布。
package client

import (
	"sort"
	"time"

	"whisper/internal/protocol"
)

// Entry 是会话中的一条消息；Pending 为 true 时 ID 是临时 ID。
type Entry struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderName     string
	Text           string
	CreatedAt      time.Time
	ClientID       string
	Pending        bool
}

// Preview 是会话列表中的最后一条消息摘要。
type Preview struct {
	MessageID string
	SenderID  string
	Text      string
	CreatedAt time.Time
}

type State struct {
	Me        string
	Messages  map[string][]Entry
	Previews  map[string]Preview
	Unread    map[string]bool
	Online    map[string]bool
	Typing    map[string]map[string]bool
	Open      string
	Connected bool
	LastError string
}

func newState(me string) *State {
	return &State{
		Me:       me,
		Messages: map[string][]Entry{},
		Previews: map[string]Preview{},
		Unread:   map[string]bool{},
		Online:   map[string]bool{},
		Typing:   map[string]map[string]bool{},
	}
}

// clone 浅拷贝；reducer 只替换自己修改到的 map 或切片。
func (s *State) clone() *State {
	next := *s
	return &next
}

func cloneMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func entryFrom(m protocol.Message) Entry {
	return Entry{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.Sender.ID,
		SenderName:     m.Sender.Name,
		Text:           m.Text,
		CreatedAt:      m.CreatedAt,
		ClientID:       m.ClientID,
	}
}

func before(a, b Entry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func hasConfirmed(list []Entry, id string) bool {
	for _, e := range list {
		if !e.Pending && e.ID == id {
			return true
		}
	}
	return false
}

// insertConfirmed 在已确认区间内按 (CreatedAt, ID) 插入，待确认条目保持在尾部。
func insertConfirmed(list []Entry, e Entry) []Entry {
	confirmed := 0
	for confirmed < len(list) && !list[confirmed].Pending {
		confirmed++
	}
	i := sort.Search(confirmed, func(i int) bool { return before(e, list[i]) })
	out := make([]Entry, 0, len(list)+1)
	out = append(out, list[:i]...)
	out = append(out, e)
	out = append(out, list[i:]...)
	return out
}

// matchPending 找到被该确认消息替换的占位条目：优先按 clientId，缺失时取同一发送者最早的占位。
func matchPending(list []Entry, m protocol.Message) int {
	if m.ClientID != "" {
		for i, e := range list {
			if e.Pending && e.ClientID == m.ClientID {
				return i
			}
		}
		return -1
	}
	for i, e := range list {
		if e.Pending && e.SenderID == m.Sender.ID {
			return i
		}
	}
	return -1
}

func (s *State) withPreview(m Entry) {
	prev, ok := s.Previews[m.ConversationID]
	if ok && !before(Entry{ID: prev.MessageID, CreatedAt: prev.CreatedAt}, m) {
		return
	}
	s.Previews = cloneMap(s.Previews)
	s.Previews[m.ConversationID] = Preview{MessageID: m.ID, SenderID: m.SenderID, Text: m.Text, CreatedAt: m.CreatedAt}
}

func addPending(s *State, e Entry) *State {
	next := s.clone()
	next.Messages = cloneMap(s.Messages)
	list := s.Messages[e.ConversationID]
	out := make([]Entry, 0, len(list)+1)
	out = append(out, list...)
	next.Messages[e.ConversationID] = append(out, e)
	return next
}

// serverID 判断 ID 是否可能来自服务端；临时 ID 会与占位条目混淆。
func serverID(id string) bool { return id != "" && !protocol.IsTempID(id) }

// applyConfirmed 合并一条服务端广播的消息，重复投递是空操作。
func applyConfirmed(s *State, m protocol.Message) *State {
	if !serverID(m.ID) {
		return s
	}
	list := s.Messages[m.ConversationID]
	if hasConfirmed(list, m.ID) {
		return dropPending(s, m)
	}
	if i := matchPending(list, m); i >= 0 {
		trimmed := make([]Entry, 0, len(list))
		trimmed = append(trimmed, list[:i]...)
		list = append(trimmed, list[i+1:]...)
	}

	next := s.clone()
	next.Messages = cloneMap(s.Messages)
	e := entryFrom(m)
	next.Messages[m.ConversationID] = insertConfirmed(list, e)
	next.withPreview(e)

	if m.Sender.ID != s.Me && s.Open != m.ConversationID && !s.Unread[m.ConversationID] {
		next.Unread = cloneMap(s.Unread)
		next.Unread[m.ConversationID] = true
	}
	if _, ok := s.Typing[m.ConversationID]; ok {
		next.Typing = cloneMap(s.Typing)
		delete(next.Typing, m.ConversationID)
	}
	return next
}

// dropPending 处理已由历史记录合并过的确认消息：只移除 clientId 对应的占位。
func dropPending(s *State, m protocol.Message) *State {
	if m.ClientID == "" {
		return s
	}
	list := s.Messages[m.ConversationID]
	i := matchPending(list, m)
	if i < 0 {
		return s
	}
	trimmed := make([]Entry, 0, len(list)-1)
	trimmed = append(trimmed, list[:i]...)
	trimmed = append(trimmed, list[i+1:]...)
	next := s.clone()
	next.Messages = cloneMap(s.Messages)
	next.Messages[m.ConversationID] = trimmed
	return next
}

// loadHistory 合并 REST 拉取的历史消息，已存在的 ID 跳过，不影响未读与占位条目。
func loadHistory(s *State, conversationID string, msgs []protocol.Message) *State {
	list := s.Messages[conversationID]
	next := s.clone()
	changed := false
	for _, m := range msgs {
		if m.ConversationID != conversationID || !serverID(m.ID) || hasConfirmed(list, m.ID) {
			continue
		}
		e := entryFrom(m)
		e.ClientID = ""
		list = insertConfirmed(list, e)
		next.withPreview(e)
		changed = true
	}
	if !changed {
		return s
	}
	next.Messages = cloneMap(s.Messages)
	next.Messages[conversationID] = list
	return next
}

func openConversation(s *State, id string) *State {
	next := s.clone()
	next.Open = id
	if s.Unread[id] {
		next.Unread = cloneMap(s.Unread)
		delete(next.Unread, id)
	}
	return next
}

func setOnline(s *State, ids []string) *State {
	next := s.clone()
	next.Online = make(map[string]bool, len(ids))
	for _, id := range ids {
		next.Online[id] = true
	}
	return next
}

func markOnline(s *State, id string, online bool) *State {
	if s.Online[id] == online {
		return s
	}
	next := s.clone()
	next.Online = cloneMap(s.Online)
	if online {
		next.Online[id] = true
	} else {
		delete(next.Online, id)
	}
	return next
}

func setTyping(s *State, t protocol.Typing) *State {
	if t.UserID == s.Me || s.Typing[t.ConversationID][t.UserID] == t.IsTyping {
		return s
	}
	next := s.clone()
	next.Typing = cloneMap(s.Typing)
	users := cloneMap(s.Typing[t.ConversationID])
	if t.IsTyping {
		users[t.UserID] = true
	} else {
		delete(users, t.UserID)
	}
	if len(users) == 0 {
		delete(next.Typing, t.ConversationID)
	} else {
		next.Typing[t.ConversationID] = users
	}
	return next
}
