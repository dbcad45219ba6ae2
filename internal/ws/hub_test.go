package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"whisper/internal/models"
	"whisper/internal/protocol"
	"whisper/internal/service"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// fakeStore records every write so tests can assert ordering against deliveries.
type fakeStore struct {
	mu        sync.Mutex
	convs     map[string]*models.Conversation
	messages  []models.Message
	links     map[string]string
	getErr    error
	createErr error
	linkErr   error
	onCreate  func(models.Message)
	seq       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{convs: make(map[string]*models.Conversation), links: make(map[string]string)}
}

func (s *fakeStore) addConversation(id string, userIDs ...string) {
	conv := &models.Conversation{ID: id}
	for _, u := range userIDs {
		conv.Participants = append(conv.Participants, models.User{ID: u, Name: u})
	}
	s.mu.Lock()
	s.convs[id] = conv
	s.mu.Unlock()
}

func (s *fakeStore) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	conv, ok := s.convs[id]
	if !ok {
		return nil, service.ErrNotFound
	}
	return conv, nil
}

func (s *fakeStore) CreateMessage(_ context.Context, conversationID, senderID, text string) (*models.Message, error) {
	s.mu.Lock()
	if s.createErr != nil {
		s.mu.Unlock()
		return nil, s.createErr
	}
	s.seq++
	msg := models.Message{
		ID:             fmt.Sprintf("m%d", s.seq),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		CreatedAt:      time.Unix(int64(1700000000+s.seq), 0).UTC(),
	}
	s.messages = append(s.messages, msg)
	hook := s.onCreate
	s.mu.Unlock()
	if hook != nil {
		hook(msg)
	}
	return &msg, nil
}

func (s *fakeStore) UpdateLastMessage(_ context.Context, conversationID, messageID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.linkErr != nil {
		return s.linkErr
	}
	s.links[conversationID] = messageID
	return nil
}

func (s *fakeStore) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func newTestHub(t *testing.T, store Store) *Hub {
	t.Helper()
	h := NewHub(store, Options{EventsPerSecond: 1000, EventBurst: 1000})
	h.log = zerolog.Nop()
	t.Cleanup(func() { h.presence.Close() })
	return h
}

func testClient(h *Hub, userID string) *Client {
	return &Client{
		id:      clientSeq.Add(1),
		hub:     h,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Inf, 0),
		log:     zerolog.Nop(),
		userID:  userID,
		name:    "name-" + userID,
		rooms:   make(map[string]struct{}),
	}
}

// connect registers the client and discards its initial online snapshot.
func connect(t *testing.T, h *Hub, userID string) *Client {
	t.Helper()
	c := testClient(h, userID)
	h.Connect(c)
	h.presence.flush()
	env := recv(t, c)
	require.Equal(t, protocol.EventOnlineUsers, env.Event)
	return c
}

func recv(t *testing.T, c *Client) protocol.Envelope {
	t.Helper()
	select {
	case frame := <-c.send:
		env, err := protocol.Decode(frame)
		require.NoError(t, err)
		return env
	case <-time.After(time.Second):
		t.Fatalf("client %s received nothing", c.userID)
		return protocol.Envelope{}
	}
}

func expectNone(t *testing.T, c *Client) {
	t.Helper()
	select {
	case frame := <-c.send:
		t.Fatalf("client %s got unexpected frame %s", c.userID, frame)
	default:
	}
}

func drain(c *Client) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

func send(t *testing.T, h *Hub, c *Client, event string, data any) {
	t.Helper()
	frame, err := protocol.Encode(event, data)
	require.NoError(t, err)
	h.HandleFrame(c, frame)
}

func decodeMessage(t *testing.T, env protocol.Envelope) protocol.Message {
	t.Helper()
	require.Equal(t, protocol.EventNewMessage, env.Event)
	var m protocol.Message
	require.NoError(t, json.Unmarshal(env.Data, &m))
	return m
}

func socketError(t *testing.T, env protocol.Envelope) string {
	t.Helper()
	require.Equal(t, protocol.EventSocketError, env.Event)
	var e protocol.SocketError
	require.NoError(t, json.Unmarshal(env.Data, &e))
	return e.Message
}

func TestHub_SendMessage_BothParticipantsReceiveOnce(t *testing.T) {
	store := newFakeStore()
	store.addConversation("c1", "alice", "bob")
	h := newTestHub(t, store)

	a := connect(t, h, "alice")
	b := connect(t, h, "bob")
	h.presence.flush()
	drain(a)

	send(t, h, a, protocol.EventJoinChat, protocol.ConversationRef{ConversationID: "c1"})
	send(t, h, a, protocol.EventSendMessage, protocol.SendMessage{ConversationID: "c1", Text: "  hi ", ClientID: "temp-1"})

	// alice is in chat:c1 and user:alice, bob only in user:bob; each gets one copy.
	ma := decodeMessage(t, recv(t, a))
	mb := decodeMessage(t, recv(t, b))
	expectNone(t, a)
	expectNone(t, b)

	assert.Equal(t, "hi", ma.Text)
	assert.Equal(t, ma.ID, mb.ID)
	assert.Equal(t, "alice", mb.Sender.ID)
	assert.Equal(t, "name-alice", mb.Sender.Name)
	assert.Equal(t, "temp-1", ma.ClientID)
	assert.Equal(t, "c1", mb.ConversationID)

	require.Equal(t, 1, store.messageCount())
	assert.Equal(t, ma.ID, store.links["c1"])
}

func TestHub_SendMessage_PersistsBeforeBroadcast(t *testing.T) {
	store := newFakeStore()
	store.addConversation("c1", "alice", "bob")
	h := newTestHub(t, store)

	a := connect(t, h, "alice")
	b := connect(t, h, "bob")
	h.presence.flush()
	drain(a)

	var sawEarly bool
	store.onCreate = func(models.Message) {
		sawEarly = len(b.send) > 0 || len(a.send) > 0
	}

	send(t, h, a, protocol.EventSendMessage, protocol.SendMessage{ConversationID: "c1", Text: "hello"})
	assert.False(t, sawEarly, "a frame was delivered before the message was stored")

	m := decodeMessage(t, recv(t, b))
	store.mu.Lock()
	persisted := store.messages[0]
	store.mu.Unlock()
	assert.Equal(t, persisted.ID, m.ID)
	assert.True(t, persisted.CreatedAt.Equal(m.CreatedAt))
}

func TestHub_SendMessage_StorageDown(t *testing.T) {
	store := newFakeStore()
	store.addConversation("c1", "alice", "bob")
	store.createErr = errors.New("connection refused")
	h := newTestHub(t, store)

	a := connect(t, h, "alice")
	b := connect(t, h, "bob")
	h.presence.flush()
	drain(a)

	send(t, h, a, protocol.EventSendMessage, protocol.SendMessage{ConversationID: "c1", Text: "hi"})

	assert.Equal(t, "Failed to send message", socketError(t, recv(t, a)))
	expectNone(t, a)
	expectNone(t, b)
	assert.Equal(t, 0, store.messageCount())
}

func TestHub_SendMessage_LookupFailureIsPersistenceError(t *testing.T) {
	store := newFakeStore()
	store.addConversation("c1", "alice", "bob")
	store.getErr = errors.New("database is closed")
	h := newTestHub(t, store)

	a := connect(t, h, "alice")
	send(t, h, a, protocol.EventSendMessage, protocol.SendMessage{ConversationID: "c1", Text: "hi"})
	assert.Equal(t, "Failed to send message", socketError(t, recv(t, a)))
}

func TestHub_SendMessage_LinkFailureStillBroadcasts(t *testing.T) {
	store := newFakeStore()
	store.addConversation("c1", "alice", "bob")
	store.linkErr = errors.New("deadlock detected")
	h := newTestHub(t, store)

	a := connect(t, h, "alice")
	b := connect(t, h, "bob")
	h.presence.flush()
	drain(a)

	send(t, h, a, protocol.EventSendMessage, protocol.SendMessage{ConversationID: "c1", Text: "hi"})

	decodeMessage(t, recv(t, a))
	decodeMessage(t, recv(t, b))
	assert.Equal(t, 1, store.messageCount())
	assert.Empty(t, store.links)
}

func TestHub_SendMessage_Validation(t *testing.T) {
	store := newFakeStore()
	store.addConversation("c1", "alice", "bob")
	store.addConversation("c2", "bob", "carol")
	h := newTestHub(t, store)
	a := connect(t, h, "alice")

	long := make([]rune, MaxTextRunes+1)
	for i := range long {
		long[i] = 'x'
	}
	tests := []struct {
		name string
		in   protocol.SendMessage
		want string
	}{
		{"empty text", protocol.SendMessage{ConversationID: "c1", Text: "   "}, "invalid request: message text is required"},
		{"missing conversation", protocol.SendMessage{Text: "hi"}, "invalid request: conversation id is required"},
		{"unknown conversation", protocol.SendMessage{ConversationID: "nope", Text: "hi"}, "invalid request: conversation not found"},
		{"not a participant", protocol.SendMessage{ConversationID: "c2", Text: "hi"}, "invalid request: not a participant"},
		{"too long", protocol.SendMessage{ConversationID: "c1", Text: string(long)}, "invalid request: message text is too long"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send(t, h, a, protocol.EventSendMessage, tt.in)
			assert.Equal(t, tt.want, socketError(t, recv(t, a)))
			expectNone(t, a)
		})
	}
	assert.Equal(t, 0, store.messageCount())
}

func TestHub_JoinChat_RequiresParticipant(t *testing.T) {
	store := newFakeStore()
	store.addConversation("c1", "alice", "bob")
	h := newTestHub(t, store)
	carol := connect(t, h, "carol")

	send(t, h, carol, protocol.EventJoinChat, protocol.ConversationRef{ConversationID: "c1"})
	assert.Equal(t, "invalid request: not a participant", socketError(t, recv(t, carol)))
	assert.Equal(t, 0, h.rooms.Members(ChatRoom("c1")))
}

func TestHub_JoinLeave_Idempotent(t *testing.T) {
	store := newFakeStore()
	store.addConversation("c1", "alice", "bob")
	h := newTestHub(t, store)
	a := connect(t, h, "alice")

	frame := []byte(`{"event":"join-chat","data":"c1"}`)
	h.HandleFrame(a, frame)
	h.HandleFrame(a, frame)
	assert.Equal(t, 1, h.rooms.Members(ChatRoom("c1")))
	assert.True(t, a.inRoom(ChatRoom("c1")))

	send(t, h, a, protocol.EventLeaveChat, protocol.ConversationRef{ConversationID: "c1"})
	send(t, h, a, protocol.EventLeaveChat, protocol.ConversationRef{ConversationID: "c1"})
	assert.Equal(t, 0, h.rooms.Members(ChatRoom("c1")))
	assert.False(t, a.inRoom(ChatRoom("c1")))
	expectNone(t, a)
}

func TestHub_TypingRelayedOnceWithoutReplay(t *testing.T) {
	store := newFakeStore()
	store.addConversation("c1", "alice", "bob")
	h := newTestHub(t, store)
	a := connect(t, h, "alice")
	b := connect(t, h, "bob")
	drain(a)
	// bob is in both chat:c1 and user:bob, still one frame.
	send(t, h, b, protocol.EventJoinChat, "c1")

	send(t, h, a, protocol.EventTyping, protocol.Typing{ConversationID: "c1", IsTyping: true})

	env := recv(t, b)
	require.Equal(t, protocol.EventTyping, env.Event)
	var got protocol.Typing
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, protocol.Typing{UserID: "alice", ConversationID: "c1", IsTyping: true}, got)
	expectNone(t, b)
	expectNone(t, a)

	// a connection opened afterwards gets no replay.
	late := connect(t, h, "bob")
	expectNone(t, late)
	assert.Equal(t, 0, store.messageCount())
}

func TestHub_TypingRequiresParticipant(t *testing.T) {
	store := newFakeStore()
	store.addConversation("c1", "alice", "bob")
	h := newTestHub(t, store)
	b := connect(t, h, "bob")
	carol := connect(t, h, "carol")
	drain(b)

	send(t, h, carol, protocol.EventTyping, protocol.Typing{ConversationID: "c1", IsTyping: true})
	assert.Equal(t, "invalid request: not a participant", socketError(t, recv(t, carol)))
	expectNone(t, b)
}

func TestHub_MalformedAndUnknownEvents(t *testing.T) {
	h := newTestHub(t, newFakeStore())
	a := connect(t, h, "alice")

	h.HandleFrame(a, []byte("not json"))
	assert.Equal(t, "invalid request: malformed frame", socketError(t, recv(t, a)))

	h.HandleFrame(a, []byte(`{"event":"dance"}`))
	assert.Contains(t, socketError(t, recv(t, a)), "unknown event")
}

func TestHub_RateLimit(t *testing.T) {
	store := newFakeStore()
	store.addConversation("c1", "alice", "bob")
	h := newTestHub(t, store)
	a := connect(t, h, "alice")
	a.limiter = rate.NewLimiter(rate.Every(time.Hour), 1)

	send(t, h, a, protocol.EventJoinChat, "c1")
	expectNone(t, a)
	send(t, h, a, protocol.EventJoinChat, "c1")
	assert.Equal(t, "Too many events, slow down", socketError(t, recv(t, a)))
}

type panicStore struct{ *fakeStore }

func (panicStore) GetConversation(context.Context, string) (*models.Conversation, error) {
	panic("boom")
}

func TestHub_HandlerPanicIsRecovered(t *testing.T) {
	h := newTestHub(t, panicStore{newFakeStore()})
	a := connect(t, h, "alice")

	require.NotPanics(t, func() {
		send(t, h, a, protocol.EventJoinChat, "c1")
	})
	assert.Equal(t, "Internal error", socketError(t, recv(t, a)))
}

func TestHub_DisconnectDropsMemberships(t *testing.T) {
	store := newFakeStore()
	store.addConversation("c1", "alice", "bob")
	h := newTestHub(t, store)
	a := connect(t, h, "alice")
	send(t, h, a, protocol.EventJoinChat, "c1")

	h.Disconnect(a)
	h.Disconnect(a)

	assert.True(t, a.closed())
	assert.Equal(t, 0, h.rooms.Members(ChatRoom("c1")))
	assert.Equal(t, 0, h.rooms.Members(UserRoom("alice")))
	assert.False(t, h.IsOnline("alice"))
}

func TestHub_Shutdown(t *testing.T) {
	h := newTestHub(t, newFakeStore())
	a := connect(t, h, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))
	assert.True(t, a.closed())
	assert.ErrorIs(t, h.ctx.Err(), context.Canceled)
	require.NoError(t, h.Shutdown(ctx))
}
