package client

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"whisper/internal/protocol"

	"github.com/rs/zerolog"
)

type op func(*State) *State

// Store 串行应用所有修改；读者通过 Snapshot 拿到不可变快照，不需要加锁。
// 入队永不阻塞，UI 调用方可以在任意协程里使用。
type Store struct {
	cur atomic.Pointer[State]
	log zerolog.Logger

	mu      sync.Mutex
	queue   []op
	notify  chan struct{}
	stop    chan struct{}
	exited  chan struct{}
	stopped sync.Once

	subsMu sync.Mutex
	subs   []chan struct{}
}

func NewStore(me string, logger zerolog.Logger) *Store {
	s := &Store{
		log:    logger,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	s.cur.Store(newState(me))
	go s.run()
	return s
}

// Snapshot 返回当前状态，调用方不得修改。
func (s *Store) Snapshot() *State { return s.cur.Load() }

// Changes 返回一个通知通道，每次状态变化后至多积压一个信号。
func (s *Store) Changes() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.subsMu.Lock()
	s.subs = append(s.subs, ch)
	s.subsMu.Unlock()
	return ch
}

func (s *Store) enqueue(fn op) {
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Store) run() {
	defer close(s.exited)
	for {
		select {
		case <-s.notify:
			s.drain()
		case <-s.stop:
			s.drain()
			return
		}
	}
}

func (s *Store) drain() {
	s.mu.Lock()
	ops := s.queue
	s.queue = nil
	s.mu.Unlock()
	if len(ops) == 0 {
		return
	}
	changed := false
	for _, fn := range ops {
		cur := s.cur.Load()
		if next := fn(cur); next != cur {
			s.cur.Store(next)
			changed = true
		}
	}
	if !changed {
		return
	}
	s.subsMu.Lock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	s.subsMu.Unlock()
}

// Sync 等待此前入队的修改全部生效。
func (s *Store) Sync() {
	done := make(chan struct{})
	s.enqueue(func(st *State) *State {
		close(done)
		return st
	})
	select {
	case <-done:
	case <-s.exited:
	}
}

func (s *Store) Close() {
	s.stopped.Do(func() { close(s.stop) })
	<-s.exited
}

func (s *Store) AddPending(e Entry) {
	e.Pending = true
	s.enqueue(func(st *State) *State { return addPending(st, e) })
}

func (s *Store) ApplyConfirmed(m protocol.Message) {
	s.enqueue(func(st *State) *State { return applyConfirmed(st, m) })
}

func (s *Store) LoadHistory(conversationID string, msgs []protocol.Message) {
	s.enqueue(func(st *State) *State { return loadHistory(st, conversationID, msgs) })
}

// OpenConversation 打开会话并清除其未读标记。
func (s *Store) OpenConversation(id string) {
	s.enqueue(func(st *State) *State { return openConversation(st, id) })
}

func (s *Store) CloseConversation() {
	s.enqueue(func(st *State) *State {
		if st.Open == "" {
			return st
		}
		next := st.clone()
		next.Open = ""
		return next
	})
}

func (s *Store) SetConnected(connected bool) {
	s.enqueue(func(st *State) *State {
		if st.Connected == connected {
			return st
		}
		next := st.clone()
		next.Connected = connected
		return next
	})
}

func (s *Store) setError(msg string) {
	s.enqueue(func(st *State) *State {
		next := st.clone()
		next.LastError = msg
		return next
	})
}

// Apply 将一帧服务端事件折叠进状态。
func (s *Store) Apply(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventNewMessage:
		var m protocol.Message
		if s.decode(env, &m) {
			s.ApplyConfirmed(m)
		}
	case protocol.EventOnlineUsers:
		var p protocol.OnlineUsers
		if s.decode(env, &p) {
			s.enqueue(func(st *State) *State { return setOnline(st, p.UserIDs) })
		}
	case protocol.EventUserOnline, protocol.EventUserOffline:
		var p protocol.Presence
		if s.decode(env, &p) {
			online := env.Event == protocol.EventUserOnline
			s.enqueue(func(st *State) *State { return markOnline(st, p.UserID, online) })
		}
	case protocol.EventTyping:
		var t protocol.Typing
		if s.decode(env, &t) {
			s.enqueue(func(st *State) *State { return setTyping(st, t) })
		}
	case protocol.EventSocketError:
		var e protocol.SocketError
		if s.decode(env, &e) {
			s.setError(e.Message)
		}
	default:
		s.log.Debug().Str("event", env.Event).Msg("ignored event")
	}
}

func (s *Store) decode(env protocol.Envelope, v any) bool {
	if err := json.Unmarshal(env.Data, v); err != nil {
		s.log.Warn().Err(err).Str("event", env.Event).Msg("decode event")
		return false
	}
	return true
}
