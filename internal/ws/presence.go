package ws

import (
	"context"
	"sort"
	"sync"
	"time"

	"whisper/internal/metrics"
	"whisper/internal/protocol"

	"github.com/rs/zerolog"
)

// PresenceMirror 把上下线变化同步到外部存储（例如 Redis），失败只记录日志。
type PresenceMirror interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
}

type presenceKind int

const (
	presenceOnline presenceKind = iota
	presenceOffline
	presenceSnapshot
	presenceBarrier
)

type presenceEvent struct {
	kind   presenceKind
	userID string
	target *Client
	done   chan struct{}
}

type presenceShard struct {
	mu    sync.Mutex
	users map[string]map[*Client]struct{}
}

// Presence 记录 userID -> 在线连接集合。
// 上下线只在 0->1、1->0 时产生事件，事件在用户分片锁内入队，
// 由单个分发协程按入队顺序扇出，快照在分发时才计算。
type Presence struct {
	shards [shardCount]presenceShard
	mirror PresenceMirror
	log    zerolog.Logger

	qmu      sync.Mutex
	queue    []presenceEvent
	notify   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	exited   chan struct{}

	onlineMu sync.Mutex
	online   int
}

func NewPresence(mirror PresenceMirror, logger zerolog.Logger) *Presence {
	p := &Presence{
		mirror: mirror,
		log:    logger,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	for i := range p.shards {
		p.shards[i].users = make(map[string]map[*Client]struct{})
	}
	go p.dispatch()
	return p
}

// Register 登记连接；首条连接广播 user-online，新连接总会单独收到一次在线快照。
func (p *Presence) Register(c *Client) bool {
	s := &p.shards[shardOf(c.userID)]
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := s.users[c.userID]
	if conns == nil {
		conns = make(map[*Client]struct{})
		s.users[c.userID] = conns
	}
	if _, ok := conns[c]; ok {
		return false
	}
	conns[c] = struct{}{}
	first := len(conns) == 1
	if first {
		p.adjustOnline(1)
		p.push(presenceEvent{kind: presenceOnline, userID: c.userID})
	}
	p.push(presenceEvent{kind: presenceSnapshot, target: c})
	return first
}

// Unregister 注销连接；只有最后一条连接关闭才广播 user-offline。
func (p *Presence) Unregister(c *Client) bool {
	s := &p.shards[shardOf(c.userID)]
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := s.users[c.userID]
	if _, ok := conns[c]; !ok {
		return false
	}
	delete(conns, c)
	if len(conns) > 0 {
		return false
	}
	delete(s.users, c.userID)
	p.adjustOnline(-1)
	p.push(presenceEvent{kind: presenceOffline, userID: c.userID})
	return true
}

// IsOnline 当且仅当用户至少有一条存活连接。
func (p *Presence) IsOnline(userID string) bool {
	return p.Count(userID) > 0
}

// Count 返回用户的存活连接数。
func (p *Presence) Count(userID string) int {
	s := &p.shards[shardOf(userID)]
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users[userID])
}

// Snapshot 返回当前在线用户（已排序）。
func (p *Presence) Snapshot() []string {
	out := make([]string, 0)
	for i := range p.shards {
		s := &p.shards[i]
		s.mu.Lock()
		for u := range s.users {
			out = append(out, u)
		}
		s.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

// clients 返回所有存活连接，可排除某个用户。
func (p *Presence) clients(excludeUser string) []*Client {
	var out []*Client
	for i := range p.shards {
		s := &p.shards[i]
		s.mu.Lock()
		for u, conns := range s.users {
			if u == excludeUser {
				continue
			}
			for c := range conns {
				out = append(out, c)
			}
		}
		s.mu.Unlock()
	}
	return out
}

func (p *Presence) adjustOnline(delta int) {
	p.onlineMu.Lock()
	p.online += delta
	metrics.OnlineUsers.Set(float64(p.online))
	p.onlineMu.Unlock()
}

// push 永不阻塞，可在分片锁内调用；锁顺序固定为 分片锁 -> 队列锁。
func (p *Presence) push(ev presenceEvent) {
	p.qmu.Lock()
	p.queue = append(p.queue, ev)
	p.qmu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Presence) pop() []presenceEvent {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	evs := p.queue
	p.queue = nil
	return evs
}

func (p *Presence) dispatch() {
	defer close(p.exited)
	for {
		select {
		case <-p.notify:
			for _, ev := range p.pop() {
				p.deliver(ev)
			}
		case <-p.stop:
			for _, ev := range p.pop() {
				p.deliver(ev)
			}
			return
		}
	}
}

func (p *Presence) deliver(ev presenceEvent) {
	switch ev.kind {
	case presenceOnline:
		p.fanout(protocol.EventUserOnline, ev.userID)
		p.mirrorCall(ev.userID, true)
	case presenceOffline:
		p.fanout(protocol.EventUserOffline, ev.userID)
		p.mirrorCall(ev.userID, false)
	case presenceSnapshot:
		frame, err := protocol.Encode(protocol.EventOnlineUsers, protocol.OnlineUsers{UserIDs: p.Snapshot()})
		if err != nil {
			p.log.Error().Err(err).Msg("encode online snapshot")
			return
		}
		ev.target.enqueue(frame)
	case presenceBarrier:
		close(ev.done)
	}
}

func (p *Presence) fanout(event, userID string) {
	frame, err := protocol.Encode(event, protocol.Presence{UserID: userID})
	if err != nil {
		p.log.Error().Err(err).Str("event", event).Msg("encode presence")
		return
	}
	for _, c := range p.clients(userID) {
		c.enqueue(frame)
	}
}

func (p *Presence) mirrorCall(userID string, online bool) {
	if p.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var err error
	if online {
		err = p.mirror.SetOnline(ctx, userID)
	} else {
		err = p.mirror.SetOffline(ctx, userID)
	}
	if err != nil {
		p.log.Warn().Err(err).Str("user_id", userID).Bool("online", online).Msg("presence mirror")
	}
}

// flush 等待此前入队的事件全部分发完毕。
func (p *Presence) flush() {
	done := make(chan struct{})
	p.push(presenceEvent{kind: presenceBarrier, done: done})
	select {
	case <-done:
	case <-p.exited:
	}
}

// Close 分发完剩余事件后停止分发协程。
func (p *Presence) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.exited
}
