package ws

import (
	"hash/fnv"
	"sort"
	"sync"
)

const shardCount = 32

const (
	chatRoomPrefix = "chat:"
	userRoomPrefix = "user:"
)

// ChatRoom 返回会话房间名。
func ChatRoom(conversationID string) string { return chatRoomPrefix + conversationID }

// UserRoom 返回用户房间名，用户的每条连接都会自动加入。
func UserRoom(userID string) string { return userRoomPrefix + userID }

func shardOf(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

type roomShard struct {
	mu    sync.Mutex
	rooms map[string]map[*Client]struct{}
}

// Router 维护房间成员关系，按房间名分片加锁，不同分片互不阻塞。
type Router struct {
	shards [shardCount]roomShard
}

func NewRouter() *Router {
	r := &Router{}
	for i := range r.shards {
		r.shards[i].rooms = make(map[string]map[*Client]struct{})
	}
	return r
}

// Join 幂等加入，返回是否为新加入。
func (r *Router) Join(room string, c *Client) bool {
	s := &r.shards[shardOf(room)]
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.rooms[room]
	if members == nil {
		members = make(map[*Client]struct{})
		s.rooms[room] = members
	}
	if _, ok := members[c]; ok {
		return false
	}
	members[c] = struct{}{}
	return true
}

// Leave 幂等离开，房间为空时回收。
func (r *Router) Leave(room string, c *Client) bool {
	s := &r.shards[shardOf(room)]
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.rooms[room]
	if _, ok := members[c]; !ok {
		return false
	}
	delete(members, c)
	if len(members) == 0 {
		delete(s.rooms, room)
	}
	return true
}

// Members 返回房间当前连接数。
func (r *Router) Members(room string) int {
	s := &r.shards[shardOf(room)]
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms[room])
}

// Broadcast 向多个房间扇出同一帧，每条连接每次调用至多收到一次，exclude 可为 nil。
// 涉及的分片按序号升序加锁并在投递期间持有，保证同一房间内所有成员看到相同的顺序。
func (r *Router) Broadcast(rooms []string, frame []byte, exclude *Client) int {
	idx := make([]int, 0, len(rooms))
	seenShard := make(map[int]struct{}, len(rooms))
	for _, room := range rooms {
		i := shardOf(room)
		if _, ok := seenShard[i]; ok {
			continue
		}
		seenShard[i] = struct{}{}
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		r.shards[i].mu.Lock()
	}
	defer func() {
		for j := len(idx) - 1; j >= 0; j-- {
			r.shards[idx[j]].mu.Unlock()
		}
	}()

	delivered := 0
	sent := make(map[*Client]struct{})
	for _, room := range rooms {
		for c := range r.shards[shardOf(room)].rooms[room] {
			if c == exclude {
				continue
			}
			if _, ok := sent[c]; ok {
				continue
			}
			sent[c] = struct{}{}
			if c.enqueue(frame) {
				delivered++
			}
		}
	}
	return delivered
}
