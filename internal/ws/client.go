package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"whisper/internal/metrics"
	"whisper/internal/models"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 16
	sendBuffer     = 256
)

var clientSeq atomic.Uint64

// Client 是一条已鉴权的连接，生命周期内只属于一个用户。
type Client struct {
	id      uint64
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
	log     zerolog.Logger

	finalized atomic.Bool

	userID string
	name   string
	avatar string

	// rooms 只由该连接自己的读协程修改。
	mu    sync.Mutex
	rooms map[string]struct{}
}

func newClient(h *Hub, conn *websocket.Conn, user *models.User) *Client {
	id := clientSeq.Add(1)
	return &Client{
		id:      id,
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(h.eventRate, h.eventBurst),
		log:     h.log.With().Uint64("conn_id", id).Str("user_id", user.ID).Logger(),
		userID:  user.ID,
		name:    user.Name,
		avatar:  user.Avatar,
		rooms:   make(map[string]struct{}),
	}
}

// UserID 返回连接所属用户。
func (c *Client) UserID() string { return c.userID }

// enqueue 非阻塞投递；缓冲区满说明对端过慢，直接断开，由读协程的收尾逻辑清理。
func (c *Client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		metrics.FanoutDropped.Inc()
		return false
	default:
	}
	select {
	case c.send <- frame:
		metrics.FanoutDelivered.Inc()
		return true
	default:
		metrics.FanoutDropped.Inc()
		c.log.Warn().Msg("outbound buffer full, closing slow connection")
		c.close()
		return false
	}
}

// close 可重复调用；关闭底层连接会让读协程退出并触发清理。
func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) addRoom(room string) {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) removeRoom(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

func (c *Client) takeRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	c.rooms = make(map[string]struct{})
	return out
}

func (c *Client) inRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

// readPump 在连接的 handler 协程中运行；Disconnect 作为 defer 收尾，任何退出路径都会执行。
func (c *Client) readPump() {
	c.hub.Connect(c)
	defer c.hub.Disconnect(c)
	// 已登记但未被 Shutdown 收集到的连接在这里自行退出。
	if c.hub.closing.Load() {
		return
	}

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Debug().Err(err).Msg("read")
			}
			return
		}
		c.hub.HandleFrame(c, data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
