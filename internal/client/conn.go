package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"whisper/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrBacklog      = errors.New("outbound queue full")
	ErrOffline      = errors.New("not connected")
)

const (
	writeWait     = 10 * time.Second
	outboundQueue = 256
)

type ConnConfig struct {
	URL        string
	Token      string
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Conn 维护单个 websocket，断线后按指数退避重连。
// 发送只入队不阻塞；断线期间拒绝发送，上一次连接未写出的帧在重连时丢弃，不会自动补发。
type Conn struct {
	cfg    ConnConfig
	dialer *websocket.Dialer
	out    chan []byte
	online atomic.Bool
	log    zerolog.Logger

	onEvent   func(protocol.Envelope)
	onConnect func() [][]byte
	onState   func(bool)
}

func NewConn(cfg ConnConfig, logger zerolog.Logger) *Conn {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Conn{
		cfg:       cfg,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		out:       make(chan []byte, outboundQueue),
		log:       logger,
		onEvent:   func(protocol.Envelope) {},
		onConnect: func() [][]byte { return nil },
		onState:   func(bool) {},
	}
}

// Send 编码并入队一帧；未连接时返回 ErrOffline，队列满时返回 ErrBacklog。
func (c *Conn) Send(event string, data any) error {
	if !c.online.Load() {
		return ErrOffline
	}
	frame, err := protocol.Encode(event, data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	select {
	case c.out <- frame:
		return nil
	default:
		return ErrBacklog
	}
}

// Run 阻塞直到 ctx 结束或服务端拒绝凭证。
func (c *Conn) Run(ctx context.Context) error {
	delay := c.cfg.MinBackoff
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		if connected {
			delay = c.cfg.MinBackoff
		}
		c.log.Warn().Err(err).Dur("retry_in", delay).Msg("connection lost")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.cfg.MaxBackoff {
			delay = c.cfg.MaxBackoff
		}
	}
}

// discardStale 清空上一次连接留下的待写帧，返回丢弃数量。
func (c *Conn) discardStale() int {
	n := 0
	for {
		select {
		case <-c.out:
			n++
		default:
			return n
		}
	}
}

func (c *Conn) session(ctx context.Context) (bool, error) {
	header := http.Header{"Authorization": {"Bearer " + c.cfg.Token}}
	ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, ErrUnauthorized
		}
		return false, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	defer ws.Close()

	if n := c.discardStale(); n > 0 {
		c.log.Debug().Int("frames", n).Msg("dropped frames queued before reconnect")
	}
	for _, frame := range c.onConnect() {
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			return true, fmt.Errorf("write: %w", err)
		}
	}
	c.online.Store(true)
	c.onState(true)
	defer func() {
		c.online.Store(false)
		c.onState(false)
	}()
	c.log.Info().Str("url", c.cfg.URL).Msg("connected")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return fmt.Errorf("read: %w", err)
			}
			env, err := protocol.Decode(data)
			if err != nil {
				c.log.Warn().Err(err).Msg("decode frame")
				continue
			}
			c.onEvent(env)
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				return nil
			case frame := <-c.out:
				_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
					return fmt.Errorf("write: %w", err)
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		return ws.Close()
	})
	return true, g.Wait()
}
