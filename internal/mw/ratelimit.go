package mw

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"whisper/internal/metrics"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter 按 key 维护令牌桶，空闲超过 ttl 的桶由 gc 回收。
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	r       rate.Limit
	b       int
	ttl     time.Duration
	stop    chan struct{}
	once    sync.Once
}

func NewLimiter(r rate.Limit, burst int, ttl time.Duration) *Limiter {
	return &Limiter{buckets: make(map[string]*bucket), r: r, b: burst, ttl: ttl, stop: make(chan struct{})}
}

// Reserve 消耗一个令牌；被拒绝时返回需要等待的时长。
func (l *Limiter) Reserve(key string) (bool, time.Duration) {
	l.mu.Lock()
	bk, ok := l.buckets[key]
	if !ok {
		bk = &bucket{lim: rate.NewLimiter(l.r, l.b)}
		l.buckets[key] = bk
	}
	bk.seen = time.Now()
	l.mu.Unlock()

	if bk.lim.Allow() {
		return true, 0
	}
	if l.r <= 0 {
		return false, time.Duration(math.MaxInt64)
	}
	return false, time.Duration(float64(time.Second) / float64(l.r))
}

// Len 返回当前桶数量。
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range l.buckets {
		if now.Sub(v.seen) > l.ttl {
			delete(l.buckets, k)
		}
	}
}

func (l *Limiter) gc(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			l.sweep(now)
		}
	}
}

// Stop 停止 gc 协程，可重复调用。
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// RateLimit 返回一个基于 IP+路由的令牌桶限速中间件，拒绝时带 Retry-After。
func RateLimit(r rate.Limit, burst int) gin.HandlerFunc {
	l := NewLimiter(r, burst, 2*time.Minute)
	go l.gc(30 * time.Second)
	return Middleware(l)
}

// Middleware 用给定的 Limiter 构造中间件。
func Middleware(l *Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		ok, wait := l.Reserve(clientIP(c.Request.RemoteAddr) + "|" + route)
		if !ok {
			metrics.HttpRateLimited.WithLabelValues(route).Inc()
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 || wait == time.Duration(math.MaxInt64) {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
