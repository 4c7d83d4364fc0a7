package handler

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// rateLimiter 按 (凭证散列, 客户端地址, 方法) 维护独立限流器
type rateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	rps     rate.Limit
	burst   int
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	return &rateLimiter{
		entries: make(map[string]*limiterEntry),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

func (r *rateLimiter) get(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	entry, ok := r.entries[key]
	if !ok {
		// 顺带清理久未出现的键，避免映射无界增长
		for k, e := range r.entries {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(r.entries, k)
			}
		}
		entry = &limiterEntry{lim: rate.NewLimiter(r.rps, r.burst)}
		r.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.lim
}

// RateLimit 对超限请求返回 429 并附 Retry-After 提示
func RateLimit(rps float64, burst int) gin.HandlerFunc {
	rl := newRateLimiter(rps, burst)
	return func(c *gin.Context) {
		key := fmt.Sprintf("%s|%s|%s", credentialHash(c), c.ClientIP(), c.Request.Method)

		res := rl.get(key).Reserve()
		if !res.OK() || res.Delay() > 0 {
			delay := time.Second
			if res.OK() {
				delay = res.Delay()
				res.Cancel()
			}
			seconds := int(math.Ceil(delay.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			respondError(c, http.StatusTooManyRequests, "rate_limited", "请求过于频繁，请稍后重试")
			c.Abort()
			return
		}

		c.Next()
	}
}
