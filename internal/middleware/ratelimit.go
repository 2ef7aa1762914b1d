package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/kbimport/internal/pkg/errcode"
	"github.com/xxxsen/kbimport/internal/pkg/response"
)

// rateLimiter allows one request per window for each team, user and route.
type rateLimiter struct {
	mu            sync.Mutex
	window        time.Duration
	last          map[string]time.Time
	sweepInterval time.Duration
	lastSweep     time.Time
	now           func() time.Time
}

func RateLimit(window time.Duration) gin.HandlerFunc {
	limiter := &rateLimiter{
		window:        window,
		last:          make(map[string]time.Time),
		sweepInterval: time.Minute,
		now:           time.Now,
	}
	return limiter.handle
}

func (l *rateLimiter) handle(c *gin.Context) {
	if l.window <= 0 {
		c.Next()
		return
	}
	uid := c.GetString(ContextUserIDKey)
	if uid == "" {
		uid = c.ClientIP()
	}
	team := c.GetString(ContextTeamIDKey)
	path := c.FullPath()
	if path == "" {
		path = c.Request.URL.Path
	}
	key := strings.Join([]string{team, uid, path}, "|")

	now := l.now()
	l.mu.Lock()
	if now.Sub(l.lastSweep) >= l.sweepInterval {
		l.cleanupExpiredLocked(now)
	}
	last, exists := l.last[key]
	if exists && now.Sub(last) < l.window {
		l.mu.Unlock()
		logutil.GetLogger(c.Request.Context()).Warn("rate limit hit",
			zap.String("team_id", team),
			zap.String("user_id", uid),
			zap.String("path", path),
		)
		response.Error(c, errcode.ErrTooMany, http.StatusText(http.StatusTooManyRequests))
		c.Abort()
		return
	}
	l.last[key] = now
	l.mu.Unlock()
	c.Next()
}

func (l *rateLimiter) cleanupExpiredLocked(now time.Time) {
	for key, last := range l.last {
		if now.Sub(last) >= l.window {
			delete(l.last, key)
		}
	}
	l.lastSweep = now
}
