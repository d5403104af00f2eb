package handlers

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/example/lesion-triage/internal/auth"
)

// CallerLimiter is an in-memory token bucket per authenticated caller.
type CallerLimiter struct {
	perMinute int
	burst     int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewCallerLimiter allows perMinute requests per caller, with bursts up to perMinute. Values
// below 1 disable limiting.
func NewCallerLimiter(perMinute int) *CallerLimiter {
	return &CallerLimiter{
		perMinute: perMinute,
		burst:     perMinute,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Allow reports whether key may proceed now.
func (l *CallerLimiter) Allow(key string) bool {
	if l.perMinute < 1 {
		return true
	}
	return l.limiter(key).Allow()
}

func (l *CallerLimiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(l.perMinute)/time.Minute.Seconds()), l.burst)
		l.limiters[key] = limiter
	}
	return limiter
}

// Middleware answers 429 once a caller exhausts its bucket. It must run after
// auth.JWTMiddleware; unauthenticated requests share the client IP bucket.
func (l *CallerLimiter) Middleware() gin.HandlerFunc {
	retryAfter := "60"
	if l.perMinute > 0 {
		retryAfter = strconv.Itoa(int(math.Ceil(60 / float64(l.perMinute))))
	}
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if caller, ok := auth.GetCaller(c.Request.Context()); ok {
			key = "caller:" + caller.Subject()
		}
		if !l.Allow(key) {
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
