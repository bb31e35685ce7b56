package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per client IP. Idle buckets are
// evicted by a background sweep so the request path never pays for map
// cleanup.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*rateLimiterClient

	rate  rate.Limit
	burst int
	ttl   time.Duration
}

type rateLimiterClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(r rate.Limit, burst int, ttl time.Duration) *RateLimiter {
	l := &RateLimiter{
		clients: make(map[string]*rateLimiterClient),
		rate:    r,
		burst:   burst,
		ttl:     ttl,
	}
	if ttl > 0 {
		go l.sweep()
	}
	return l
}

// Middleware rejects over-limit requests with 429 and a Retry-After
// hint telling the client when the bucket next frees up.
func (l *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reservation := l.limiterFor(c.RealIP()).Reserve()
			if !reservation.OK() {
				return echo.NewHTTPError(http.StatusTooManyRequests, "too many requests")
			}
			if delay := reservation.Delay(); delay > 0 {
				reservation.Cancel()
				c.Response().Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
				return echo.NewHTTPError(http.StatusTooManyRequests, "too many requests")
			}
			return next(c)
		}
	}
}

func (l *RateLimiter) limiterFor(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	client, ok := l.clients[ip]
	if !ok {
		client = &rateLimiterClient{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[ip] = client
	}
	client.lastSeen = time.Now()
	return client.limiter
}

// sweep runs for the life of the process; limiters are created once at
// route registration and never torn down.
func (l *RateLimiter) sweep() {
	ticker := time.NewTicker(l.ttl)
	defer ticker.Stop()
	for range ticker.C {
		l.evictIdle(time.Now().Add(-l.ttl))
	}
}

func (l *RateLimiter) evictIdle(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, client := range l.clients {
		if client.lastSeen.Before(cutoff) {
			delete(l.clients, ip)
		}
	}
}
