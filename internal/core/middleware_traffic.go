package core

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pipagent/internal/types"
)

// limiterIdleTTL is how long an unused client bucket is kept.
const limiterIdleTTL = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientRateLimiter keeps one token bucket per client key.
type ClientRateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	limit     rate.Limit
	burst     int
	now       func() time.Time
	lastSweep time.Time
}

// NewClientRateLimiter returns a limiter allowing rps sustained requests per
// client with the given burst.
func NewClientRateLimiter(rps float64, burst int) *ClientRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &ClientRateLimiter{
		clients: make(map[string]*clientLimiter),
		limit:   rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
	}
}

// Allow consumes one token for key and reports the tokens left.
func (l *ClientRateLimiter) Allow(key string) (allowed bool, remaining int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > limiterIdleTTL {
		for k, c := range l.clients {
			if now.Sub(c.lastSeen) > limiterIdleTTL {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}

	c, ok := l.clients[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = now

	allowed = c.limiter.AllowN(now, 1)
	remaining = int(math.Max(0, math.Floor(c.limiter.TokensAt(now))))
	return allowed, remaining
}

// Burst returns the bucket size advertised in X-RateLimit-Limit.
func (l *ClientRateLimiter) Burst() int {
	return l.burst
}

// RateLimit enforces the per-client token bucket. Authenticated callers are
// keyed by user id, everyone else by client IP.
func (s *Server) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.RateLimiter == nil || r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		key := "ip:" + extractClientIP(r)
		if actor, ok := types.GetActor(r.Context()); ok && actor.ID != "" {
			key = "user:" + actor.ID
		}

		allowed, remaining := s.RateLimiter.Allow(key)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.RateLimiter.Burst()))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			s.Logger.WarnContext(r.Context(), "rate limit exceeded",
				slog.String("client", key),
				slog.String("path", r.URL.Path),
			)
			w.Header().Set("Retry-After", "1")
			Error(w, r, types.NewAppError(types.ErrCodeRateLimit, "Rate limit exceeded. Please retry shortly.", nil))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractClientIP prefers the first X-Forwarded-For entry and falls back to
// RemoteAddr without its port.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
