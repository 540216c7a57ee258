package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// limitRule is a fixed-window request budget.
type limitRule struct {
	Limit  int
	Window time.Duration
}

// Limiter enforces per-caller fixed-window rate limits in Redis.
// Authenticated callers are budgeted by user id, anonymous callers by
// address. Redis trouble never blocks a request: the limiter fails open.
type Limiter struct {
	rdb         redis.UniversalClient
	defaultRule limitRule
	rules       map[string]limitRule
}

// NewLimiter returns a Limiter with the per-endpoint budgets of the
// service: listing is generous, token minting is tight, health checks
// are effectively unmetered.
func NewLimiter(rdb redis.UniversalClient, prefix string) *Limiter {
	return &Limiter{
		rdb:         rdb,
		defaultRule: limitRule{Limit: 100, Window: time.Minute},
		rules: map[string]limitRule{
			prefix + "/transactions": {Limit: 200, Window: time.Minute},
			prefix + "/auth/token":   {Limit: 10, Window: time.Minute},
			prefix + "/health":       {Limit: 1000, Window: time.Minute},
		},
	}
}

func (l *Limiter) rule(path string) limitRule {
	if r, ok := l.rules[path]; ok {
		return r
	}
	return l.defaultRule
}

// decision is the outcome of one rate-limit check. A fail-open decision
// carries zero bookkeeping.
type decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     int64
}

// check consumes one request from the caller's window. The counter is
// seeded at limit-1 on the first request and decremented thereafter;
// a counter at zero denies until the window key expires.
func (l *Limiter) check(ctx context.Context, identity, path string) decision {
	var r = l.rule(path)
	var key = "rate_limit:" + identity + ":" + path

	var current, err = l.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		if err := l.rdb.SetEx(ctx, key, r.Limit-1, r.Window).Err(); err != nil {
			return l.failOpen(key, err)
		}
		return decision{
			Allowed:   true,
			Limit:     r.Limit,
			Remaining: r.Limit - 1,
			Reset:     time.Now().Add(r.Window).Unix(),
		}
	}
	if err != nil {
		return l.failOpen(key, err)
	}

	var remaining int
	if remaining, err = strconv.Atoi(current); err != nil {
		return l.failOpen(key, err)
	}
	if remaining <= 0 {
		return decision{Allowed: false, Limit: r.Limit, Reset: l.reset(ctx, key, r)}
	}

	var left int64
	if left, err = l.rdb.Decr(ctx, key).Result(); err != nil {
		return l.failOpen(key, err)
	}
	if left < 0 {
		left = 0
	}
	return decision{
		Allowed:   true,
		Limit:     r.Limit,
		Remaining: int(left),
		Reset:     l.reset(ctx, key, r),
	}
}

// reset returns the unix time the window key expires, assuming a full
// window when Redis reports no TTL.
func (l *Limiter) reset(ctx context.Context, key string, r limitRule) int64 {
	var ttl, err = l.rdb.TTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		ttl = r.Window
	}
	return time.Now().Add(ttl).Unix()
}

func (l *Limiter) failOpen(key string, err error) decision {
	log.WithFields(log.Fields{"key": key, "error": err}).Warn("rate limit check failed, allowing request")
	return decision{Allowed: true}
}

// rateLimit meters requests when a limiter is configured. Denials carry
// the window bookkeeping in both headers and body; allowed responses
// carry the same headers.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		var identity string
		if userID := userFrom(r.Context()); userID != "" {
			identity = "user:" + userID
		} else {
			identity = "ip:" + clientIP(r)
		}

		var d = s.limiter.check(r.Context(), identity, r.URL.Path)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset, 10))

		if !d.Allowed {
			var retryAfter = d.Reset - time.Now().Unix()
			if retryAfter < 1 {
				retryAfter = 1
			}
			log.WithFields(log.Fields{
				"identity": identity,
				"path":     r.URL.Path,
				"limit":    d.Limit,
			}).Warn("rate limit exceeded")
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":       "Rate limit exceeded",
				"message":     "Too many requests. Please try again later.",
				"retry_after": retryAfter,
				"limit":       d.Limit,
				"reset":       d.Reset,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
