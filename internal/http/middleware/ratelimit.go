// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements a lightweight, in-memory, token-bucket rate limiter
// with per-identity buckets and opportunistic garbage collection. Widget
// traffic is keyed by tenant once APIKeyAuth has run and by client IP
// otherwise; the bucket size follows the tenant's tier.
//
// Notes:
//   - This limiter is process-local. For horizontally scaled deployments,
//     prefer a distributed limiter (e.g., Redis-backed) to enforce global limits.
//   - The limiter is intended for edge-level abuse control and cost protection;
//     it is not an authorization mechanism.
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/tbourn/chatconnect-widget/internal/domain"
)

// keyFunc selects the identity used to key a rate-limit bucket.
type keyFunc func(*gin.Context) string

// KeyByTenantOrIP returns a keyFunc that prefers the authenticated tenant
// (stored under TenantIDKey by APIKeyAuth) and falls back to the client IP.
//
// The resulting keys are prefixed to avoid collisions between tenant and IP
// namespaces (e.g., "tenant:abc123" vs "ip:203.0.113.7").
func KeyByTenantOrIP() keyFunc {
	return func(c *gin.Context) string {
		if s := c.GetString(TenantIDKey); s != "" {
			return "tenant:" + s
		}
		return "ip:" + c.ClientIP()
	}
}

// Limit is a token-bucket shape.
type Limit struct {
	RPS   float64
	Burst int
}

// TierLimits selects a Limit per tenant tier. Default applies to requests
// without an authenticated tenant.
type TierLimits struct {
	Default Limit
	Free    Limit
	Paid    Limit
}

func (tl TierLimits) forTier(tier domain.Tier) Limit {
	switch tier {
	case domain.TierFree:
		return tl.Free
	case domain.TierPaid:
		return tl.Paid
	}
	return tl.Default
}

// visitor holds a single rate limiter and the last time it was seen.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter implements a per-key token-bucket rate limiter.
//
// Buckets are created on demand and stored in an internal map guarded by a
// mutex. Idle buckets are evicted after a TTL via opportunistic cleanup during
// lookups to keep memory usage bounded.
//
// This type is safe for concurrent use.
type RateLimiter struct {
	limits   TierLimits
	keyFn    keyFunc
	mu       sync.Mutex
	visitors map[string]*visitor

	ttl      time.Duration
	cleanupN uint64
}

// NewRateLimiter constructs a RateLimiter keyed by keyFn. Burst values <= 0
// are coerced to 1.
func NewRateLimiter(limits TierLimits, keyFn keyFunc) *RateLimiter {
	for _, l := range []*Limit{&limits.Default, &limits.Free, &limits.Paid} {
		if l.Burst <= 0 {
			l.Burst = 1
		}
	}
	return &RateLimiter{
		limits:   limits,
		keyFn:    keyFn,
		visitors: make(map[string]*visitor),
		ttl:      10 * time.Minute, // evict idle entries after TTL
	}
}

// getVisitor returns (and updates) the limiter for key, creating it with l
// if absent. It also performs opportunistic GC of idle entries after ~5000
// lookups.
//
// GC runs before the requested visitor is touched so an old bucket can be
// evicted even when it is the one being fetched.
func (rl *RateLimiter) getVisitor(key string, l Limit) *rate.Limiter {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.cleanupN++
	if rl.cleanupN >= 5000 {
		for k, vv := range rl.visitors {
			if now.Sub(vv.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.cleanupN = 0
	}

	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		// A tier change takes effect on the existing bucket.
		if v.limiter.Limit() != rate.Limit(l.RPS) || v.limiter.Burst() != l.Burst {
			v.limiter.SetLimitAt(now, rate.Limit(l.RPS))
			v.limiter.SetBurstAt(now, l.Burst)
		}
		return v.limiter
	}

	lim := rate.NewLimiter(rate.Limit(l.RPS), l.Burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// Handler returns a Gin middleware that enforces per-key token-bucket limits.
//
// Rejected requests get:
//
//	HTTP/1.1 429 Too Many Requests
//	Retry-After: <seconds>
//	{
//	  "request_id":  "<uuid>",
//	  "code":        "rate_limited",
//	  "message":     "rate limit exceeded",
//	  "retry_after": <seconds>,
//	  "upgrade":     true            // free tier only
//	}
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var tier domain.Tier
		if t, ok := CurrentTenant(c); ok {
			tier = t.Tier
		}
		l := rl.limits.forTier(tier)

		lim := rl.getVisitor(rl.keyFn(c), l)
		now := time.Now()
		res := lim.ReserveN(now, 1)
		delay := res.DelayFrom(now)
		if res.OK() && delay == 0 {
			c.Next()
			return
		}
		res.CancelAt(now)

		retry := 1
		if res.OK() {
			retry = int(math.Ceil(delay.Seconds()))
		}
		body := gin.H{
			"request_id":  c.Writer.Header().Get(requestIDHeader),
			"code":        "rate_limited",
			"message":     "rate limit exceeded",
			"retry_after": retry,
		}
		if tier == domain.TierFree {
			body["upgrade"] = true
		}
		LoggerFrom(c).Warn().Str("tier", string(tier)).Int("retry_after", retry).Msg("rate limited")
		c.Header("Retry-After", strconv.Itoa(retry))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, body)
	}
}
