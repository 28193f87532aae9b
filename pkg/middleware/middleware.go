package middleware

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/ksred/klear-exec/internal/auth"
	"github.com/ksred/klear-exec/pkg/response"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Per-path limits
var (
	authLimit     = rate.Limit(10.0 / 60.0)   // 10 requests per minute
	signalLimit   = rate.Limit(600.0 / 60.0)  // 600 requests per minute
	operatorLimit = rate.Limit(60.0 / 60.0)   // 60 requests per minute
	readLimit     = rate.Limit(1000.0 / 60.0) // 1000 requests per minute
)

// RateLimiter keeps one token bucket per client and route.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	idle     time.Duration
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		idle:     3 * time.Minute,
	}
}

func limitFor(method, path string) (rate.Limit, int) {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return authLimit, 1
	case strings.HasPrefix(path, "/api/v1/signals"):
		return signalLimit, 20
	case method != "GET":
		return operatorLimit, 5
	case strings.HasPrefix(path, "/api/v1/"):
		return readLimit, 50
	}
	return rate.Inf, 1
}

func (rl *RateLimiter) limiter(method, path, clientID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := clientID + ":" + method + ":" + path
	v, exists := rl.visitors[key]
	if !exists {
		limit, burst := limitFor(method, path)
		v = &visitor{limiter: rate.NewLimiter(limit, burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Cleanup drops idle visitors every minute until ctx is done.
func (rl *RateLimiter) Cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.sweep(time.Now())
		}
	}
}

func (rl *RateLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.idle {
			delete(rl.visitors, key)
		}
	}
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString("clientID")
		if clientID == "" {
			clientID = c.ClientIP()
		}

		if !rl.limiter(c.Request.Method, c.FullPath(), clientID).Allow() {
			log.Warn().
				Str("client_id", clientID).
				Str("path", c.FullPath()).
				Msg("rate limit exceeded")
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth validates the bearer token and stores its claims on the context.
func JWTAuth(svc *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		parts := strings.Split(c.GetHeader("Authorization"), " ")
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		claims, err := svc.ValidateToken(parts[1])
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set("clientID", claims.ClientID)
		c.Next()
	}
}

// RequirePermission must run after JWTAuth.
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := auth.ClaimsFrom(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			c.Abort()
			return
		}
		if !claims.Has(permission) {
			response.Forbidden(c, "Missing permission: "+permission)
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequestLogger logs each request once it completes.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("component", "http").
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_id", c.GetString("clientID")).
			Msg("request handled")
	}
}
