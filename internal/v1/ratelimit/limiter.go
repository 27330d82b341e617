// Package ratelimit enforces request and connection rate limits backed
// by Redis, with an in-memory fallback for single-pod deployments.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/brightboard/classroom/internal/v1/config"
	"github.com/brightboard/classroom/internal/v1/domain"
	"github.com/brightboard/classroom/internal/v1/logging"
	"github.com/brightboard/classroom/internal/v1/metrics"
)

// PrincipalContextKey is where the auth middleware stores the resolved
// principal in the gin context.
const PrincipalContextKey = "principal"

// RateLimiter holds the per-surface limiter instances. All instances
// share one store so limits hold across the whole process (or across
// pods when the store is Redis).
type RateLimiter struct {
	apiGlobal   *limiter.Limiter
	apiPublic   *limiter.Limiter
	apiMeetings *limiter.Limiter
	apiMessages *limiter.Limiter
	wsIP        *limiter.Limiter
	wsUser      *limiter.Limiter
	store       limiter.Store
}

// NewRateLimiter parses the configured rates and builds the limiter
// set. A nil redisClient selects the in-memory store.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	rates := map[string]string{
		"api global":   cfg.RateLimitAPIGlobal,
		"api public":   cfg.RateLimitAPIPublic,
		"api meetings": cfg.RateLimitAPIMeetings,
		"api messages": cfg.RateLimitAPIMessages,
		"ws ip":        cfg.RateLimitWsIP,
		"ws user":      cfg.RateLimitWsUser,
	}
	parsed := make(map[string]limiter.Rate, len(rates))
	for name, formatted := range rates {
		rate, err := limiter.NewRateFromFormatted(formatted)
		if err != nil {
			return nil, fmt.Errorf("invalid %s rate %q: %w", name, formatted, err)
		}
		parsed[name] = rate
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("redis limiter store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using in-memory store")
	}

	return &RateLimiter{
		apiGlobal:   limiter.New(store, parsed["api global"]),
		apiPublic:   limiter.New(store, parsed["api public"]),
		apiMeetings: limiter.New(store, parsed["api meetings"]),
		apiMessages: limiter.New(store, parsed["api messages"]),
		wsIP:        limiter.New(store, parsed["ws ip"]),
		wsUser:      limiter.New(store, parsed["ws user"]),
		store:       store,
	}, nil
}

// GlobalMiddleware applies the baseline API limit: the per-user limit
// when a principal is present, the stricter per-IP limit otherwise.
// Store failures fail open; availability beats strictness here.
func (rl *RateLimiter) GlobalMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		inst, key, limitType := rl.apiPublic, c.ClientIP(), "ip"
		if v, exists := c.Get(PrincipalContextKey); exists {
			if p, ok := v.(domain.Principal); ok {
				inst, key, limitType = rl.apiGlobal, p.UserID, "user"
			}
		}

		ctx := c.Request.Context()
		lctx, err := inst.Get(ctx, key)
		if err != nil {
			logging.Error(ctx, "rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), limitType).Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": domain.Code(domain.ErrRateLimited),
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// MiddlewareForEndpoint applies the tighter limit for a named endpoint
// class ("meetings" or "messages"), keyed by user when authenticated.
func (rl *RateLimiter) MiddlewareForEndpoint(endpointType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var inst *limiter.Limiter
		switch endpointType {
		case "meetings":
			inst = rl.apiMeetings
		case "messages":
			inst = rl.apiMessages
		default:
			inst = rl.apiGlobal
		}

		key := c.ClientIP()
		if v, exists := c.Get(PrincipalContextKey); exists {
			if p, ok := v.(domain.Principal); ok {
				key = p.UserID
			}
		}

		ctx := c.Request.Context()
		lctx, err := inst.Get(ctx, key)
		if err != nil {
			logging.Error(ctx, "rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), endpointType).Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": domain.Code(domain.ErrRateLimited),
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// CheckWebSocket enforces the per-IP connection limit before the
// upgrade. It writes the 429 itself and reports whether to proceed.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()
	lctx, err := rl.wsIP.Get(ctx, c.ClientIP())
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed", zap.Error(err))
		return true
	}

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": domain.Code(domain.ErrRateLimited)})
		return false
	}
	return true
}

// CheckWebSocketUser enforces the per-user connection limit. Call after
// the handshake token has been validated.
func (rl *RateLimiter) CheckWebSocketUser(ctx context.Context, userID string) error {
	lctx, err := rl.wsUser.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed", zap.Error(err))
		return nil
	}
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "user").Inc()
		return domain.ErrRateLimited
	}
	return nil
}
