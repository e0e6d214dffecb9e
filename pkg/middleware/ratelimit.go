package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/operational-cognos/gateway/pkg/cache"
	"github.com/operational-cognos/gateway/pkg/gateway"
)

const rateLimitKey = "cognos:ratelimit:chat_completions"

// NewRateLimiter limits requests with a token bucket local to this process.
func NewRateLimiter(rps rate.Limit, burst int) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rps, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				reject(w, 0)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewRedisRateLimiter shares one limit across every gateway instance that
// uses the same Redis. Redis errors let the request through.
func NewRedisRateLimiter(rdb *cache.Client, rps float64, burst int) func(http.Handler) http.Handler {
	limiter := redis_rate.NewLimiter(rdb.Redis())
	limit := redis_rate.Limit{
		Rate:   int(math.Ceil(rps)),
		Burst:  burst,
		Period: time.Second,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
			res, err := limiter.Allow(ctx, rateLimitKey, limit)
			cancel()
			if err != nil {
				log.Warn().Err(err).Str("component", "ratelimit").Msg("redis rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}
			if res.Allowed == 0 {
				reject(w, res.RetryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func reject(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
	}
	gateway.RecordRejection("rate_limit")
	gateway.WriteError(w, gateway.TooManyRequests())
}
