package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/protocold/internal/logging"
)

// requestLogger logs one line per request and puts the request id and the
// instance key into the request context for downstream logs.
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)

			ctx := logging.WithRequestID(req.Context(), requestID)
			if kind, session := c.Param("kind"), c.Param("session"); kind != "" && session != "" {
				ctx = logging.WithInstance(ctx, kind, session)
			}
			c.SetRequest(req.WithContext(ctx))

			if err := next(c); err != nil {
				c.Error(err)
			}

			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.String("route", routeOf(c)),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestID),
			}
			if kind := c.Param("kind"); kind != "" {
				fields = append(fields, zap.String("protocol.kind", kind))
			}
			if session := c.Param("session"); session != "" {
				fields = append(fields, zap.String("session.id", session))
			}
			s.logger.Info("http request", fields...)
			return nil
		}
	}
}

// rateLimiter hands out one token bucket per client IP.
type rateLimiter struct {
	limit rate.Limit
	burst int

	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	lastCleanup time.Time
	now         func() time.Time
}

const limiterResetInterval = time.Hour

func newRateLimiter(perSecond float64, burst int) *rateLimiter {
	return &rateLimiter{
		limit:       rate.Limit(perSecond),
		burst:       burst,
		limiters:    make(map[string]*rate.Limiter),
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// get returns the limiter for ip. The map is dropped hourly so it cannot grow
// without bound.
func (r *rateLimiter) get(ip string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if now := r.now(); now.Sub(r.lastCleanup) > limiterResetInterval {
		r.limiters = make(map[string]*rate.Limiter)
		r.lastCleanup = now
	}
	l, ok := r.limiters[ip]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[ip] = l
	}
	return l
}

func (r *rateLimiter) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !r.get(c.RealIP()).Allow() {
				RateLimitedTotal.Inc()
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
