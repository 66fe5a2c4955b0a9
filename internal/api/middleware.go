package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/blinksync/syncbrain/internal/logger"
)

// requestLogger logs every request and feeds the HTTP metrics
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			path := c.Path() // route pattern keeps label cardinality bounded
			if path == "" {
				path = "unmatched"
			}
			if s.metrics != nil {
				s.metrics.HTTP.RecordHTTPRequest(v.Method, path, v.Status, v.Latency.Seconds())
				if v.Error != nil {
					s.metrics.HTTP.RecordHTTPRequestError(v.Method, path, http.StatusText(v.Status))
				}
			}

			fields := []logger.Field{
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.String("ip", v.RemoteIP),
				logger.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, logger.Error(v.Error))
			}
			if path == "/metrics" || path == "/health" {
				s.log.Debug("request", fields...)
				return nil
			}
			s.log.Info("request", fields...)
			return nil
		},
	})
}

// rateLimiter limits override requests per client IP
func (s *Server) rateLimiter() echo.MiddlewareFunc {
	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Skipper: echomw.DefaultSkipper,
		Store: echomw.NewRateLimiterMemoryStoreWithConfig(
			echomw.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(s.settings.RateLimit),
				Burst:     s.settings.Burst,
				ExpiresIn: 3 * time.Minute,
			},
		),
		IdentifierExtractor: func(ctx echo.Context) (string, error) {
			return ctx.RealIP(), nil
		},
		DenyHandler: func(ctx echo.Context, _ string, _ error) error {
			if s.metrics != nil {
				s.metrics.HTTP.RecordRateLimited(ctx.Path())
			}
			return ctx.JSON(http.StatusTooManyRequests, NewErrorResponse(nil, "Too many override requests, please wait before trying again", http.StatusTooManyRequests))
		},
	})
}
