package app

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// RequestIDHeader is read from proxies and echoed on every response.
const RequestIDHeader = "X-Request-ID"

// RequestID tags the request with a uuid, keeping an upstream one only if
// it parses. Handlers get a logger carrying the id through log.Ctx.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set(RequestIDHeader, id)
		logger := log.With().Str("request_id", id).Logger()
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context()))
		c.Next()
	}
}

// RateLimit sheds load once the shared bucket l is empty.
func RateLimit(l *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow() {
			// registered ahead of Errors, so AbortError would go unrendered
			c.AbortWithStatusJSON(http.StatusTooManyRequests, Envelope{Error: &Error{Code: "rate_limited", Message: "too many requests"}})
			return
		}
		c.Next()
	}
}

// UserIDKey holds the authenticated user id on the gin context.
const UserIDKey = "user_id"

// Logger writes one access line per request after the handlers ran, with
// the route pattern rather than the raw path.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		ev := log.Ctx(c.Request.Context()).Info().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start))
		if uid := c.GetString(UserIDKey); uid != "" {
			ev = ev.Str("user_id", uid)
		}
		ev.Msg("request")
	}
}
