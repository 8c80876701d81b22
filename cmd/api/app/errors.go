package app

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Error is the body of every failed REST response. FieldErrors names the
// request fields that failed validation.
type Error struct {
	Code        string            `json:"code"`
	Message     string            `json:"message"`
	FieldErrors map[string]string `json:"field_errors,omitempty"`
}

// Envelope is the outer JSON object of REST responses. Handshake
// rejections on /ws use it too.
type Envelope struct {
	Data  interface{} `json:"data,omitempty"`
	Error *Error      `json:"error,omitempty"`
}

// errorKey is where AbortError leaves the error for Errors to render.
const errorKey = "app_error"

// AbortError stops the handler chain with status. Nothing is written here;
// Errors renders the body once the chain unwinds.
func AbortError(c *gin.Context, status int, code, message string, fields map[string]string) {
	c.Set(errorKey, &Error{Code: code, Message: message, FieldErrors: fields})
	c.AbortWithStatus(status)
}

// Errors writes the envelope for an AbortError and logs it against the
// request logger: server faults at error level, client mistakes at warn.
func Errors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		err, ok := c.Value(errorKey).(*Error)
		if !ok {
			return
		}
		status := c.Writer.Status()
		logger := log.Ctx(c.Request.Context())
		ev := logger.Warn()
		if status >= 500 {
			ev = logger.Error()
		}
		ev = ev.Str("code", err.Code).Int("status", status)
		for k, v := range err.FieldErrors {
			ev = ev.Str("field_"+k, v)
		}
		ev.Msg(err.Message)
		c.JSON(status, Envelope{Error: err})
	}
}
