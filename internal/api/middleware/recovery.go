package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/guard/internal/cerberus"
	"github.com/Wikid82/guard/internal/models"
)

// Recovery turns a panic into a 500 that reads as a block: a forward-auth
// proxy must deny the request, and the X-Guard-* headers tell it why. When
// verbose is true the stacktrace and redacted request headers are logged.
func Recovery(verbose bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			entry := GetRequestLogger(c).WithFields(map[string]interface{}{
				"method": c.Request.Method,
				"path":   SanitizePath(c.Request.URL.Path),
				"client": c.ClientIP(),
			})
			if verbose {
				entry.WithField("headers", SanitizeHeaders(c.Request.Header)).
					Errorf("PANIC: %v\nStacktrace:\n%s", r, debug.Stack())
			} else {
				entry.Errorf("PANIC: %v", r)
			}

			if c.Writer.Written() {
				c.Abort()
				return
			}
			h := c.Writer.Header()
			h.Set(cerberus.HeaderDecision, string(models.DecisionBlock))
			h.Set(cerberus.HeaderReason, models.ReasonInternalError)
			h.Set(cerberus.HeaderPolicy, models.PolicyFailClosed)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":       "internal server error",
				"reason_code": models.ReasonInternalError,
				"request_id":  c.GetString(RequestIDKey),
			})
		}()
		c.Next()
	}
}
