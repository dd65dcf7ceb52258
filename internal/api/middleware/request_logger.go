package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
)

// RequestLogger logs basic request information along with the request_id and
// the guard decision applied to the request, if any.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := map[string]interface{}{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    SanitizePath(c.Request.URL.Path),
			"latency": time.Since(start).String(),
			"client":  c.ClientIP(),
		}
		if d := c.Writer.Header().Get("X-Guard-Decision"); d != "" {
			fields["guard_decision"] = d
		}
		GetRequestLogger(c).WithFields(fields).Info("handled request")
	}
}
