package handlers

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/guard/internal/version"
)

// getLocalIP returns the non-loopback local IP of the host
func getLocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, address := range addrs {
		if ipnet, ok := address.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return ""
}

// HealthHandler responds with service metadata and the state store status.
// A failing store check turns the response into a 503 so load balancers
// stop routing to an instance that would fail closed.
func HealthHandler(checkStore func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, code, storeStatus := "ok", http.StatusOK, "ok"
		if checkStore != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := checkStore(ctx); err != nil {
				status, code, storeStatus = "degraded", http.StatusServiceUnavailable, "unavailable"
			}
		}
		c.JSON(code, gin.H{
			"status":      status,
			"store":       storeStatus,
			"service":     version.Name,
			"version":     version.Version,
			"git_commit":  version.GitCommit,
			"build_time":  version.BuildTime,
			"internal_ip": getLocalIP(),
		})
	}
}
