package api

import (
	"crypto/subtle"
	"net/http"

	"vidproc/config"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware requires the token header to equal SERVICE_TOKEN. An empty
// SERVICE_TOKEN disables the check.
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.ServiceToken == "" {
			c.Next()
			return
		}

		token := c.GetHeader("token")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token header required"})
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(cfg.ServiceToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		c.Next()
	}
}
