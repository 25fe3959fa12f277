// Package middleware provides HTTP middleware components for the chatlinkd
// management API.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// APIKeyAuth returns a middleware that checks the request's Bearer token (or
// X-Api-Key header) against the configured keys. With no keys configured the
// API is open; that is the expected state for a loopback-only deployment.
func APIKeyAuth(keys func() []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		configured := keys()
		if len(configured) == 0 {
			c.Next()
			return
		}

		presented := c.GetHeader("X-Api-Key")
		if presented == "" {
			auth := c.GetHeader("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				presented = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		for _, key := range configured {
			if subtle.ConstantTimeCompare([]byte(key), []byte(presented)) == 1 {
				c.Next()
				return
			}
		}

		log.Debugf("rejected management request from %s: bad api key", c.ClientIP())
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing api key"})
	}
}
