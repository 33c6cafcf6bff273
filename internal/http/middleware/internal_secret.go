package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderInternalSecret carries the shared service-to-service secret.
const HeaderInternalSecret = "X-Internal-Secret"

// InternalSecret guards operator routes with a shared secret compared in
// constant time. An empty secret rejects every request.
func InternalSecret(secret string) gin.HandlerFunc {
	want := []byte(secret)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(HeaderInternalSecret))
		if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			LoggerFrom(c).Warn().Msg("internal route rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": RequestIDFrom(c),
				"code":       "unauthorized",
				"message":    "invalid internal secret",
			})
			return
		}
		c.Next()
	}
}
