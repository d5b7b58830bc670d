package iapgin

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/PaulFidika/iapkit/adapters/ginutil"
)

// TrustedUserHeader copies the user id from header (e.g. X-User-ID set by a
// gateway that already authenticated the caller) unless an auth middleware
// already placed one in the context. Only mount it behind such a gateway.
func TrustedUserHeader(header string) gin.HandlerFunc {
	if strings.TrimSpace(header) == "" {
		header = "X-User-ID"
	}
	return func(c *gin.Context) {
		if _, ok := ginutil.UserID(c); !ok {
			if v := strings.TrimSpace(c.GetHeader(header)); v != "" {
				c.Set(ginutil.UserIDKey, v)
			}
		}
		c.Next()
	}
}
