package http

import (
	nethttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// UserIDHeader is set by the gateway after it has authenticated the caller.
const UserIDHeader = "X-User-ID"

// RequireUser 从网关注入的请求头读取 user_id 并写入 gin context
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(UserIDHeader)
		if raw == "" {
			c.AbortWithStatusJSON(nethttp.StatusUnauthorized, gin.H{"error": "user not authenticated"})
			return
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			c.AbortWithStatusJSON(nethttp.StatusUnauthorized, gin.H{"error": "invalid user_id format"})
			return
		}
		c.Set("user_id", id)
		c.Next()
	}
}

func userID(c *gin.Context) uuid.UUID {
	v, _ := c.Get("user_id")
	id, _ := v.(uuid.UUID)
	return id
}
