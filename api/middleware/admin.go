package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ddevcap/vllm-composer/auth"
)

// AdminOnly rejects requests whose resolved group (set by Auth) is not one
// of the configured admin groups. Must be placed after Auth in the chain.
func AdminOnly(directory *auth.Directory) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, exists := c.Get(ContextKeyGroup)
		group, _ := raw.(string)
		if !exists || !directory.IsAdmin(group) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin access required"})
			return
		}
		c.Next()
	}
}
