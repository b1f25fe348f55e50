package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ddevcap/vllm-composer/auth"
	"github.com/ddevcap/vllm-composer/dispatch"
)

// ContextKeyGroup is the gin context key the resolved caller group is
// stored under.
const ContextKeyGroup = "group"

// Auth resolves the caller's bearer token to a permission group via
// directory and stores it in the gin context for downstream handlers.
// A missing token aborts with 401; an unrecognised one aborts with 403.
func Auth(directory *auth.Directory) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := dispatch.ExtractBearer(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or malformed bearer token"})
			return
		}
		group, ok := directory.GroupForToken(token)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "token does not map to any group"})
			return
		}
		c.Set(ContextKeyGroup, group)
		c.Next()
	}
}
