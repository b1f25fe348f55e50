package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ddevcap/vllm-composer/admin"
)

// ReloadHandler triggers a synchronous config/secrets reload on demand,
// independent of the filesystem watcher.
type ReloadHandler struct {
	reloader *admin.Reloader
}

// NewReloadHandler builds a ReloadHandler.
func NewReloadHandler(reloader *admin.Reloader) *ReloadHandler {
	return &ReloadHandler{reloader: reloader}
}

// Handle serves POST /reload. Only reachable by callers in an admin group.
func (h *ReloadHandler) Handle(c *gin.Context) {
	if err := h.reloader.Reload(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded"})
}
