package handler

import (
	"net/http"

	"deepfake-mlops-go/internal/service"

	"github.com/gin-gonic/gin"
)

// StatusHandler 暴露启动探测的结果。
type StatusHandler struct {
	statusService service.StatusService
}

// NewStatusHandler 创建一个新的 StatusHandler 实例。
func NewStatusHandler(statusService service.StatusService) *StatusHandler {
	return &StatusHandler{statusService: statusService}
}

// Status 返回各外部依赖的连通性以及运行模式 (local/demo)。
func (h *StatusHandler) Status(c *gin.Context) {
	ok(c, gin.H{
		"mode":       h.statusService.Mode(),
		"components": h.statusService.All(),
	})
}

// Health 是存活检查，不依赖任何外部组件。
func (h *StatusHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
