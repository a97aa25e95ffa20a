// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"

	"deepfake-mlops-go/internal/service"

	"github.com/gin-gonic/gin"
)

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": data})
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"code": status, "message": message, "data": nil})
}

// unavailable 是被动提示：功能在本次进程中不可用，重试没有意义。
func unavailable(c *gin.Context, component string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"code":      http.StatusServiceUnavailable,
		"error":     "feature_unavailable",
		"message":   "数据收集功能当前不可用（演示模式）",
		"component": component,
		"retryable": false,
		"data":      nil,
	})
}

// retryableFailure 是可操作的提示：本次失败，可以重试。
func retryableFailure(c *gin.Context, errCode, message string, data interface{}) {
	c.JSON(http.StatusBadGateway, gin.H{
		"code":      http.StatusBadGateway,
		"error":     errCode,
		"message":   message,
		"retryable": true,
		"data":      data,
	})
}

func isUnavailable(err error) bool {
	return errors.Is(err, service.ErrFeatureUnavailable)
}
