package handler

import (
	"errors"
	"net/http"

	"deepfake-mlops-go/internal/middleware"
	"deepfake-mlops-go/internal/service"
	"deepfake-mlops-go/pkg/log"
	"deepfake-mlops-go/pkg/storage"

	"github.com/gin-gonic/gin"
)

// AdminHandler 负责处理运维人员的合并与清理请求。
type AdminHandler struct {
	mergeService  service.MergeService
	sampleService service.SampleService
}

// NewAdminHandler 创建一个新的 AdminHandler 实例。
func NewAdminHandler(mergeService service.MergeService, sampleService service.SampleService) *AdminHandler {
	return &AdminHandler{
		mergeService:  mergeService,
		sampleService: sampleService,
	}
}

func operatorName(c *gin.Context) string {
	if claims, ok := middleware.CurrentClaims(c); ok {
		return claims.Subject
	}
	return "unknown"
}

// Merge 触发一次数据集合并，合并到配置的 merge.local_dir。
// 单个对象的失败不影响响应码，记录在报告的 errors 中。
func (h *AdminHandler) Merge(c *gin.Context) {
	operator := operatorName(c)
	log.Infof("Merge: 运维人员 '%s' 触发合并", operator)

	report, err := h.mergeService.Merge(c.Request.Context(), "")
	if err != nil {
		switch {
		case isUnavailable(err):
			unavailable(c, service.ComponentObjectStore)
		case errors.Is(err, storage.ErrUnreachable):
			log.Error("Merge: 对象存储不可达", err)
			retryableFailure(c, "merge_failed", "对象存储不可达，请稍后重试", report)
		default:
			log.Error("Merge: 合并失败", err)
			c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "合并失败: " + err.Error(), "data": report})
		}
		return
	}

	message := "success"
	if partial := report.Err(); partial != nil {
		message = partial.Error()
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": message, "data": report})
}

// DeleteSample 删除一个困难样本。key 通过查询参数传入。
func (h *AdminHandler) DeleteSample(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		fail(c, http.StatusBadRequest, "缺少 key 参数")
		return
	}

	err := h.sampleService.Delete(c.Request.Context(), key)
	switch {
	case err == nil:
		log.Infof("DeleteSample: 运维人员 '%s' 删除了 %s", operatorName(c), key)
		ok(c, gin.H{"key": key})
	case isUnavailable(err):
		unavailable(c, service.ComponentObjectStore)
	case errors.Is(err, service.ErrKeyOutsidePrefix):
		fail(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		fail(c, http.StatusNotFound, "对象不存在")
	default:
		retryableFailure(c, "delete_failed", "删除失败，请稍后重试", nil)
	}
}

// SampleURL 生成样本的限时下载链接，用于人工复核。
func (h *AdminHandler) SampleURL(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		fail(c, http.StatusBadRequest, "缺少 key 参数")
		return
	}

	u, err := h.sampleService.DownloadURL(c.Request.Context(), key)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "文件下载链接生成成功", "data": gin.H{"key": key, "downloadUrl": u}})
	case isUnavailable(err):
		unavailable(c, service.ComponentObjectStore)
	case errors.Is(err, service.ErrKeyOutsidePrefix):
		fail(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		fail(c, http.StatusNotFound, "对象不存在")
	default:
		retryableFailure(c, "presign_failed", "生成下载链接失败，请稍后重试", nil)
	}
}
