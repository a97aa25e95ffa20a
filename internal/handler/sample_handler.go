package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"deepfake-mlops-go/internal/model"
	"deepfake-mlops-go/internal/pipeline"
	"deepfake-mlops-go/internal/service"
	"deepfake-mlops-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// MaxUploadBytes 限制单张上报图片的大小。
const MaxUploadBytes = 20 << 20

// SampleHandler 负责困难样本的上报与查询。
type SampleHandler struct {
	reportService service.ReportService
	sampleService service.SampleService
}

// NewSampleHandler 创建一个新的 SampleHandler 实例。
func NewSampleHandler(reportService service.ReportService, sampleService service.SampleService) *SampleHandler {
	return &SampleHandler{reportService: reportService, sampleService: sampleService}
}

// Report 处理“预测错误，上报”请求。表单字段: file, filename(可选), confidence, prediction, format(可选)。
func (h *SampleHandler) Report(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadBytes)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		log.Warnf("Report: 缺少上传文件, error: %v", err)
		fail(c, http.StatusBadRequest, "缺少图片文件 (file)")
		return
	}
	label, err := model.ParseLabel(c.PostForm("prediction"))
	if err != nil {
		fail(c, http.StatusBadRequest, "prediction 必须为 REAL 或 FAKE")
		return
	}
	confidence, err := strconv.ParseFloat(c.PostForm("confidence"), 64)
	if err != nil {
		fail(c, http.StatusBadRequest, "confidence 必须是数字")
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		log.Error("Report: 打开上传文件失败", err)
		fail(c, http.StatusBadRequest, "无法读取上传文件")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		log.Error("Report: 读取上传文件失败", err)
		fail(c, http.StatusBadRequest, "无法读取上传文件")
		return
	}

	filename := c.PostForm("filename")
	if filename == "" {
		filename = fileHeader.Filename
	}
	rec := &model.SampleRecord{
		ImageBytes:       data,
		Format:           c.PostForm("format"),
		OriginalFilename: filename,
		PredictedLabel:   label,
		Confidence:       confidence,
	}

	key, err := h.reportService.Report(c.Request.Context(), rec)
	if err != nil {
		var encErr *pipeline.EncodingError
		var reportErr *service.ReportError
		switch {
		case isUnavailable(err):
			unavailable(c, service.ComponentObjectStore)
		case errors.As(err, &encErr):
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": encErr.Error(), "field": encErr.Field, "data": nil})
		case errors.As(err, &reportErr):
			retryableFailure(c, "report_failed", "上报失败，请稍后重试", gin.H{"kind": reportErr.Kind.String(), "reason": reportErr.Reason})
		default:
			retryableFailure(c, "report_failed", "上报失败，请稍后重试", nil)
		}
		return
	}

	ok(c, gin.H{"key": key, "capturedAt": rec.CapturedAt})
}

// List 列出已上报的困难样本。
func (h *SampleHandler) List(c *gin.Context) {
	samples, err := h.sampleService.List(c.Request.Context())
	if err != nil {
		if isUnavailable(err) {
			unavailable(c, service.ComponentObjectStore)
			return
		}
		log.Error("List: 列举困难样本失败", err)
		retryableFailure(c, "list_failed", "获取困难样本列表失败", nil)
		return
	}
	ok(c, gin.H{"entries": samples, "count": len(samples)})
}
