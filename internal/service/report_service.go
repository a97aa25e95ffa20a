package service

import (
	"bytes"
	"context"
	"errors"
	"time"

	"deepfake-mlops-go/internal/model"
	"deepfake-mlops-go/internal/pipeline"
	"deepfake-mlops-go/pkg/log"
	"deepfake-mlops-go/pkg/metrics"
	"deepfake-mlops-go/pkg/storage"
)

// DefaultReportTimeout 是单次上报的默认超时，上报不能拖住交互流程。
const DefaultReportTimeout = 5 * time.Second

// ReportService 接口定义了困难样本上报操作。
type ReportService interface {
	Report(ctx context.Context, rec *model.SampleRecord) (string, error)
}

type reportService struct {
	store   storage.ObjectStore
	encoder *pipeline.Encoder
	status  StatusService
	timeout time.Duration
	metrics *metrics.Metrics
}

// NewReportService 创建一个新的 ReportService 实例。
// store 为 nil 表示对象存储配置无效，此时所有上报都返回 ErrFeatureUnavailable。
func NewReportService(store storage.ObjectStore, encoder *pipeline.Encoder, status StatusService, timeout time.Duration, m *metrics.Metrics) ReportService {
	if timeout <= 0 {
		timeout = DefaultReportTimeout
	}
	return &reportService{
		store:   store,
		encoder: encoder,
		status:  status,
		timeout: timeout,
		metrics: m,
	}
}

// Report 编码样本并执行一次阻塞的 PutObject，不做重试。
// 成功返回存储 key；失败返回 *pipeline.EncodingError、*ReportError 或 ErrFeatureUnavailable。
func (s *reportService) Report(ctx context.Context, rec *model.SampleRecord) (string, error) {
	label := string(rec.PredictedLabel)
	if s.store == nil || (s.status != nil && !s.status.Available(ComponentObjectStore)) {
		s.metrics.ObserveReport(label, "unavailable")
		log.Warnf("[ReportService] 对象存储不可用，跳过上报: %s", rec.OriginalFilename)
		return "", ErrFeatureUnavailable
	}

	encoded, err := s.encoder.Encode(rec)
	if err != nil {
		s.metrics.ObserveReport(label, "encoding_error")
		log.Warnf("[ReportService] 样本编码失败, 文件: %s, error: %v", rec.OriginalFilename, err)
		return "", err
	}

	putCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	log.Infof("[ReportService] 开始上传困难样本, key: %s, size: %d", encoded.Key, len(encoded.Payload))
	err = s.store.PutObject(putCtx, encoded.Key, bytes.NewReader(encoded.Payload), int64(len(encoded.Payload)), encoded.ContentType)
	if err != nil {
		reportErr := toReportError(encoded.Key, err)
		s.metrics.ObserveReport(label, reportErr.Kind.String())
		log.Errorf("[ReportService] 上传困难样本失败, key: %s, kind: %s, error: %v", encoded.Key, reportErr.Kind, err)
		return "", reportErr
	}

	s.metrics.ObserveReport(label, "ok")
	log.Infow("[ReportService] 困难样本上报成功",
		"key", encoded.Key,
		"label", label,
		"confidence", rec.Confidence,
		"format", encoded.Format,
	)
	return encoded.Key, nil
}

func toReportError(key string, err error) *ReportError {
	reportErr := &ReportError{Key: key, Err: err, Reason: err.Error()}
	var opErr *storage.OpError
	if errors.As(err, &opErr) {
		reportErr.Reason = opErr.Reason()
	}

	switch storage.Classify(err) {
	case storage.ErrUnreachable:
		reportErr.Kind = ConnectionFailed
	case storage.ErrUnauthorized:
		reportErr.Kind = Unauthorized
	default:
		reportErr.Kind = StoreRejected
	}
	return reportErr
}
