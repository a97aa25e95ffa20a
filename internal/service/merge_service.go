package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"deepfake-mlops-go/internal/config"
	"deepfake-mlops-go/internal/model"
	"deepfake-mlops-go/internal/pipeline"
	"deepfake-mlops-go/pkg/log"
	"deepfake-mlops-go/pkg/metrics"
	"deepfake-mlops-go/pkg/storage"
	"deepfake-mlops-go/pkg/tracking"

	"github.com/google/uuid"
)

// MergeService 接口定义了把存储中的困难样本合并到本地数据集目录的批处理任务。
type MergeService interface {
	Merge(ctx context.Context, localDir string) (*model.MergeReport, error)
}

type mergeService struct {
	store      storage.ObjectStore
	samples    config.HardSampleConfig
	merge      config.MergeConfig
	tracker    *tracking.Client
	experiment string
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewMergeService 创建一个新的 MergeService 实例。tracker 为 nil 时不记录实验。
func NewMergeService(store storage.ObjectStore, samples config.HardSampleConfig, mergeCfg config.MergeConfig, tracker *tracking.Client, experiment string, m *metrics.Metrics) MergeService {
	return &mergeService{
		store:      store,
		samples:    samples,
		merge:      mergeCfg,
		tracker:    tracker,
		experiment: experiment,
		metrics:    m,
		now:        time.Now,
	}
}

// Merge 执行一次合并。localDir 为空时使用配置中的目录。
// 返回的 error 只用于任务级失败（无法创建目录、列举失败、被取消）；单个对象的失败记录在报告中。
func (s *mergeService) Merge(ctx context.Context, localDir string) (*model.MergeReport, error) {
	if s.store == nil {
		return nil, ErrFeatureUnavailable
	}
	if localDir == "" {
		localDir = s.merge.LocalDir
	}
	if s.tracker == nil {
		return s.run(ctx, localDir)
	}

	var (
		report *model.MergeReport
		runErr error
		ran    bool
	)
	tags := map[string]string{"mlflow.runName": "hard-sample-merge", "pipeline": "merge"}
	err := tracking.WithRun(ctx, s.tracker, s.experiment, tags, func(run *tracking.Run) error {
		ran = true
		report, runErr = s.run(ctx, localDir)
		s.record(ctx, run, report)
		return runErr
	})
	if !ran {
		log.Warnf("[MergeService] 无法创建追踪 run, 合并将不带追踪继续执行: %v", err)
		return s.run(ctx, localDir)
	}
	if err != nil && runErr == nil {
		log.Warnf("[MergeService] 结束追踪 run 失败: %v", err)
	}
	return report, runErr
}

func (s *mergeService) run(ctx context.Context, localDir string) (*model.MergeReport, error) {
	start := s.now()
	report := &model.MergeReport{
		RunID:       uuid.NewString(),
		LocalDir:    localDir,
		Prefix:      s.samples.Prefix,
		Errors:      []model.ObjectError{},
		Overwritten: []string{},
		StartedAt:   start,
	}

	if err := os.MkdirAll(localDir, 0o755); err != nil {
		s.metrics.ObserveMerge("failed", 0, 0, 0, time.Since(start))
		return nil, fmt.Errorf("create local dir %s: %w", localDir, err)
	}

	log.Infof("[MergeService] 开始合并, run_id: %s, prefix: %s, local_dir: %s", report.RunID, s.samples.Prefix, localDir)
	objects, err := s.store.ListObjects(ctx, s.samples.Prefix+"/")
	if err != nil {
		s.metrics.ObserveMerge("failed", 0, 0, 0, time.Since(start))
		log.Errorf("[MergeService] 列举困难样本失败, prefix: %s, error: %v", s.samples.Prefix, err)
		return nil, fmt.Errorf("list %s: %w", s.samples.Prefix, err)
	}
	report.Listed = len(objects)

	merged := make(map[string]bool, len(objects))
	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			s.finish(report, "cancelled")
			log.Warnf("[MergeService] 合并被中断, 已合并 %d 个对象", report.Count)
			return report, err
		}
		if storage.IsDirMarker(obj.Key) {
			report.Skipped++
			continue
		}

		name := localName(obj.Key)
		if name == "" || name == "." || name == ".." || name == "/" {
			report.Errors = append(report.Errors, model.NewObjectError(obj.Key, "name", fmt.Errorf("invalid local name %q", name)))
			continue
		}
		target := filepath.Join(localDir, name)
		_, statErr := os.Stat(target)
		existed := statErr == nil || merged[name]

		if err := s.store.DownloadObject(ctx, obj.Key, target); err != nil {
			log.Warnf("[MergeService] 下载失败, key: %s, error: %v", obj.Key, err)
			report.Errors = append(report.Errors, model.NewObjectError(obj.Key, "download", err))
			continue
		}
		if existed {
			report.Overwritten = append(report.Overwritten, name)
		}
		merged[name] = true
		report.Count++

		if err := s.cleanup(ctx, obj.Key, name); err != nil {
			log.Warnf("[MergeService] 清理远端对象失败, key: %s, error: %v", obj.Key, err)
			report.Errors = append(report.Errors, model.NewObjectError(obj.Key, "cleanup", err))
			continue
		}
		if s.cleanupEnabled() {
			report.Cleaned++
		}
	}

	result := "ok"
	if len(report.Errors) > 0 {
		result = "partial"
	}
	s.finish(report, result)

	if report.Count == 0 && len(report.Errors) == 0 {
		log.Infof("[MergeService] 没有新的困难样本 (no new data), prefix: %s", s.samples.Prefix)
	} else {
		log.Infow("[MergeService] 合并完成",
			"run_id", report.RunID,
			"count", report.Count,
			"errors", len(report.Errors),
			"overwritten", len(report.Overwritten),
			"cleaned", report.Cleaned,
		)
	}
	if report.Count > 0 {
		log.Infof("[MergeService] 请运行 `dvc add %s` 将新数据纳入版本管理", filepath.Dir(filepath.Clean(localDir)))
	}
	return report, nil
}

// localName 去掉 key 中的标签、置信度和时间戳，只保留原始文件名；
// 无法解析的 key 退回到 basename。
func localName(key string) string {
	if parts, ok := pipeline.ParseKey(key); ok {
		return parts.OriginalFilename
	}
	return path.Base(key)
}

func (s *mergeService) finish(report *model.MergeReport, result string) {
	report.FinishedAt = s.now()
	s.metrics.ObserveMerge(result, report.Count, len(report.Errors), report.Skipped, report.FinishedAt.Sub(report.StartedAt))
}

func (s *mergeService) cleanupEnabled() bool {
	return s.merge.Cleanup == config.CleanupDelete || s.merge.Cleanup == config.CleanupArchive
}

// cleanup 按策略处理已成功下载的远端对象。默认策略什么也不做。
func (s *mergeService) cleanup(ctx context.Context, key, name string) error {
	switch s.merge.Cleanup {
	case config.CleanupDelete:
		return s.store.RemoveObject(ctx, key)
	case config.CleanupArchive:
		dst := path.Join(s.samples.MergedPrefix, name)
		if err := s.store.CopyObject(ctx, key, dst); err != nil {
			return fmt.Errorf("archive to %s: %w", dst, err)
		}
		return s.store.RemoveObject(ctx, key)
	default:
		return nil
	}
}

// record 把合并结果写入追踪 run。失败只记录警告。
// 全部追踪调用共享一个 tracker 超时，合并被取消后也会尽量记录已完成的部分。
func (s *mergeService) record(ctx context.Context, run *tracking.Run, report *model.MergeReport) {
	if report == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.tracker.Timeout())
	defer cancel()
	var errs []error
	errs = append(errs,
		run.LogParam(ctx, "local_dir", report.LocalDir),
		run.LogParam(ctx, "prefix", report.Prefix),
		run.LogParam(ctx, "cleanup", s.merge.Cleanup),
		run.LogParam(ctx, "merge_run_id", report.RunID),
		run.LogMetric(ctx, "listed_count", float64(report.Listed)),
		run.LogMetric(ctx, "merged_count", float64(report.Count)),
		run.LogMetric(ctx, "error_count", float64(len(report.Errors))),
		run.LogMetric(ctx, "overwritten_count", float64(len(report.Overwritten))),
	)
	errs = append(errs, s.logReportArtifact(ctx, run, report))
	if err := errors.Join(errs...); err != nil {
		log.Warnw("[MergeService] 记录追踪信息失败", "tracking_run_id", run.ID, "merge_run_id", report.RunID, "error", err)
	}
}

func (s *mergeService) logReportArtifact(ctx context.Context, run *tracking.Run, report *model.MergeReport) error {
	dir, err := os.MkdirTemp("", "merge-report-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	p := filepath.Join(dir, "merge_report_"+strconv.FormatInt(report.StartedAt.Unix(), 10)+".json")
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return err
	}
	return run.LogArtifact(ctx, p)
}
