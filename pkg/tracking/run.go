package tracking

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"deepfake-mlops-go/pkg/log"
)

// RunStatus 是 run 结束时的状态。
type RunStatus string

const (
	StatusFinished RunStatus = "FINISHED"
	StatusFailed   RunStatus = "FAILED"
	StatusKilled   RunStatus = "KILLED"
)

// Run 是一个打开的 MLflow run。End 之后所有记录调用都返回 ErrRunEnded。
type Run struct {
	client       *Client
	ID           string
	ExperimentID string
	ArtifactURI  string

	mu    sync.Mutex
	ended bool
	step  int64
}

func (r *Run) checkOpen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return ErrRunEnded
	}
	return nil
}

// LogParam 记录一个参数。
func (r *Run) LogParam(ctx context.Context, key, value string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	body := map[string]string{"run_id": r.ID, "key": key, "value": value}
	return r.client.call(ctx, http.MethodPost, "/api/2.0/mlflow/runs/log-parameter", body, nil, nil)
}

// LogMetric 记录一个指标，step 在 run 内自增。
func (r *Run) LogMetric(ctx context.Context, key string, value float64) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	r.mu.Lock()
	step := r.step
	r.step++
	r.mu.Unlock()

	body := map[string]interface{}{
		"run_id":    r.ID,
		"key":       key,
		"value":     value,
		"timestamp": r.client.now().UnixMilli(),
		"step":      step,
	}
	return r.client.call(ctx, http.MethodPost, "/api/2.0/mlflow/runs/log-metric", body, nil, nil)
}

// LogArtifact 把本地文件上传到 run 的 artifact 根路径下。
// 支持 s3://（直接写对象存储）和 mlflow-artifacts:/（经 MLflow 代理上传）。
func (r *Run) LogArtifact(ctx context.Context, localPath string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	u, err := url.Parse(r.ArtifactURI)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedArtifactURI, r.ArtifactURI)
	}
	name := filepath.Base(localPath)

	switch u.Scheme {
	case "s3":
		return r.putS3(ctx, u, localPath, name)
	case "mlflow-artifacts":
		return r.putProxied(ctx, u, localPath, name)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedArtifactURI, r.ArtifactURI)
	}
}

func (r *Run) putS3(ctx context.Context, u *url.URL, localPath, name string) error {
	if r.client.artifacts == nil {
		return fmt.Errorf("%w: no object store configured for %s", ErrUnsupportedArtifactURI, r.ArtifactURI)
	}
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return err
	}

	key := path.Join(strings.TrimPrefix(u.Path, "/"), name)
	store := r.client.artifacts(u.Host)
	if err := store.PutObject(ctx, key, f, stat.Size(), "application/octet-stream"); err != nil {
		return fmt.Errorf("upload artifact to s3://%s/%s: %w", u.Host, key, err)
	}
	log.Infof("[Tracking] artifact 已上传, run_id: %s, uri: s3://%s/%s", r.ID, u.Host, key)
	return nil
}

func (r *Run) putProxied(ctx context.Context, u *url.URL, localPath, name string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	artifactPath := path.Join(strings.TrimPrefix(u.Path, "/"), name)

	resp, err := r.client.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(data).
		Put("/api/2.0/mlflow-artifacts/artifacts/" + artifactPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if resp.IsError() {
		return &APIError{StatusCode: resp.StatusCode(), Message: strings.TrimSpace(resp.String())}
	}
	log.Infof("[Tracking] artifact 已上传, run_id: %s, path: %s", r.ID, artifactPath)
	return nil
}

// End 结束 run。重复调用是安全的，只有第一次会通知服务端。
// 即使通知失败，本地也视为已结束。
func (r *Run) End(ctx context.Context, status RunStatus) error {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return nil
	}
	r.ended = true
	r.mu.Unlock()
	r.client.release(r.ID)

	body := map[string]interface{}{
		"run_id":   r.ID,
		"status":   string(status),
		"end_time": r.client.now().UnixMilli(),
	}
	if err := r.client.call(ctx, http.MethodPost, "/api/2.0/mlflow/runs/update", body, nil, nil); err != nil {
		log.Warnf("[Tracking] 结束 run 失败, run_id: %s, error: %v", r.ID, err)
		return err
	}
	log.Infof("[Tracking] run 已结束, run_id: %s, status: %s", r.ID, status)
	return nil
}

// WithRun 打开一个 run 并执行 fn，在所有退出路径上结束它：
// fn 返回 nil 时为 FINISHED，因 context 取消或超时返回时为 KILLED，
// 返回其它错误或 panic 时为 FAILED（panic 会继续抛出）。
// 如果 run 无法创建，fn 不会被执行，返回创建错误。
func WithRun(ctx context.Context, c *Client, experiment string, tags map[string]string, fn func(*Run) error) (err error) {
	run, err := c.StartRun(ctx, experiment, tags)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = run.End(context.WithoutCancel(ctx), StatusFailed)
			panic(p)
		}
		status := StatusFinished
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			status = StatusKilled
		case err != nil:
			status = StatusFailed
		}
		if endErr := run.End(context.WithoutCancel(ctx), status); endErr != nil && err == nil {
			err = endErr
		}
	}()

	return fn(run)
}
